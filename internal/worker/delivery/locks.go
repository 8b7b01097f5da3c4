package delivery

import "sync"

// RoomLocks はルームIDごとの排他ロックを提供する。
// 配信の判定から記録までと、参加/退出による行の追加/削除を同じルームについて直列化する。
// 使用中でなくなったロックはマップから取り除かれる。
type RoomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewRoomLocks はRoomLocksを生成する。
func NewRoomLocks() *RoomLocks {
	return &RoomLocks{locks: make(map[string]*roomLock)}
}

// Lock は指定ルームのロックを取得し、解放関数を返す。
func (l *RoomLocks) Lock(roomID string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

// size は保持しているロック数を返す。
func (l *RoomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
