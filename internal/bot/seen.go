// Package bot はチャットサーバーとのセッション維持とイベント処理を提供する。
package bot

import (
	"sync"
	"time"
)

// DefaultSeenTTL は処理済みイベントを覚えておく期間。
const DefaultSeenTTL = 10 * time.Minute

// SeenSet は短期間に重複して届いたイベントを落とすための集合。
// 記録からTTLを過ぎたキーは忘れる。
type SeenSet struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]time.Time
	lastSweep time.Time
}

// NewSeenSet はSeenSetを生成する。ttlが0以下の場合はDefaultSeenTTLを使う。
func NewSeenSet(ttl time.Duration) *SeenSet {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenSet{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Seen はkeyがTTL以内に記録済みならtrueを返す。
// 未記録の場合はnowで記録してfalseを返す。
func (s *SeenSet) Seen(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.ttl {
		s.sweep(now)
	}

	if at, ok := s.entries[key]; ok && now.Sub(at) < s.ttl {
		return true
	}
	s.entries[key] = now
	return false
}

// Forget はkeyの記録を消す。
func (s *SeenSet) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len は記録中のキー数を返す。
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SeenSet) sweep(now time.Time) {
	for k, at := range s.entries {
		if now.Sub(at) >= s.ttl {
			delete(s.entries, k)
		}
	}
	s.lastSweep = now
}
