package delivery

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/challengebot/internal/model"
)

// --- モック定義 ---

// memoryStore はDeliveryStoreのインメモリ実装。
// 各Funcフィールドが設定されている場合はそちらを優先する。
type memoryStore struct {
	mu     sync.Mutex
	rooms  map[string]model.RoomState
	writes int

	getAllFunc func(ctx context.Context) (map[string]*model.RoomState, error)
	getFunc    func(ctx context.Context, roomID string) (*model.RoomState, error)
	recordFunc func(ctx context.Context, roomID, challengeID string, challengeCreatedAt, deliveredAt time.Time) error
}

func newMemoryStore(roomIDs ...string) *memoryStore {
	s := &memoryStore{rooms: make(map[string]model.RoomState)}
	for _, id := range roomIDs {
		s.rooms[id] = model.RoomState{RoomID: id}
	}
	return s
}

func (s *memoryStore) TrackRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = model.RoomState{RoomID: roomID}
		s.writes++
	}
	return nil
}

func (s *memoryStore) UntrackRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	s.writes++
	return nil
}

func (s *memoryStore) GetAllRoomStates(ctx context.Context) (map[string]*model.RoomState, error) {
	if s.getAllFunc != nil {
		return s.getAllFunc(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.RoomState, len(s.rooms))
	for id, st := range s.rooms {
		st := st
		out[id] = &st
	}
	return out, nil
}

func (s *memoryStore) GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, roomID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *memoryStore) RecordDelivery(ctx context.Context, roomID, challengeID string, challengeCreatedAt, deliveredAt time.Time) error {
	if s.recordFunc != nil {
		if err := s.recordFunc(ctx, roomID, challengeID, challengeCreatedAt, deliveredAt); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil
	}
	id := challengeID
	// ストアはエポック秒で保存する
	created := time.Unix(challengeCreatedAt.Unix(), 0).UTC()
	delivered := time.Unix(deliveredAt.Unix(), 0).UTC()
	s.rooms[roomID] = model.RoomState{
		RoomID:                   roomID,
		LastDeliveredChallengeID: &id,
		LastDeliveredAt:          &delivered,
		LastChallengeCreatedAt:   &created,
	}
	s.writes++
	return nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) state(roomID string) (model.RoomState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	return st, ok
}

func (s *memoryStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// sentMessage は送信記録。
type sentMessage struct {
	RoomID string
	Msg    model.Message
}

// fakeSender はSenderのテスト用モック。
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	sendFunc func(ctx context.Context, roomID string, msg model.Message) error
}

func (f *fakeSender) SendMessage(ctx context.Context, roomID string, msg model.Message) error {
	if f.sendFunc != nil {
		if err := f.sendFunc(ctx, roomID, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{RoomID: roomID, Msg: msg})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// fakeMetrics はMetricsCollectorのテスト用モック。
type fakeMetrics struct {
	mu           sync.Mutex
	ticks        int
	errors       map[string]int
	outcomes     map[string]int
	trackedRooms int
	feedItems    int
	pruned       int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{errors: make(map[string]int), outcomes: make(map[string]int)}
}

func (m *fakeMetrics) RecordTick(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

func (m *fakeMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

func (m *fakeMetrics) RecordRoomOutcomes(result string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[result] += count
}

func (m *fakeMetrics) SetTrackedRooms(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedRooms = count
}

func (m *fakeMetrics) SetFeedItems(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedItems = count
}

func (m *fakeMetrics) RecordPrunedRooms(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned += count
}

func (m *fakeMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

// fakeFeed はFeedFetcherのテスト用モック。
type fakeFeed struct {
	mu        sync.Mutex
	calls     int
	fetchFunc func(ctx context.Context) ([]model.Challenge, error)
}

func (f *fakeFeed) Fetch(ctx context.Context) ([]model.Challenge, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fetchFunc != nil {
		return f.fetchFunc(ctx)
	}
	return nil, nil
}

func (f *fakeFeed) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errStore = errors.New("store unavailable")

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// challengeAt は作成日時がエポック秒secのお題を生成する。
func challengeAt(id string, sec int64) model.Challenge {
	return model.Challenge{
		ID:        id,
		Title:     "Challenge " + id,
		Body:      "Draw " + id,
		URL:       "https://example.com/" + id,
		CreatedAt: time.Unix(sec, 0).UTC(),
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
