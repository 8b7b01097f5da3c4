package delivery

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/metrics"
	"github.com/hitoshi/challengebot/internal/model"
)

func newTestScheduler(feed *fakeFeed, store *memoryStore, sender *fakeSender, m *fakeMetrics, buf *bytes.Buffer, cfg config.SchedulerConfig) *Scheduler {
	logger := newTestLogger(buf)
	r := NewReconciler(store, sender, testDeliveryConfig(), m, logger)
	return NewScheduler(feed, r, cfg, m, logger)
}

func TestRunOnce_FetchesFeedOnceAndDelivers(t *testing.T) {
	var buf bytes.Buffer
	feed := &fakeFeed{fetchFunc: func(context.Context) ([]model.Challenge, error) {
		return []model.Challenge{challengeAt("A", 100), challengeAt("B", 200)}, nil
	}}
	store := newMemoryStore("R1", "R2")
	sender := &fakeSender{}
	m := newFakeMetrics()
	s := newTestScheduler(feed, store, sender, m, &buf, config.SchedulerConfig{TickInterval: time.Minute})
	s.now = func() time.Time { return unix(1000) }

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, 1, feed.callCount(), "フィードはティックごとに1回だけ取得する")
	assert.Len(t, sender.messages(), 2)
	assert.Equal(t, 2, m.feedItems)
	assert.Equal(t, 1, m.ticks)
	assert.Contains(t, buf.String(), "配信ティックが完了しました")

	st, _ := store.state("R1")
	assert.Equal(t, int64(1000), st.LastDeliveredAt.Unix())
}

func TestRunOnce_FeedErrorSkipsRooms(t *testing.T) {
	var buf bytes.Buffer
	feed := &fakeFeed{fetchFunc: func(context.Context) ([]model.Challenge, error) {
		return nil, errors.New("feed down")
	}}
	store := newMemoryStore("R")
	store.getAllFunc = func(context.Context) (map[string]*model.RoomState, error) {
		t.Error("フィード取得失敗時にルームを読み込んではならない")
		return nil, nil
	}
	sender := &fakeSender{}
	m := newFakeMetrics()
	s := newTestScheduler(feed, store, sender, m, &buf, config.SchedulerConfig{TickInterval: time.Minute})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed down")
	assert.Empty(t, sender.messages())
	assert.Equal(t, 1, m.errorCount(metrics.ErrorFeedFetch))
	assert.Equal(t, 0, m.errorCount(metrics.ErrorTick), "フィード取得の失敗はtickとして二重に数えない")
	assert.Equal(t, 0, m.ticks)
}

func TestRunOnce_StoreErrorIsReturned(t *testing.T) {
	var buf bytes.Buffer
	feed := &fakeFeed{}
	store := newMemoryStore()
	store.getAllFunc = func(context.Context) (map[string]*model.RoomState, error) {
		return nil, errStore
	}
	m := newFakeMetrics()
	s := newTestScheduler(feed, store, &fakeSender{}, m, &buf, config.SchedulerConfig{TickInterval: time.Minute})

	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, errStore)
	assert.Equal(t, 1, m.errorCount(metrics.ErrorTick))
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	feed := &fakeFeed{fetchFunc: func(context.Context) ([]model.Challenge, error) {
		panic("parser exploded")
	}}
	m := newFakeMetrics()
	s := newTestScheduler(feed, newMemoryStore(), &fakeSender{}, m, &buf, config.SchedulerConfig{TickInterval: time.Minute})

	var err error
	assert.NotPanics(t, func() { err = s.RunOnce(context.Background()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parser exploded")
	assert.Equal(t, 1, m.errorCount(metrics.ErrorTick))
}

func TestStart_WaitsForStartDelay(t *testing.T) {
	var buf bytes.Buffer
	feed := &fakeFeed{}
	s := newTestScheduler(feed, newMemoryStore(), &fakeSender{}, newFakeMetrics(), &buf,
		config.SchedulerConfig{StartDelay: time.Hour, TickInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後にStartが終了しない")
	}
	assert.Equal(t, 0, feed.callCount(), "起動遅延の前にティックを実行してはならない")
}

func TestStart_RunsTicksAfterDelay(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	calls := 0
	enough := make(chan struct{})
	feed := &fakeFeed{fetchFunc: func(context.Context) ([]model.Challenge, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 3 {
			close(enough)
		}
		return nil, errors.New("transient")
	}}
	s := newTestScheduler(feed, newMemoryStore(), &fakeSender{}, newFakeMetrics(), &buf,
		config.SchedulerConfig{StartDelay: 5 * time.Millisecond, TickInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-enough:
	case <-time.After(2 * time.Second):
		t.Fatal("ティックが繰り返し実行されない")
	}
	cancel()
	<-done

	// 失敗したティックも後続のティックを止めない
	assert.Contains(t, buf.String(), "配信ティックの実行に失敗しました")
}
