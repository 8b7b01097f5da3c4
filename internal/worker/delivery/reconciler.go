// Package delivery はお題の定期配信を提供する。
// ルームごとの配信判定を行うReconcilerと、それを一定間隔で呼び出すSchedulerを含む。
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/metrics"
	"github.com/hitoshi/challengebot/internal/model"
	"github.com/hitoshi/challengebot/internal/repository"
)

// Sender はルームへのメッセージ送信のインターフェース。
type Sender interface {
	SendMessage(ctx context.Context, roomID string, msg model.Message) error
}

// TickSummary は1回のティックの結果をまとめたもの。
type TickSummary struct {
	Rooms        int // スナップショット時点の追跡ルーム数
	Delivered    int
	Gated        int // 配信間隔内のためスキップ
	NoCandidate  int // 未配信のお題なし
	SendFailed   int // 送信失敗（状態は変更しない）
	RecordFailed int // 送信後の記録失敗（重複配信のおそれ）
	Vanished     int // ティック中に追跡解除された
	ReadFailed   int // ロック取得後の再読込に失敗
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeGated
	outcomeNoCandidate
	outcomeSendFailed
	outcomeRecordFailed
	outcomeVanished
	outcomeReadFailed
)

func (s *TickSummary) add(o outcome) {
	switch o {
	case outcomeDelivered:
		s.Delivered++
	case outcomeGated:
		s.Gated++
	case outcomeNoCandidate:
		s.NoCandidate++
	case outcomeSendFailed:
		s.SendFailed++
	case outcomeRecordFailed:
		s.RecordFailed++
	case outcomeVanished:
		s.Vanished++
	case outcomeReadFailed:
		s.ReadFailed++
	}
}

// Reconciler はルームごとに配信するお題を決定し、送信して記録する。
// ティックをまたいだ状態は持たず、毎回ストアから読み直す。
type Reconciler struct {
	store         repository.DeliveryStore
	sender        Sender
	locks         *RoomLocks
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	interval      time.Duration
	sendTimeout   time.Duration
	maxConcurrent int
	heading       string
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
// MaxConcurrentが0以下の場合は1を使用する。
func NewReconciler(
	store repository.DeliveryStore,
	sender Sender,
	cfg config.DeliveryConfig,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Reconciler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Reconciler{
		store:         store,
		sender:        sender,
		locks:         NewRoomLocks(),
		metrics:       collector,
		logger:        logger,
		interval:      cfg.Interval,
		sendTimeout:   cfg.SendTimeout,
		maxConcurrent: maxConcurrent,
		heading:       cfg.Heading,
	}
}

// TrackRoom はルームのロックを取ってから追跡対象に追加する。
func (r *Reconciler) TrackRoom(ctx context.Context, roomID string) error {
	unlock := r.locks.Lock(roomID)
	defer unlock()
	return r.store.TrackRoom(ctx, roomID)
}

// UntrackRoom はルームのロックを取ってから追跡対象から外す。
// 配信中のルームの場合は、その配信の記録が終わるまで待つ。
func (r *Reconciler) UntrackRoom(ctx context.Context, roomID string) error {
	unlock := r.locks.Lock(roomID)
	defer unlock()
	return r.store.UntrackRoom(ctx, roomID)
}

// Tick は追跡中の全ルームについて配信判定を1回行う。
// itemsは作成日時の昇順でID重複のないお題一覧。空でもよい。
// ルームごとの失敗はログに記録して集計し、エラーとしては返さない。
// ルーム一覧の取得に失敗した場合のみエラーを返す。
func (r *Reconciler) Tick(ctx context.Context, now time.Time, items []model.Challenge) (TickSummary, error) {
	states, err := r.store.GetAllRoomStates(ctx)
	if err != nil {
		return TickSummary{}, fmt.Errorf("ルーム状態の取得に失敗: %w", err)
	}
	r.metrics.SetTrackedRooms(len(states))

	summary := TickSummary{Rooms: len(states)}
	if len(states) == 0 {
		return summary, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.maxConcurrent)
	)

	for roomID := range states {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(roomID string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			o := r.reconcileRoomSafe(ctx, roomID, now, items)

			mu.Lock()
			summary.add(o)
			mu.Unlock()
		}(roomID)
	}

	wg.Wait()

	r.recordOutcomes(summary)
	return summary, nil
}

// reconcileRoomSafe はルーム処理中のpanicを回復する。
// 送信前のpanicは送信失敗、送信後のpanicは重複配信のおそれがある記録失敗として扱う。
func (r *Reconciler) reconcileRoomSafe(ctx context.Context, roomID string, now time.Time, items []model.Challenge) (o outcome) {
	sent := false
	defer func() {
		if rec := recover(); rec != nil {
			if sent {
				r.logger.Error("お題の送信後にpanicが発生しました。次回のティックで重複配信のおそれがあります",
					slog.String("room_id", roomID),
					slog.Bool("duplicate_risk", true),
					slog.Any("panic", rec),
				)
				r.metrics.RecordError(metrics.ErrorRecord)
				o = outcomeRecordFailed
				return
			}
			r.logger.Error("ルームの配信処理でpanicが発生しました",
				slog.String("room_id", roomID),
				slog.Any("panic", rec),
			)
			r.metrics.RecordError(metrics.ErrorSend)
			o = outcomeSendFailed
		}
	}()
	return r.reconcileRoom(ctx, roomID, now, items, &sent)
}

// reconcileRoom は1ルームについて判定・送信・記録を行う。
// ルームのロックを保持したまま行い、同じルームへの並行書き込みを防ぐ。
// 送信に成功した時点でsentをtrueにする。
func (r *Reconciler) reconcileRoom(ctx context.Context, roomID string, now time.Time, items []model.Challenge, sent *bool) outcome {
	unlock := r.locks.Lock(roomID)
	defer unlock()

	state, err := r.store.GetRoomState(ctx, roomID)
	if err != nil {
		r.logger.Error("ルーム状態の再読込に失敗しました",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
		return outcomeReadFailed
	}
	if state == nil {
		r.logger.Debug("ティック中に追跡解除されたルームをスキップします",
			slog.String("room_id", roomID),
		)
		return outcomeVanished
	}

	if Gated(state, now, r.interval) {
		return outcomeGated
	}

	candidate := SelectCandidate(state, items)
	if candidate == nil {
		return outcomeNoCandidate
	}

	msg := RenderChallenge(r.heading, *candidate)

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	err = r.sender.SendMessage(sendCtx, roomID, msg)
	cancel()
	if err != nil {
		r.logger.Error("お題の送信に失敗しました。次回のティックで再試行します",
			slog.String("room_id", roomID),
			slog.String("challenge_id", candidate.ID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordError(metrics.ErrorSend)
		return outcomeSendFailed
	}
	*sent = true

	if err := r.store.RecordDelivery(ctx, roomID, candidate.ID, candidate.CreatedAt, now); err != nil {
		r.logger.Error("送信済みお題の記録に失敗しました。次回のティックで重複配信のおそれがあります",
			slog.String("room_id", roomID),
			slog.String("challenge_id", candidate.ID),
			slog.Bool("duplicate_risk", true),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordError(metrics.ErrorRecord)
		return outcomeRecordFailed
	}

	r.logger.Info("お題を配信しました",
		slog.String("room_id", roomID),
		slog.String("challenge_id", candidate.ID),
		slog.Time("challenge_created_at", candidate.CreatedAt),
	)
	return outcomeDelivered
}

func (r *Reconciler) recordOutcomes(s TickSummary) {
	r.metrics.RecordRoomOutcomes(metrics.OutcomeDelivered, s.Delivered)
	r.metrics.RecordRoomOutcomes(metrics.OutcomeGated, s.Gated)
	r.metrics.RecordRoomOutcomes(metrics.OutcomeNoCandidate, s.NoCandidate)
	r.metrics.RecordRoomOutcomes(metrics.OutcomeSendFailed, s.SendFailed)
	r.metrics.RecordRoomOutcomes(metrics.OutcomeRecordFailed, s.RecordFailed)
	r.metrics.RecordRoomOutcomes(metrics.OutcomeVanished, s.Vanished)
	r.metrics.RecordRoomOutcomes(metrics.OutcomeReadFailed, s.ReadFailed)
}
