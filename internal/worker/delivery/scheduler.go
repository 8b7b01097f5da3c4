package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/metrics"
	"github.com/hitoshi/challengebot/internal/model"
)

// FeedFetcher はお題一覧の取得のインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context) ([]model.Challenge, error)
}

// Scheduler は一定間隔でフィードを1回取得し、Reconcilerのティックを実行する。
// ティックは必ず直列に実行され、チャットサーバーとの接続状態とは無関係に動く。
type Scheduler struct {
	feed       FeedFetcher
	reconciler *Reconciler
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	startDelay time.Duration
	interval   time.Duration
	now        func() time.Time // テスト用に差し替え可能
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	feed FeedFetcher,
	reconciler *Reconciler,
	cfg config.SchedulerConfig,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		feed:       feed,
		reconciler: reconciler,
		metrics:    collector,
		logger:     logger,
		startDelay: cfg.StartDelay,
		interval:   cfg.TickInterval,
		now:        time.Now,
	}
}

// Start は起動遅延の後に最初のティックを実行し、以降は一定間隔でティックを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
// ティックの失敗はログに記録し、後続のティックは止めない。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("start_delay", s.startDelay),
		slog.Duration("interval", s.interval),
	)

	// チャットセッションの確立を待つ
	timer := time.NewTimer(s.startDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		s.logger.Info("配信スケジューラを停止しました")
		return
	case <-timer.C:
	}

	s.runAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信ティックの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はフィードを1回取得し、全ルームの配信判定を1回行う。
// フィード取得に失敗した場合はルームの判定を行わずにエラーを返す。
// panicは回復してエラーとして返す。
// フィード取得の失敗はfeed_fetchとして、それ以外の失敗はtickとして1回だけ数える。
func (s *Scheduler) RunOnce(ctx context.Context) (err error) {
	start := time.Now()
	counted := false

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in tick: %v", rec)
		}
		if err != nil && !counted {
			s.metrics.RecordError(metrics.ErrorTick)
		}
	}()

	items, err := s.feed.Fetch(ctx)
	if err != nil {
		s.metrics.RecordError(metrics.ErrorFeedFetch)
		counted = true
		return fmt.Errorf("フィード取得に失敗: %w", err)
	}
	s.metrics.SetFeedItems(len(items))

	summary, err := s.reconciler.Tick(ctx, s.now(), items)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	s.metrics.RecordTick(duration)

	level := slog.LevelDebug
	if summary.Delivered > 0 || summary.SendFailed > 0 || summary.RecordFailed > 0 || summary.ReadFailed > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "配信ティックが完了しました",
		slog.Int("feed_items", len(items)),
		slog.Int("rooms", summary.Rooms),
		slog.Int("delivered", summary.Delivered),
		slog.Int("gated", summary.Gated),
		slog.Int("no_candidate", summary.NoCandidate),
		slog.Int("send_failed", summary.SendFailed),
		slog.Int("record_failed", summary.RecordFailed),
		slog.Int("vanished", summary.Vanished),
		slog.Int("read_failed", summary.ReadFailed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}
