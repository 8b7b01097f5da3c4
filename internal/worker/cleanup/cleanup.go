// Package cleanup は退出済みルームの整理ジョブを提供する。
// オフライン中にキックされるなどして参加していないルームの行を、
// サーバー側の参加中ルーム一覧と突き合わせて削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/challengebot/internal/metrics"
	"github.com/hitoshi/challengebot/internal/model"
)

// RoomStore は追跡中ルームの取得と追跡解除のインターフェース。
// 追跡解除は配信処理とルーム単位で直列化された実装を渡す。
type RoomStore interface {
	GetAllRoomStates(ctx context.Context) (map[string]*model.RoomState, error)
	UntrackRoom(ctx context.Context, roomID string) error
}

// JoinedRoomLister はサーバー側で参加中のルーム一覧を返すインターフェース。
type JoinedRoomLister interface {
	JoinedRooms(ctx context.Context) ([]string, error)
}

// PruneJob は参加していないルームを追跡対象から外すジョブ。
// 冪等であり、削除対象がない場合でもエラーにならない。
type PruneJob struct {
	rooms    RoomStore
	joined   JoinedRoomLister
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewPruneJob は新しいPruneJobを生成する。
func NewPruneJob(rooms RoomStore, joined JoinedRoomLister, collector metrics.MetricsCollector, logger *slog.Logger) *PruneJob {
	return &PruneJob{
		rooms:    rooms,
		joined:   joined,
		metrics:  collector,
		logger:   logger,
		Interval: time.Hour,
	}
}

// Run は追跡中ルームのうち参加中ルーム一覧にないものを追跡解除する。
// 参加中ルーム一覧が取得できない場合は何も削除しない。
func (j *PruneJob) Run(ctx context.Context) error {
	start := time.Now()

	// 追跡の登録は参加成功の後に行われるため、先に追跡中ルームを読めば
	// その全てが直後の参加中ルーム一覧に含まれる
	states, err := j.rooms.GetAllRoomStates(ctx)
	if err != nil {
		j.logger.Error("ルーム状態の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ルーム状態の取得に失敗: %w", err)
	}

	joined, err := j.joined.JoinedRooms(ctx)
	if err != nil {
		j.logger.Error("参加中ルーム一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("参加中ルーム一覧の取得に失敗: %w", err)
	}

	joinedSet := make(map[string]struct{}, len(joined))
	for _, id := range joined {
		joinedSet[id] = struct{}{}
	}

	pruned := 0
	for roomID := range states {
		if _, ok := joinedSet[roomID]; ok {
			continue
		}
		if err := j.rooms.UntrackRoom(ctx, roomID); err != nil {
			j.logger.Error("退出済みルームの追跡解除に失敗しました",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
			continue
		}
		j.logger.Info("参加していないルームの追跡を解除しました",
			slog.String("room_id", roomID),
		)
		pruned++
	}

	j.metrics.RecordPrunedRooms(pruned)

	duration := time.Since(start)
	j.logger.Info("ルーム整理ジョブが完了しました",
		slog.Int("tracked_count", len(states)),
		slog.Int("pruned_count", pruned),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start はIntervalごとにRunを実行する。
// 起動直後はセッション確立前のため実行せず、最初の間隔の経過後から実行する。
func (j *PruneJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("ルーム整理ジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
