package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/challengebot/internal/model"
	"github.com/hitoshi/challengebot/internal/repository"
)

// VersionChallengeCreatedAt はlast_challenge_created_at列を追加するマイグレーションのバージョン。
const VersionChallengeCreatedAt uint = 2

// ChallengeResolver はお題IDからお題を解決するインターフェース。
// 見つからない場合はmodel.ErrChallengeNotFoundを返す。
type ChallengeResolver interface {
	Resolve(ctx context.Context, id string) (*model.Challenge, error)
}

// NewChallengeCreatedAtBackfill は既存行のlast_challenge_created_atを
// フィード上のお題作成日時で補完するフックを返す。
// 行ごとの解決失敗はログに記録して列をnullのまま残し、他の行の処理を続ける。
// 対象行の取得に失敗した場合のみエラーを返す。
func NewChallengeCreatedAtBackfill(store repository.BackfillStore, resolver ChallengeResolver, logger *slog.Logger) Hook {
	return func(ctx context.Context) error {
		rooms, err := store.ListRoomsMissingChallengeCreatedAt(ctx)
		if err != nil {
			return fmt.Errorf("list rooms for backfill: %w", err)
		}
		if len(rooms) == 0 {
			return nil
		}

		var filled, failed int
		for _, room := range rooms {
			id := *room.LastDeliveredChallengeID

			c, err := resolver.Resolve(ctx, id)
			if err != nil {
				failed++
				logger.Warn("お題作成日時の補完に失敗しました。nullのまま残します",
					slog.String("room_id", room.RoomID),
					slog.String("challenge_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}

			if err := store.SetChallengeCreatedAt(ctx, room.RoomID, c.CreatedAt); err != nil {
				failed++
				logger.Warn("お題作成日時の書き込みに失敗しました。nullのまま残します",
					slog.String("room_id", room.RoomID),
					slog.String("challenge_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			filled++
		}

		logger.Info("お題作成日時の補完が完了しました",
			slog.Int("rooms", len(rooms)),
			slog.Int("filled", filled),
			slog.Int("failed", failed),
		)
		return nil
	}
}
