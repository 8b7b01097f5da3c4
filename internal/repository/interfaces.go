// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/challengebot/internal/model"
)

// DeliveryStore はルームごとの配信カーソルの永続化インターフェース。
// 各操作は単体でアトミックであり、操作をまたぐトランザクションは持たない。
type DeliveryStore interface {
	// TrackRoom は配信フィールドがすべてnullの行を作成する。既に存在する場合は何もしない。
	TrackRoom(ctx context.Context, roomID string) error

	// UntrackRoom はルームの行を削除する。存在しない場合は何もしない。
	UntrackRoom(ctx context.Context, roomID string) error

	// GetAllRoomStates は追跡中の全ルームの状態をスナップショットとして取得する。
	GetAllRoomStates(ctx context.Context) (map[string]*model.RoomState, error)

	// GetRoomState は指定ルームの状態を取得する。追跡されていない場合はnilを返す。
	GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error)

	// RecordDelivery は3つの配信フィールドをまとめてupsertする。
	// 行が存在しない場合は作成する。
	RecordDelivery(ctx context.Context, roomID, challengeID string, challengeCreatedAt, deliveredAt time.Time) error

	// Ping はストアへの接続を確認する。
	Ping(ctx context.Context) error

	// Close は接続を閉じる。
	Close() error
}

// BackfillStore はマイグレーション時の列補完に使う永続化インターフェース。
type BackfillStore interface {
	// ListRoomsMissingChallengeCreatedAt は配信済みIDを持つが
	// last_challenge_created_atがnullの行を取得する。
	ListRoomsMissingChallengeCreatedAt(ctx context.Context) ([]*model.RoomState, error)

	// SetChallengeCreatedAt は指定ルームのlast_challenge_created_atを設定する。
	SetChallengeCreatedAt(ctx context.Context, roomID string, createdAt time.Time) error
}
