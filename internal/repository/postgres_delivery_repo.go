package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/challengebot/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配信ストア。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

var (
	_ DeliveryStore = (*PostgresDeliveryRepo)(nil)
	_ BackfillStore = (*PostgresDeliveryRepo)(nil)
)

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// TrackRoom はルームを追跡対象に追加する。既に追跡中の場合は何もしない。
func (r *PostgresDeliveryRepo) TrackRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_delivery_state (room_id) VALUES ($1)
		 ON CONFLICT (room_id) DO NOTHING`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("ルームの追跡開始に失敗しました: %w", err)
	}
	return nil
}

// UntrackRoom はルームを追跡対象から外す。
func (r *PostgresDeliveryRepo) UntrackRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM room_delivery_state WHERE room_id = $1`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("ルームの追跡解除に失敗しました: %w", err)
	}
	return nil
}

// GetAllRoomStates は追跡中の全ルームの状態を取得する。
func (r *PostgresDeliveryRepo) GetAllRoomStates(ctx context.Context) (map[string]*model.RoomState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT room_id, last_delivered_challenge_id, last_delivered_at, last_challenge_created_at
		 FROM room_delivery_state`,
	)
	if err != nil {
		return nil, fmt.Errorf("ルーム状態一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*model.RoomState)
	for rows.Next() {
		state, err := scanRoomState(rows)
		if err != nil {
			return nil, fmt.Errorf("ルーム状態のスキャンに失敗しました: %w", err)
		}
		states[state.RoomID] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ルーム状態一覧の読み込みに失敗しました: %w", err)
	}
	return states, nil
}

// GetRoomState は指定ルームの状態を取得する。追跡されていない場合はnilを返す。
func (r *PostgresDeliveryRepo) GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT room_id, last_delivered_challenge_id, last_delivered_at, last_challenge_created_at
		 FROM room_delivery_state WHERE room_id = $1`,
		roomID,
	)
	state, err := scanRoomState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ルーム状態の取得に失敗しました: %w", err)
	}
	return state, nil
}

// RecordDelivery は配信結果を記録する。
func (r *PostgresDeliveryRepo) RecordDelivery(ctx context.Context, roomID, challengeID string, challengeCreatedAt, deliveredAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_delivery_state
		     (room_id, last_delivered_challenge_id, last_delivered_at, last_challenge_created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id) DO UPDATE SET
		     last_delivered_challenge_id = EXCLUDED.last_delivered_challenge_id,
		     last_delivered_at = EXCLUDED.last_delivered_at,
		     last_challenge_created_at = EXCLUDED.last_challenge_created_at`,
		roomID, challengeID, deliveredAt.Unix(), challengeCreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("配信結果の記録に失敗しました: %w", err)
	}
	return nil
}

// ListRoomsMissingChallengeCreatedAt はお題作成日時が未補完の配信済みルームを取得する。
func (r *PostgresDeliveryRepo) ListRoomsMissingChallengeCreatedAt(ctx context.Context) ([]*model.RoomState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT room_id, last_delivered_challenge_id, last_delivered_at, last_challenge_created_at
		 FROM room_delivery_state
		 WHERE last_delivered_challenge_id IS NOT NULL AND last_challenge_created_at IS NULL
		 ORDER BY room_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("未補完ルームの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var states []*model.RoomState
	for rows.Next() {
		state, err := scanRoomState(rows)
		if err != nil {
			return nil, fmt.Errorf("ルーム状態のスキャンに失敗しました: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未補完ルームの読み込みに失敗しました: %w", err)
	}
	return states, nil
}

// SetChallengeCreatedAt はお題作成日時を補完する。
func (r *PostgresDeliveryRepo) SetChallengeCreatedAt(ctx context.Context, roomID string, createdAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE room_delivery_state SET last_challenge_created_at = $2 WHERE room_id = $1`,
		roomID, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("お題作成日時の補完に失敗しました: %w", err)
	}
	return nil
}

// Ping はデータベース接続を確認する。
func (r *PostgresDeliveryRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (r *PostgresDeliveryRepo) Close() error {
	return r.db.Close()
}
