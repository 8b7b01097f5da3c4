package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/challengebot/internal/model"
)

// SQLiteDeliveryRepo はSQLiteを使用した配信ストア。
// 接続は database.Open でWALモードと単一接続に設定されている前提。
type SQLiteDeliveryRepo struct {
	db *sql.DB
}

var (
	_ DeliveryStore = (*SQLiteDeliveryRepo)(nil)
	_ BackfillStore = (*SQLiteDeliveryRepo)(nil)
)

// NewSQLiteDeliveryRepo はSQLiteDeliveryRepoを生成する。
func NewSQLiteDeliveryRepo(db *sql.DB) *SQLiteDeliveryRepo {
	return &SQLiteDeliveryRepo{db: db}
}

// TrackRoom はルームを追跡対象に追加する。既に追跡中の場合は何もしない。
func (r *SQLiteDeliveryRepo) TrackRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_delivery_state (room_id) VALUES (?)`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("ルームの追跡開始に失敗しました: %w", err)
	}
	return nil
}

// UntrackRoom はルームを追跡対象から外す。
func (r *SQLiteDeliveryRepo) UntrackRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM room_delivery_state WHERE room_id = ?`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("ルームの追跡解除に失敗しました: %w", err)
	}
	return nil
}

// GetAllRoomStates は追跡中の全ルームの状態を取得する。
func (r *SQLiteDeliveryRepo) GetAllRoomStates(ctx context.Context) (map[string]*model.RoomState, error) {
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
func (r *SQLiteDeliveryRepo) GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT room_id, last_delivered_challenge_id, last_delivered_at, last_challenge_created_at
		 FROM room_delivery_state WHERE room_id = ?`,
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
func (r *SQLiteDeliveryRepo) RecordDelivery(ctx context.Context, roomID, challengeID string, challengeCreatedAt, deliveredAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_delivery_state
		     (room_id, last_delivered_challenge_id, last_delivered_at, last_challenge_created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET
		     last_delivered_challenge_id = excluded.last_delivered_challenge_id,
		     last_delivered_at = excluded.last_delivered_at,
		     last_challenge_created_at = excluded.last_challenge_created_at`,
		roomID, challengeID, deliveredAt.Unix(), challengeCreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("配信結果の記録に失敗しました: %w", err)
	}
	return nil
}

// ListRoomsMissingChallengeCreatedAt はお題作成日時が未補完の配信済みルームを取得する。
func (r *SQLiteDeliveryRepo) ListRoomsMissingChallengeCreatedAt(ctx context.Context) ([]*model.RoomState, error) {
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
func (r *SQLiteDeliveryRepo) SetChallengeCreatedAt(ctx context.Context, roomID string, createdAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE room_delivery_state SET last_challenge_created_at = ? WHERE room_id = ?`,
		createdAt.Unix(), roomID,
	)
	if err != nil {
		return fmt.Errorf("お題作成日時の補完に失敗しました: %w", err)
	}
	return nil
}

// Ping はデータベース接続を確認する。
func (r *SQLiteDeliveryRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (r *SQLiteDeliveryRepo) Close() error {
	return r.db.Close()
}
