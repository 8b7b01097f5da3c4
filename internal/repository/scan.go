package repository

import (
	"database/sql"
	"time"

	"github.com/hitoshi/challengebot/internal/model"
)

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRoomState はroom_id, last_delivered_challenge_id, last_delivered_at,
// last_challenge_created_at の順に並んだ行をRoomStateに変換する。
func scanRoomState(row rowScanner) (*model.RoomState, error) {
	var (
		state        model.RoomState
		challengeID  sql.NullString
		deliveredAt  sql.NullInt64
		createdAtSec sql.NullInt64
	)
	if err := row.Scan(&state.RoomID, &challengeID, &deliveredAt, &createdAtSec); err != nil {
		return nil, err
	}

	if challengeID.Valid {
		id := challengeID.String
		state.LastDeliveredChallengeID = &id
	}
	state.LastDeliveredAt = epochToTime(deliveredAt)
	state.LastChallengeCreatedAt = epochToTime(createdAtSec)
	return &state, nil
}

// epochToTime はnull許容のエポック秒をUTCの*time.Timeに変換する。
func epochToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
