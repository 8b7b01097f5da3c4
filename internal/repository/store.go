package repository

import (
	"database/sql"
	"fmt"

	"github.com/hitoshi/challengebot/internal/config"
)

// Store はDeliveryStoreとBackfillStoreの両方を実装するストア。
type Store interface {
	DeliveryStore
	BackfillStore
}

// NewStore はデータベース種別に応じたストア実装を生成する。
func NewStore(dbType string, db *sql.DB) (Store, error) {
	switch dbType {
	case config.DatabasePostgres:
		return NewPostgresDeliveryRepo(db), nil
	case config.DatabaseSQLite:
		return NewSQLiteDeliveryRepo(db), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %q", dbType)
	}
}
