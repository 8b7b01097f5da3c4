// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// latestVersion はMigrateToで「最新まで」を表す番兵値。
const latestVersion = ^uint(0)

// Hook はSQLマイグレーション適用直後に実行するGo側の処理。
// エラーを返した場合、そのステップは取り消され、直前のバージョンが記録されたままとなる。
type Hook func(ctx context.Context) error

// Migrator はgolang-migrateを1ステップずつ進め、ステップごとのフックを実行する。
// スキーマバージョンはgolang-migrateのschema_migrationsテーブルに記録される。
type Migrator struct {
	m      *migrate.Migrate
	source source.Driver
	hooks  map[uint]Hook
	logger *slog.Logger
}

// NewMigrator はマイグレーション実行用のMigratorを生成する。
// dbTypeに対応するmigrations/<dbType>配下のSQLを使用する。
func NewMigrator(dbType, connectionString string, logger *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+dbType)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, MigrationURL(dbType, connectionString))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Migrator{
		m:      m,
		source: src,
		hooks:  make(map[uint]Hook),
		logger: logger,
	}, nil
}

// AddHook は指定バージョンのSQL適用直後に実行するフックを登録する。
func (mg *Migrator) AddHook(version uint, hook Hook) {
	mg.hooks[version] = hook
}

// Version は現在のスキーマバージョンを返す。未適用の場合は0を返す。
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, dirty, nil
}

// Up はすべての未適用マイグレーションを順番に適用する。
// すでに最新の場合はエラーなしで返る。
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.MigrateTo(ctx, latestVersion)
}

// MigrateTo は指定バージョンまでマイグレーションを1ステップずつ適用する。
// 各ステップのSQLはトランザクション内で実行され、続けて登録済みフックを実行する。
// フックが失敗した場合はそのステップをDownで取り消してエラーを返す。
// 現在のバージョンが指定バージョン以上の場合は何もしない。
func (mg *Migrator) MigrateTo(ctx context.Context, target uint) error {
	if err := mg.recoverDirty(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, _, err := mg.Version()
		if err != nil {
			return err
		}

		next, err := mg.nextVersion(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve next migration after %d: %w", current, err)
		}
		if next > target {
			return nil
		}

		mg.logger.Info("マイグレーションを適用します",
			slog.Uint64("from_version", uint64(current)),
			slog.Uint64("to_version", uint64(next)),
		)

		if err := mg.m.Steps(1); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", next, err)
		}

		hook, ok := mg.hooks[next]
		if !ok {
			continue
		}
		if err := hook(ctx); err != nil {
			mg.logger.Error("マイグレーションフックが失敗したためステップを取り消します",
				slog.Uint64("version", uint64(next)),
				slog.String("error", err.Error()),
			)
			if downErr := mg.m.Steps(-1); downErr != nil {
				return errors.Join(
					fmt.Errorf("migration %d hook failed: %w", next, err),
					fmt.Errorf("failed to revert migration %d: %w", next, downErr),
				)
			}
			return fmt.Errorf("migration %d hook failed: %w", next, err)
		}
	}
}

// nextVersion はcurrentの次に適用すべきマイグレーションのバージョンを返す。
// 存在しない場合はfs.ErrNotExistを返す。
func (mg *Migrator) nextVersion(current uint) (uint, error) {
	if current == 0 {
		return mg.source.First()
	}
	return mg.source.Next(current)
}

// recoverDirty は前回の実行が途中で失敗しdirtyとなったバージョンを直前のバージョンに戻す。
// 各ステップのSQLはトランザクションで実行されるため、dirtyなステップは適用されていない。
func (mg *Migrator) recoverDirty() error {
	v, dirty, err := mg.Version()
	if err != nil || !dirty {
		return err
	}

	forceTo := -1 // 直前が存在しない場合は未適用状態に戻す
	prev, err := mg.source.Prev(v)
	switch {
	case err == nil:
		forceTo = int(prev)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to resolve previous migration of %d: %w", v, err)
	}

	mg.logger.Warn("dirtyなスキーマバージョンを検出したため直前のバージョンに戻します",
		slog.Uint64("dirty_version", uint64(v)),
		slog.Int("force_version", forceTo),
	)

	if err := mg.m.Force(forceTo); err != nil {
		return fmt.Errorf("failed to force schema version %d: %w", forceTo, err)
	}
	return nil
}

// Close はマイグレーション用の接続を閉じる。
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// RunMigrations はすべてのマイグレーションを適用する。
// hooksはバージョンごとのフックを指定する（nil可）。
func RunMigrations(ctx context.Context, dbType, connectionString string, hooks map[uint]Hook, logger *slog.Logger) error {
	mg, err := NewMigrator(dbType, connectionString, logger)
	if err != nil {
		return err
	}
	defer mg.Close()

	for v, h := range hooks {
		mg.AddHook(v, h)
	}

	if err := mg.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
