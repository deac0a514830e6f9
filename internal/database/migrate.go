// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RequiredTables は同期処理と参照APIが前提とするテーブル。
var RequiredTables = []string{"teams", "team_members", "settings", "sync_states", "sync_runs"}

// ErrSchemaNotReady は必要なテーブルが揃っていない場合に返される。
var ErrSchemaNotReady = errors.New("database schema is not migrated")

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。途中で失敗したまま（dirty）の場合は適用しない。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if version, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("migration version %d is dirty; fix the schema and force the version before retrying", version)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion は適用済みのマイグレーションバージョンを返す。
// 未適用の場合は0を返す。
func SchemaVersion(databaseURL string) (version uint, dirty bool, err error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// VerifySchema はRequiredTablesが全て存在するかを確認する。
// migrateサブコマンドを実行せずにserve・workerを起動した場合に早期に失敗させる。
func VerifySchema(ctx context.Context, db *sql.DB) error {
	var missing []string
	for _, table := range RequiredTables {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT to_regclass($1) IS NOT NULL`, "public."+table,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s (run the migrate command)", ErrSchemaNotReady, strings.Join(missing, ", "))
	}
	return nil
}
