package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/teamsync/internal/model"
)

// PostgresSettingsRepo はPostgreSQLを使用した連携設定リポジトリ。
type PostgresSettingsRepo struct {
	db DBTX
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db DBTX) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// FindByTeamID はチームの連携設定を返す。行が存在しない場合はnilを返す。
func (r *PostgresSettingsRepo) FindByTeamID(ctx context.Context, teamID int64) (*model.Settings, error) {
	s := &model.Settings{TeamID: teamID}
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT integrations, created_at, updated_at FROM settings WHERE team_id = $1`,
		teamID,
	).Scan(&raw, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連携設定の取得に失敗しました: %w", err)
	}

	s.Integrations = map[string]model.IntegrationSettings{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.Integrations); err != nil {
			return nil, fmt.Errorf("連携設定の解析に失敗しました: %w", err)
		}
	}
	return s, nil
}
