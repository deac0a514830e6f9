package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/teamsync/internal/model"
)

// PostgresTeamRepo はPostgreSQLを使用したチームリポジトリ。
type PostgresTeamRepo struct {
	db DBTX
}

// NewPostgresTeamRepo はPostgresTeamRepoを生成する。
func NewPostgresTeamRepo(db DBTX) *PostgresTeamRepo {
	return &PostgresTeamRepo{db: db}
}

const teamColumns = `id, slug, name, description, owner_id, is_frozen, frozen_reason, created_at, updated_at`

// FindByID は指定IDのチームを取得する。見つからない場合はnilを返す。
func (r *PostgresTeamRepo) FindByID(ctx context.Context, id int64) (*model.Team, error) {
	team, err := scanTeam(r.db.QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チームの取得に失敗しました: %w", err)
	}
	return team, nil
}

// FindForUser はユーザーが所属するチームを返す。複数所属の場合は最も古いチームを返す。
func (r *PostgresTeamRepo) FindForUser(ctx context.Context, userID int64) (*model.Team, error) {
	team, err := scanTeam(r.db.QueryRowContext(ctx,
		`SELECT t.id, t.slug, t.name, t.description, t.owner_id, t.is_frozen, t.frozen_reason, t.created_at, t.updated_at
		 FROM teams t
		 JOIN user_teams ut ON ut.team_id = t.id
		 WHERE ut.user_id = $1
		 ORDER BY t.id ASC
		 LIMIT 1`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの所属チームの取得に失敗しました: %w", err)
	}
	return team, nil
}

// ListAll は全チームをID昇順で返す。
func (r *PostgresTeamRepo) ListAll(ctx context.Context) ([]*model.Team, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("チーム一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var teams []*model.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("チーム行の読み取りに失敗しました: %w", err)
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チーム一覧の走査に失敗しました: %w", err)
	}
	return teams, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(row rowScanner) (*model.Team, error) {
	team := &model.Team{}
	var description, frozenReason sql.NullString
	var ownerID sql.NullInt64
	if err := row.Scan(
		&team.ID, &team.Slug, &team.Name, &description, &ownerID,
		&team.IsFrozen, &frozenReason, &team.CreatedAt, &team.UpdatedAt,
	); err != nil {
		return nil, err
	}
	team.Description = nullStringValue(description)
	team.FrozenReason = nullStringValue(frozenReason)
	if ownerID.Valid {
		team.OwnerID = ownerID.Int64
	}
	return team, nil
}
