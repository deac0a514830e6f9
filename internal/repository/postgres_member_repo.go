package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/teamsync/internal/model"
)

// PostgresMemberRepo はPostgreSQLを使用したチームメンバーリポジトリ。
// メトリクスはteam_members.metrics（JSONB）に月別で保持する。
type PostgresMemberRepo struct {
	db DBTX
}

// NewPostgresMemberRepo はPostgresMemberRepoを生成する。
func NewPostgresMemberRepo(db DBTX) *PostgresMemberRepo {
	return &PostgresMemberRepo{db: db}
}

// ListByTeam はチームの全メンバーをID昇順で返す。
func (r *PostgresMemberRepo) ListByTeam(ctx context.Context, teamID int64) ([]*model.TeamMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, team_id, full_name, email, user_id, aliases, metrics, created_at, updated_at
		 FROM team_members
		 WHERE team_id = $1
		 ORDER BY id ASC`,
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("メンバー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var members []*model.TeamMember
	for rows.Next() {
		m := &model.TeamMember{}
		var email sql.NullString
		var userID sql.NullInt64
		var aliases pq.StringArray
		var metricsJSON []byte
		if err := rows.Scan(
			&m.ID, &m.TeamID, &m.FullName, &email, &userID,
			&aliases, &metricsJSON, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("メンバー行の読み取りに失敗しました: %w", err)
		}
		m.Email = nullStringValue(email)
		m.UserID = nullInt64Ptr(userID)
		m.Aliases = []string(aliases)
		m.Metrics = model.MonthlyMetrics{}
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &m.Metrics); err != nil {
				return nil, fmt.Errorf("メンバー %d のメトリクスの解析に失敗しました: %w", m.ID, err)
			}
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メンバー一覧の走査に失敗しました: %w", err)
	}
	return members, nil
}

// UpdateMetrics はメンバーのメトリクスを置き換える。
// team_idも条件に含め、他チームのメンバーを書き換えないようにする。
func (r *PostgresMemberRepo) UpdateMetrics(ctx context.Context, teamID, memberID int64, metrics model.MonthlyMetrics) error {
	payload, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("メトリクスのシリアライズに失敗しました: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE team_members SET metrics = $3, updated_at = now()
		 WHERE id = $1 AND team_id = $2`,
		memberID, teamID, payload,
	)
	if err != nil {
		return fmt.Errorf("メトリクスの更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("メンバー %d がチーム %d に存在しません", memberID, teamID)
	}
	return nil
}
