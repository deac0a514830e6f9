package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/teamsync/internal/model"
)

// PostgresSyncStateRepo はPostgreSQLを使用した同期状態リポジトリ。
type PostgresSyncStateRepo struct {
	db DBTX
}

// NewPostgresSyncStateRepo はPostgresSyncStateRepoを生成する。
func NewPostgresSyncStateRepo(db DBTX) *PostgresSyncStateRepo {
	return &PostgresSyncStateRepo{db: db}
}

const syncStateColumns = `team_id, integration, is_syncing, last_started_at, last_heartbeat_at,
	last_synced_at, last_failed_at, last_error`

// Find は同期状態を返す。行が存在しない場合はnilを返す。
func (r *PostgresSyncStateRepo) Find(ctx context.Context, teamID int64, integration string) (*model.SyncState, error) {
	st, err := scanSyncState(r.db.QueryRowContext(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE team_id = $1 AND integration = $2`,
		teamID, integration,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期状態の取得に失敗しました: %w", err)
	}
	return st, nil
}

// ListByTeam はチームの全同期状態を連携名順で返す。
func (r *PostgresSyncStateRepo) ListByTeam(ctx context.Context, teamID int64) ([]*model.SyncState, error) {
	return r.query(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE team_id = $1 ORDER BY integration ASC`,
		teamID,
	)
}

// ListStale は実行中のままハートビート（未記録なら開始時刻）がcutoffより古い状態を返す。
func (r *PostgresSyncStateRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*model.SyncState, error) {
	return r.query(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states
		 WHERE is_syncing = TRUE
		   AND COALESCE(last_heartbeat_at, last_started_at, '-infinity'::timestamptz) < $1
		 ORDER BY team_id ASC, integration ASC`,
		cutoff,
	)
}

// ReapStale は古い実行中状態を失敗に遷移させる。
func (r *PostgresSyncStateRepo) ReapStale(ctx context.Context, cutoff, now time.Time, reason string) ([]*model.SyncState, error) {
	return r.query(ctx,
		`UPDATE sync_states SET
		     is_syncing = FALSE,
		     last_failed_at = $2,
		     last_error = $3
		 WHERE is_syncing = TRUE
		   AND COALESCE(last_heartbeat_at, last_started_at, '-infinity'::timestamptz) < $1
		 RETURNING `+syncStateColumns,
		cutoff, now, nullString(reason),
	)
}

// TryMarkStart は実行中でない場合に限り実行中状態へ遷移させる。
// ON CONFLICT ... WHERE により、競合する開始要求のうち1つだけが行を返す。
func (r *PostgresSyncStateRepo) TryMarkStart(ctx context.Context, teamID int64, integration string, now time.Time) (bool, error) {
	var started bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO sync_states (team_id, integration, is_syncing, last_started_at, last_heartbeat_at)
		 VALUES ($1, $2, TRUE, $3, $3)
		 ON CONFLICT (team_id, integration) DO UPDATE SET
		     is_syncing = TRUE,
		     last_started_at = EXCLUDED.last_started_at,
		     last_heartbeat_at = EXCLUDED.last_heartbeat_at
		 WHERE sync_states.is_syncing = FALSE
		 RETURNING is_syncing`,
		teamID, integration, now,
	).Scan(&started)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("同期開始状態の記録に失敗しました: %w", err)
	}
	return started, nil
}

// UpdateHeartbeat は実行中の行のハートビート時刻を更新する。
func (r *PostgresSyncStateRepo) UpdateHeartbeat(ctx context.Context, teamID int64, integration string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_states SET last_heartbeat_at = $3
		 WHERE team_id = $1 AND integration = $2 AND is_syncing = TRUE`,
		teamID, integration, now,
	)
	if err != nil {
		return fmt.Errorf("ハートビートの更新に失敗しました: %w", err)
	}
	return nil
}

// MarkComplete は同期の成功を記録する。
// last_started_at がstartedAtと一致する行だけを更新し、更新できたかを返す。
// 回収後に別の同期が開始していた場合はその実行中フラグを下ろさない。
func (r *PostgresSyncStateRepo) MarkComplete(ctx context.Context, teamID int64, integration string, startedAt, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_states SET
		     is_syncing = FALSE,
		     last_synced_at = $4,
		     last_error = NULL
		 WHERE team_id = $1 AND integration = $2 AND last_started_at = $3`,
		teamID, integration, startedAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("同期完了状態の記録に失敗しました: %w", err)
	}
	return rowsAffected(res)
}

// MarkFailed は同期の失敗を記録する。更新条件はMarkCompleteと同じ。
func (r *PostgresSyncStateRepo) MarkFailed(ctx context.Context, teamID int64, integration string, startedAt, now time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_states SET
		     is_syncing = FALSE,
		     last_failed_at = $4,
		     last_error = $5
		 WHERE team_id = $1 AND integration = $2 AND last_started_at = $3`,
		teamID, integration, startedAt, now, nullString(reason),
	)
	if err != nil {
		return false, fmt.Errorf("同期失敗状態の記録に失敗しました: %w", err)
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresSyncStateRepo) query(ctx context.Context, query string, args ...any) ([]*model.SyncState, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("同期状態一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var states []*model.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("同期状態行の読み取りに失敗しました: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期状態一覧の走査に失敗しました: %w", err)
	}
	return states, nil
}

func scanSyncState(row rowScanner) (*model.SyncState, error) {
	st := &model.SyncState{}
	var started, heartbeat, synced, failed sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(
		&st.TeamID, &st.Integration, &st.IsSyncing,
		&started, &heartbeat, &synced, &failed, &lastError,
	); err != nil {
		return nil, err
	}
	st.LastStartedAt = nullTimePtr(started)
	st.LastHeartbeatAt = nullTimePtr(heartbeat)
	st.LastSyncedAt = nullTimePtr(synced)
	st.LastFailedAt = nullTimePtr(failed)
	st.LastError = nullStringValue(lastError)
	return st, nil
}
