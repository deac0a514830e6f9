package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/teamsync/internal/model"
)

// PostgresSyncRunRepo はPostgreSQLを使用した同期実行履歴リポジトリ。
type PostgresSyncRunRepo struct {
	db DBTX
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db DBTX) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

// Create は実行履歴を作成する。IDが未設定の場合はUUIDを採番する。
func (r *PostgresSyncRunRepo) Create(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, team_id, integration, trigger, starting_month, months_back,
		                        status, records_fetched, error_message, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.TeamID, run.Integration, string(run.Trigger), run.StartingMonth, run.MonthsBack,
		string(run.Status), run.RecordsFetched, nullString(run.ErrorMessage), run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("同期実行履歴の作成に失敗しました: %w", err)
	}
	return nil
}

// Finish は実行履歴の終了状態を記録する。
func (r *PostgresSyncRunRepo) Finish(ctx context.Context, run *model.SyncRun) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = $2, records_fetched = $3, error_message = $4, finished_at = $5
		 WHERE id = $1`,
		run.ID, string(run.Status), run.RecordsFetched, nullString(run.ErrorMessage), run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("同期実行履歴の更新に失敗しました: %w", err)
	}
	return nil
}
