// Package cleanup は同期実行履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した終了済みのsync_runsを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CleanupJob は保持期間を超過した同期実行履歴の自動削除ジョブ。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 履歴の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, retentionDays int, logger *slog.Logger) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過した同期実行履歴を削除する。
// 実行中の履歴はリーパーが失敗に遷移させるまで残す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM sync_runs WHERE status <> 'running' AND started_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("同期履歴クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("同期履歴クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("同期履歴クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後と以降interval間隔でRunを実行する。ctxがキャンセルされるまでブロックする。
// 実行エラーはログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("同期履歴クリーンアップを開始しました",
		slog.Float64("interval_hours", interval.Hours()),
	)

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("同期履歴クリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
