package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/teamsync/internal/metrics"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncstate"
)

// StaleDetector はハートビートが途絶えた同期を失敗として回収する。
type StaleDetector interface {
	DetectStale(ctx context.Context, threshold time.Duration) ([]*model.SyncState, error)
}

// Reaper は放棄された同期のロックを定期的に解放する。
type Reaper struct {
	detector  StaleDetector
	threshold time.Duration
	recorder  metrics.SyncRecorder
	logger    *slog.Logger
}

// NewReaper はReaperを生成する。thresholdが0以下の場合は10分を使用する。
func NewReaper(detector StaleDetector, threshold time.Duration, recorder metrics.SyncRecorder, logger *slog.Logger) *Reaper {
	if threshold <= 0 {
		threshold = syncstate.DefaultStaleThreshold
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Reaper{
		detector:  detector,
		threshold: threshold,
		recorder:  recorder,
		logger:    logger,
	}
}

// Start は指定間隔のティッカーでRunOnceを繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("リーパーを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("threshold", r.threshold),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("リーパーを停止しました")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("リーパーの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は古い実行中状態を1回回収し、回収件数を返す。
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	reaped, err := r.detector.DetectStale(ctx, r.threshold)
	if err != nil {
		return 0, err
	}
	if len(reaped) > 0 {
		r.recorder.RecordReaped(len(reaped))
		r.logger.Info("古い同期を回収しました",
			slog.Int("reaped_count", len(reaped)),
		)
	}
	return len(reaped), nil
}
