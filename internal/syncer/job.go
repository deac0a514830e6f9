package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/teamsync/internal/metrics"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncstate"
)

// AdapterSyncer は登録済みアダプタで同期を実行する。
type AdapterSyncer interface {
	SyncAdapter(ctx context.Context, p Params) (*Result, error)
}

// ExclusiveRunner は (team, integration) のロック内で処理を実行する。
type ExclusiveRunner interface {
	RunExclusive(ctx context.Context, teamID int64, integration string, fn func(ctx context.Context) error) (syncstate.Outcome, error)
}

// RunStore は同期実行履歴を保存する。
type RunStore interface {
	Create(ctx context.Context, run *model.SyncRun) error
	Finish(ctx context.Context, run *model.SyncRun) error
}

// JobRunner はロック取得・同期実行・実行履歴・メトリクス記録をまとめて行う。
// スケジューラと手動トリガーの両方から使う。
type JobRunner struct {
	syncer    AdapterSyncer
	lock      ExclusiveRunner
	runs      RunStore
	sanitizer syncstate.Sanitizer
	recorder  metrics.SyncRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewJobRunner はJobRunnerを生成する。runs、sanitizer、recorderはnilでもよい。
func NewJobRunner(syncer AdapterSyncer, lock ExclusiveRunner, runs RunStore, sanitizer syncstate.Sanitizer, recorder metrics.SyncRecorder, logger *slog.Logger) *JobRunner {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &JobRunner{
		syncer:    syncer,
		lock:      lock,
		runs:      runs,
		sanitizer: sanitizer,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Run は同期を1回実行する。既に実行中の場合は同期を行わずOutcomeSkippedを返す。
// 実行履歴の保存失敗はログに残すのみで、同期結果には影響させない。
func (j *JobRunner) Run(ctx context.Context, trigger model.SyncTrigger, p Params) (syncstate.Outcome, *Result, error) {
	start := j.now()
	run := &model.SyncRun{
		TeamID:        p.TeamID,
		Integration:   p.Integration,
		Trigger:       trigger,
		StartingMonth: p.StartingMonth,
		MonthsBack:    p.MonthsBack,
		Status:        model.SyncRunRunning,
		StartedAt:     start,
	}
	if run.MonthsBack <= 0 {
		run.MonthsBack = DefaultMonthsBack
	}
	j.createRun(ctx, run)
	j.recorder.RecordSyncStarted(p.Integration, string(trigger))

	var res *Result
	outcome, err := j.lock.RunExclusive(ctx, p.TeamID, p.Integration, func(ctx context.Context) error {
		var syncErr error
		res, syncErr = j.syncer.SyncAdapter(ctx, p)
		return syncErr
	})

	duration := j.now().Sub(start)
	j.recorder.RecordSyncOutcome(p.Integration, string(trigger), string(outcome), duration)
	if res != nil {
		j.recorder.RecordRecordsFetched(p.Integration, res.RecordsFetched)
		j.recorder.RecordDroppedValues(p.Integration, res.DroppedValues)
		run.RecordsFetched = res.RecordsFetched
	}

	switch outcome {
	case syncstate.OutcomeSkipped:
		run.Status = model.SyncRunSkipped
	case syncstate.OutcomeSucceeded:
		run.Status = model.SyncRunSucceeded
	default:
		run.Status = model.SyncRunFailed
	}
	if err != nil {
		run.ErrorMessage = err.Error()
		if j.sanitizer != nil {
			run.ErrorMessage = j.sanitizer.Sanitize(run.ErrorMessage)
		}
	}
	j.finishRun(ctx, run)

	log := j.logger.With(
		slog.Int64("team_id", p.TeamID),
		slog.String("integration", p.Integration),
		slog.String("trigger", string(trigger)),
		slog.String("outcome", string(outcome)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	if err != nil {
		log.Error("同期に失敗しました", slog.String("error", err.Error()))
	} else if outcome == syncstate.OutcomeSucceeded {
		log.Info("同期が完了しました")
	}
	return outcome, res, err
}

func (j *JobRunner) createRun(ctx context.Context, run *model.SyncRun) {
	if j.runs == nil {
		return
	}
	if err := j.runs.Create(ctx, run); err != nil {
		j.logger.Warn("同期実行履歴の作成に失敗しました",
			slog.Int64("team_id", run.TeamID),
			slog.String("integration", run.Integration),
			slog.String("error", err.Error()),
		)
	}
}

func (j *JobRunner) finishRun(ctx context.Context, run *model.SyncRun) {
	if j.runs == nil || run.ID == "" {
		return
	}
	finished := j.now()
	run.FinishedAt = &finished
	if err := j.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		j.logger.Warn("同期実行履歴の更新に失敗しました",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}
