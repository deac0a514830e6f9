package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncer"
	"github.com/hitoshi/teamsync/internal/syncstate"
)

type teamMap map[int64]*model.Team

func (m teamMap) FindByID(ctx context.Context, id int64) (*model.Team, error) {
	return m[id], nil
}

type names map[string]bool

func (n names) Canonical(name string) (string, bool) {
	for k, ok := range n {
		if ok && strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

type recordingJob struct {
	triggers []model.SyncTrigger
	params   []syncer.Params
	outcome  syncstate.Outcome
	err      error
}

func (r *recordingJob) Run(ctx context.Context, trigger model.SyncTrigger, p syncer.Params) (syncstate.Outcome, *syncer.Result, error) {
	r.triggers = append(r.triggers, trigger)
	r.params = append(r.params, p)
	if r.outcome == "" {
		r.outcome = syncstate.OutcomeSucceeded
	}
	return r.outcome, &syncer.Result{}, r.err
}

func newService(job Job) *Service {
	teams := teamMap{
		1: {ID: 1, Slug: "acme"},
		2: {ID: 2, Slug: "frozen", IsFrozen: true, FrozenReason: "billing"},
	}
	s := NewService(teams, names{"github": true}, job, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestSyncMonth_SingleMonthAsUser(t *testing.T) {
	job := &recordingJob{}
	res, err := newService(job).SyncMonth(context.Background(), 42, 1, "github", "2024-05")
	require.NoError(t, err)
	assert.Equal(t, syncstate.OutcomeSucceeded, res.Outcome)

	require.Len(t, job.params, 1)
	assert.Equal(t, model.SyncTriggerMonth, job.triggers[0])
	assert.Equal(t, syncer.Params{TeamID: 1, Integration: "github", StartingMonth: "2024-05", MonthsBack: 1, ActingUserID: 42}, job.params[0])
}

func TestFullSync_TwelveMonthsFromCurrent(t *testing.T) {
	job := &recordingJob{}
	_, err := newService(job).FullSync(context.Background(), 42, 1, "github")
	require.NoError(t, err)
	assert.Equal(t, model.SyncTriggerFull, job.triggers[0])
	assert.Equal(t, "2024-06", job.params[0].StartingMonth)
	assert.Equal(t, 12, job.params[0].MonthsBack)
}

func TestSync_FrozenTeamRejectedBeforeRun(t *testing.T) {
	job := &recordingJob{}
	svc := newService(job)

	_, err := svc.SyncMonth(context.Background(), 42, 2, "github", "2024-05")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTeamFrozen))
	var fe *FrozenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "billing", fe.Reason)

	_, err = svc.FullSync(context.Background(), 42, 2, "github")
	assert.True(t, errors.Is(err, ErrTeamFrozen))
	assert.Empty(t, job.params, "凍結中のチームでは同期を実行しない")
}

func TestSync_UnknownIntegration(t *testing.T) {
	job := &recordingJob{}
	_, err := newService(job).FullSync(context.Background(), 42, 1, "jira")
	assert.True(t, errors.Is(err, integration.ErrUnknownIntegration))
	assert.Empty(t, job.params)
}

func TestSync_TeamNotFound(t *testing.T) {
	_, err := newService(&recordingJob{}).FullSync(context.Background(), 42, 99, "github")
	assert.True(t, errors.Is(err, ErrTeamNotFound))
}

func TestSyncMonth_InvalidMonth(t *testing.T) {
	job := &recordingJob{}
	_, err := newService(job).SyncMonth(context.Background(), 42, 1, "github", "2024-13")
	assert.True(t, errors.Is(err, syncer.ErrInvalidMonth))
	assert.Empty(t, job.params)
}

func TestSync_SkippedIsNotAnError(t *testing.T) {
	job := &recordingJob{outcome: syncstate.OutcomeSkipped}
	res, err := newService(job).FullSync(context.Background(), 42, 1, "github")
	require.NoError(t, err)
	assert.Equal(t, syncstate.OutcomeSkipped, res.Outcome)
}

func TestSync_FailurePropagates(t *testing.T) {
	job := &recordingJob{outcome: syncstate.OutcomeFailed, err: errors.New("upstream returned status 502")}
	res, err := newService(job).FullSync(context.Background(), 42, 1, "github")
	require.Error(t, err)
	assert.Equal(t, syncstate.OutcomeFailed, res.Outcome)
}

func TestSync_ResolvesCanonicalIntegrationName(t *testing.T) {
	job := &recordingJob{}
	teams := teamMap{1: {ID: 1, Slug: "acme"}}
	svc := NewService(teams, names{"GitHub": true}, job, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.SyncMonth(context.Background(), 42, 1, "github", "2024-06")
	require.NoError(t, err)
	require.Len(t, job.params, 1)
	assert.Equal(t, "GitHub", job.params[0].Integration, "ロックとメトリクスは正式名で扱う")
}
