package syncstate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/teamsync/internal/model"
)

type stateKey struct {
	teamID      int64
	integration string
}

// memoryStateRepo はsync_statesの条件付きUPSERTをミューテックスで再現する。
type memoryStateRepo struct {
	mu         sync.Mutex
	states     map[stateKey]*model.SyncState
	heartbeats atomic.Int32
}

func newMemoryStateRepo() *memoryStateRepo {
	return &memoryStateRepo{states: map[stateKey]*model.SyncState{}}
}

func (r *memoryStateRepo) get(teamID int64, integration string) *model.SyncState {
	k := stateKey{teamID, integration}
	st, ok := r.states[k]
	if !ok {
		st = &model.SyncState{TeamID: teamID, Integration: integration}
		r.states[k] = st
	}
	return st
}

func (r *memoryStateRepo) Find(_ context.Context, teamID int64, integration string) (*model.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[stateKey{teamID, integration}]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (r *memoryStateRepo) TryMarkStart(_ context.Context, teamID int64, integration string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.get(teamID, integration)
	if st.IsSyncing {
		return false, nil
	}
	st.IsSyncing = true
	st.LastStartedAt = &now
	st.LastHeartbeatAt = &now
	return true, nil
}

func (r *memoryStateRepo) UpdateHeartbeat(_ context.Context, teamID int64, integration string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats.Add(1)
	st := r.get(teamID, integration)
	if st.IsSyncing {
		st.LastHeartbeatAt = &now
	}
	return nil
}

// startedBy はlast_started_atが一致する行だけを返す。
func (r *memoryStateRepo) startedBy(teamID int64, integration string, startedAt time.Time) *model.SyncState {
	st := r.get(teamID, integration)
	if st.LastStartedAt == nil || !st.LastStartedAt.Equal(startedAt) {
		return nil
	}
	return st
}

func (r *memoryStateRepo) MarkComplete(_ context.Context, teamID int64, integration string, startedAt, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.startedBy(teamID, integration, startedAt)
	if st == nil {
		return false, nil
	}
	st.IsSyncing = false
	st.LastSyncedAt = &now
	st.LastError = ""
	return true, nil
}

func (r *memoryStateRepo) MarkFailed(_ context.Context, teamID int64, integration string, startedAt, now time.Time, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.startedBy(teamID, integration, startedAt)
	if st == nil {
		return false, nil
	}
	st.IsSyncing = false
	st.LastFailedAt = &now
	st.LastError = reason
	return true, nil
}

func (r *memoryStateRepo) ReapStale(_ context.Context, cutoff, now time.Time, reason string) ([]*model.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SyncState
	for _, st := range r.states {
		if st.IsStale(now, now.Sub(cutoff)) {
			st.IsSyncing = false
			st.LastFailedAt = &now
			st.LastError = reason
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(s string) string { return s }

// lockedBuffer は並行に書き込まれるログを安全に読むためのバッファ。
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestTracker(repo *memoryStateRepo, buf io.Writer, opts ...Option) *Tracker {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewTracker(repo, passthroughSanitizer{}, logger, opts...)
}

func TestRunExclusive_ConcurrentStartsOnlyOneProceeds(t *testing.T) {
	var buf lockedBuffer
	repo := newMemoryStateRepo()
	tracker := newTestTracker(repo, &buf)

	release := make(chan struct{})
	var ran atomic.Int32
	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = tracker.RunExclusive(context.Background(), 1, "github", func(ctx context.Context) error {
				ran.Add(1)
				<-release
				return nil
			})
		}(i)
	}

	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)
	// 1つが実行中のまま残りが全てスキップされるまで待つ
	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "sync already running") == len(outcomes)-1
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, ran.Load())
	succeeded, skipped := 0, 0
	for _, o := range outcomes {
		switch o {
		case OutcomeSucceeded:
			succeeded++
		case OutcomeSkipped:
			skipped++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, len(outcomes)-1, skipped)
}

func TestRunExclusive_RecordsSuccess(t *testing.T) {
	var buf bytes.Buffer
	repo := newMemoryStateRepo()
	tracker := newTestTracker(repo, &buf)

	outcome, err := tracker.RunExclusive(context.Background(), 1, "github", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome)

	st, _ := repo.Find(context.Background(), 1, "github")
	require.NotNil(t, st)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, model.SyncStatusSucceeded, st.Status())
}

func TestRunExclusive_RecordsFailure(t *testing.T) {
	var buf bytes.Buffer
	repo := newMemoryStateRepo()
	tracker := newTestTracker(repo, &buf)

	boom := errors.New("GitHub token is required")
	outcome, err := tracker.RunExclusive(context.Background(), 1, "github", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailed, outcome)

	st, _ := repo.Find(context.Background(), 1, "github")
	require.NotNil(t, st)
	assert.False(t, st.IsSyncing)
	assert.NotNil(t, st.LastFailedAt)
	assert.Equal(t, "GitHub token is required", st.LastError)
}

func TestRunExclusive_RecoversPanicAndReleasesLock(t *testing.T) {
	var buf bytes.Buffer
	repo := newMemoryStateRepo()
	tracker := newTestTracker(repo, &buf)

	outcome, err := tracker.RunExclusive(context.Background(), 1, "github", func(ctx context.Context) error {
		panic("nil map")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	_, ok, err := tracker.MarkStart(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.True(t, ok, "panic後もロックは解放されるべき")
}

func TestRunExclusive_HeartbeatStopsOnExit(t *testing.T) {
	var buf bytes.Buffer
	repo := newMemoryStateRepo()
	tracker := newTestTracker(repo, &buf, WithHeartbeatInterval(5*time.Millisecond))

	_, err := tracker.RunExclusive(context.Background(), 1, "github", func(ctx context.Context) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	beats := repo.heartbeats.Load()
	assert.Greater(t, beats, int32(0), "実行中にハートビートが記録されるべき")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, beats, repo.heartbeats.Load(), "終了後にハートビートが続いてはならない")
}

func TestRunExclusive_FinalizesAfterCancellation(t *testing.T) {
	var buf bytes.Buffer
	repo := newMemoryStateRepo()
	tracker := newTestTracker(repo, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	outcome, err := tracker.RunExclusive(ctx, 1, "github", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailed, outcome)

	st, _ := repo.Find(context.Background(), 1, "github")
	require.NotNil(t, st)
	assert.False(t, st.IsSyncing, "キャンセル後も失敗が記録されるべき")
}

func TestDetectStale_ReapsOnlyExpiredHeartbeats(t *testing.T) {
	var buf bytes.Buffer
	repo := newMemoryStateRepo()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(repo, &buf, WithClock(func() time.Time { return now }))

	old := now.Add(-15 * time.Minute)
	fresh := now.Add(-1 * time.Minute)
	repo.states[stateKey{1, "github"}] = &model.SyncState{TeamID: 1, Integration: "github", IsSyncing: true, LastHeartbeatAt: &old}
	repo.states[stateKey{2, "github"}] = &model.SyncState{TeamID: 2, Integration: "github", IsSyncing: true, LastHeartbeatAt: &fresh}

	reaped, err := tracker.DetectStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.EqualValues(t, 1, reaped[0].TeamID)

	stale, _ := repo.Find(context.Background(), 1, "github")
	assert.False(t, stale.IsSyncing)
	assert.Contains(t, stale.LastError, "heartbeat timeout")

	live, _ := repo.Find(context.Background(), 2, "github")
	assert.True(t, live.IsSyncing, "新しいハートビートの同期は回収されない")
}

func TestRunExclusive_ReapedRunDoesNotReleaseNewerLock(t *testing.T) {
	var buf lockedBuffer
	repo := newMemoryStateRepo()
	var clock atomic.Int64
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base.Add(time.Duration(clock.Load()) * time.Minute) }
	tracker := newTestTracker(repo, &buf, WithClock(now))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := tracker.RunExclusive(context.Background(), 1, "github", func(ctx context.Context) error {
			close(entered)
			<-release
			return errors.New("late failure")
		})
		done <- err
	}()
	<-entered

	// ハートビートが途絶えたとみなして回収し、新しい同期が開始する
	clock.Store(30)
	reaped, err := tracker.DetectStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	clock.Store(31)
	newStart, ok, err := tracker.MarkStart(context.Background(), 1, "github")
	require.NoError(t, err)
	require.True(t, ok)

	close(release)
	require.Error(t, <-done)

	st, _ := repo.Find(context.Background(), 1, "github")
	require.NotNil(t, st)
	assert.True(t, st.IsSyncing, "回収済みの同期の終了で新しい同期のロックが外れてはならない")
	assert.True(t, st.LastStartedAt.Equal(newStart))
	assert.NotEqual(t, "late failure", st.LastError)
	assert.Contains(t, buf.String(), "別の実行に引き継がれていた")

	require.NoError(t, tracker.MarkComplete(context.Background(), 1, "github", newStart))
	st, _ = repo.Find(context.Background(), 1, "github")
	assert.False(t, st.IsSyncing)
}
