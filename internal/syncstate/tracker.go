// Package syncstate は (team, integration) ごとの同期状態を管理する。
//
// 実行中フラグをアドバイザリロックとして使い、同じ組み合わせの同期が重ならないようにする。
// 実行中はハートビートを定期的に記録し、途絶えた同期はDetectStaleで失敗として回収する。
package syncstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/teamsync/internal/model"
)

// DefaultHeartbeatInterval はハートビートの既定間隔。
const DefaultHeartbeatInterval = 2 * time.Minute

// DefaultStaleThreshold は実行中の同期を放棄されたとみなす既定の閾値。
const DefaultStaleThreshold = 10 * time.Minute

// finalizeTimeout は完了・失敗の記録に使う猶予時間。
// 呼び出し元のコンテキストがキャンセルされていても状態は必ず記録する。
const finalizeTimeout = 10 * time.Second

// StateRepository はTrackerが必要とする永続化操作。
type StateRepository interface {
	Find(ctx context.Context, teamID int64, integration string) (*model.SyncState, error)
	TryMarkStart(ctx context.Context, teamID int64, integration string, now time.Time) (bool, error)
	UpdateHeartbeat(ctx context.Context, teamID int64, integration string, now time.Time) error
	MarkComplete(ctx context.Context, teamID int64, integration string, startedAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, teamID int64, integration string, startedAt, now time.Time, reason string) (bool, error)
	ReapStale(ctx context.Context, cutoff, now time.Time, reason string) ([]*model.SyncState, error)
}

// Sanitizer は失敗理由を保存前に無害化する。
type Sanitizer interface {
	Sanitize(msg string) string
}

// Tracker は同期状態の遷移を管理する。
type Tracker struct {
	repo              StateRepository
	sanitizer         Sanitizer
	logger            *slog.Logger
	heartbeatInterval time.Duration
	now               func() time.Time
}

// Option はTrackerの設定を変更する。
type Option func(*Tracker)

// WithHeartbeatInterval はハートビート間隔を設定する。
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.heartbeatInterval = d
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker はTrackerを生成する。
func NewTracker(repo StateRepository, sanitizer Sanitizer, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		repo:              repo,
		sanitizer:         sanitizer,
		logger:            logger,
		heartbeatInterval: DefaultHeartbeatInterval,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetState は同期状態を返す。行が存在しない場合はnil。
func (t *Tracker) GetState(ctx context.Context, teamID int64, integration string) (*model.SyncState, error) {
	return t.repo.Find(ctx, teamID, integration)
}

// MarkStart は実行中でない場合に限り実行中へ遷移させ、記録した開始時刻を返す。
// 既に実行中ならfalse。開始時刻はMarkComplete・MarkFailedに渡す。
func (t *Tracker) MarkStart(ctx context.Context, teamID int64, integration string) (time.Time, bool, error) {
	// DBのtimestamptzと往復しても一致するようマイクロ秒に揃える
	startedAt := t.now().Truncate(time.Microsecond)
	ok, err := t.repo.TryMarkStart(ctx, teamID, integration, startedAt)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return startedAt, true, nil
}

// UpdateHeartbeat はハートビートを記録する。
func (t *Tracker) UpdateHeartbeat(ctx context.Context, teamID int64, integration string) error {
	return t.repo.UpdateHeartbeat(ctx, teamID, integration, t.now())
}

// MarkComplete はstartedAtに開始した同期の成功を記録する。
func (t *Tracker) MarkComplete(ctx context.Context, teamID int64, integration string, startedAt time.Time) error {
	ok, err := t.repo.MarkComplete(ctx, teamID, integration, startedAt, t.now())
	if err != nil {
		return err
	}
	if !ok {
		t.logSuperseded(teamID, integration, startedAt)
	}
	return nil
}

// MarkFailed はstartedAtに開始した同期の失敗を記録する。理由は無害化してから保存する。
func (t *Tracker) MarkFailed(ctx context.Context, teamID int64, integration string, startedAt time.Time, reason string) error {
	ok, err := t.repo.MarkFailed(ctx, teamID, integration, startedAt, t.now(), t.sanitizer.Sanitize(reason))
	if err != nil {
		return err
	}
	if !ok {
		t.logSuperseded(teamID, integration, startedAt)
	}
	return nil
}

// logSuperseded は回収済みの同期が後から終了した場合に記録する。
// 状態行は既に別の実行のものなので更新しない。
func (t *Tracker) logSuperseded(teamID int64, integration string, startedAt time.Time) {
	t.logger.Warn("同期状態が別の実行に引き継がれていたため終了を記録しませんでした",
		slog.Int64("team_id", teamID),
		slog.String("integration", integration),
		slog.Time("started_at", startedAt),
	)
}

// DetectStale はハートビートがthreshold以上途絶えた実行中の同期を失敗に遷移させ、回収した状態を返す。
func (t *Tracker) DetectStale(ctx context.Context, threshold time.Duration) ([]*model.SyncState, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	now := t.now()
	reason := fmt.Sprintf("heartbeat timeout: no heartbeat for over %s", threshold)
	reaped, err := t.repo.ReapStale(ctx, now.Add(-threshold), now, reason)
	if err != nil {
		return nil, fmt.Errorf("古い同期状態の回収に失敗しました: %w", err)
	}
	for _, st := range reaped {
		t.logger.Warn("古い同期状態を失敗として回収しました",
			slog.Int64("team_id", st.TeamID),
			slog.String("integration", st.Integration),
		)
	}
	return reaped, nil
}
