// Package trigger はユーザー操作による手動同期（単月同期・全期間同期）を提供する。
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncer"
	"github.com/hitoshi/teamsync/internal/syncstate"
)

var (
	// ErrTeamFrozen は凍結中のチームに対して同期が要求された場合のエラー。
	ErrTeamFrozen = errors.New("team is frozen")
	// ErrTeamNotFound はチームが存在しない場合のエラー。
	ErrTeamNotFound = errors.New("team not found")
)

// FrozenError は凍結理由を保持するエラー。errors.Is(err, ErrTeamFrozen) で判定できる。
type FrozenError struct {
	Reason string
}

func (e *FrozenError) Error() string {
	if e.Reason == "" {
		return ErrTeamFrozen.Error()
	}
	return fmt.Sprintf("%s: %s", ErrTeamFrozen, e.Reason)
}

func (e *FrozenError) Unwrap() error { return ErrTeamFrozen }

// TeamFinder はチームを取得する。
type TeamFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Team, error)
}

// IntegrationSet は連携名を登録済みの正式名に解決する。
type IntegrationSet interface {
	Canonical(name string) (string, bool)
}

// Job は1つの (team, integration) の同期を実行する。
type Job interface {
	Run(ctx context.Context, trigger model.SyncTrigger, p syncer.Params) (syncstate.Outcome, *syncer.Result, error)
}

// Result は手動同期の結果。
type Result struct {
	Outcome syncstate.Outcome
	Sync    *syncer.Result
}

// Service は手動同期を受け付ける。
type Service struct {
	teams        TeamFinder
	integrations IntegrationSet
	job          Job
	logger       *slog.Logger
	now          func() time.Time
}

// NewService はServiceを生成する。
func NewService(teams TeamFinder, integrations IntegrationSet, job Job, logger *slog.Logger) *Service {
	return &Service{
		teams:        teams,
		integrations: integrations,
		job:          job,
		logger:       logger,
		now:          time.Now,
	}
}

// SyncMonth は指定月のみを同期する。
func (s *Service) SyncMonth(ctx context.Context, userID, teamID int64, integrationName, month string) (*Result, error) {
	if _, err := syncer.ParseMonth(month); err != nil {
		return nil, err
	}
	return s.run(ctx, model.SyncTriggerMonth, syncer.Params{
		TeamID:        teamID,
		Integration:   integrationName,
		StartingMonth: month,
		MonthsBack:    1,
		ActingUserID:  userID,
	})
}

// FullSync は当月から過去12か月分を同期する。
func (s *Service) FullSync(ctx context.Context, userID, teamID int64, integrationName string) (*Result, error) {
	return s.run(ctx, model.SyncTriggerFull, syncer.Params{
		TeamID:        teamID,
		Integration:   integrationName,
		StartingMonth: syncer.CurrentMonth(s.now()),
		MonthsBack:    syncer.DefaultMonthsBack,
		ActingUserID:  userID,
	})
}

// run は連携名とチームの状態を検証してから同期を実行する。
// 凍結中のチームは外部への取得を一切行わずに拒否する。
func (s *Service) run(ctx context.Context, trigger model.SyncTrigger, p syncer.Params) (*Result, error) {
	name, ok := s.integrations.Canonical(p.Integration)
	if !ok {
		return nil, fmt.Errorf("%w: %s", integration.ErrUnknownIntegration, p.Integration)
	}
	p.Integration = name

	team, err := s.teams.FindByID(ctx, p.TeamID)
	if err != nil {
		return nil, fmt.Errorf("チームの取得に失敗しました: %w", err)
	}
	if team == nil {
		return nil, ErrTeamNotFound
	}
	if team.IsFrozen {
		s.logger.Warn("凍結中のチームの同期要求を拒否しました",
			slog.Int64("team_id", p.TeamID),
			slog.Int64("user_id", p.ActingUserID),
			slog.String("integration", p.Integration),
		)
		return nil, &FrozenError{Reason: team.FrozenReason}
	}

	outcome, res, err := s.job.Run(ctx, trigger, p)
	return &Result{Outcome: outcome, Sync: res}, err
}
