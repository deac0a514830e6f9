// Package scheduler はチームごとの日次同期のスケジューリングと、放棄された同期の回収を提供する。
//
// 各チームには並び順から決まるスロット（時刻）が割り当てられ、毎日その時刻に
// 有効な全連携の同期が起動する。登録状態はSchedulerが保持し、
// RebuildSlotsでチームの追加・削除に追従する。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/hitoshi/teamsync/internal/metrics"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncer"
	"github.com/hitoshi/teamsync/internal/syncstate"
)

// TeamSource はチームの参照インターフェース。
type TeamSource interface {
	ListAll(ctx context.Context) ([]*model.Team, error)
	FindByID(ctx context.Context, id int64) (*model.Team, error)
}

// SettingsSource は連携設定の参照インターフェース。
type SettingsSource interface {
	FindByTeamID(ctx context.Context, teamID int64) (*model.Settings, error)
}

// IntegrationSet は連携名を登録済みの正式名に解決する。
type IntegrationSet interface {
	Canonical(name string) (string, bool)
}

// Job は1つの (team, integration) の同期を実行する。
type Job interface {
	Run(ctx context.Context, trigger model.SyncTrigger, p syncer.Params) (syncstate.Outcome, *syncer.Result, error)
}

// Config はスケジューラの設定。
type Config struct {
	// StartHour は同期ウィンドウの開始時刻（時）。
	StartHour  int
	TotalSlots int
	Location   *time.Location
	// MonthsBack は定期同期で遡る月数。
	MonthsBack    int
	MaxConcurrent int
	// MaxTeamsPerSlot を超えてチームが同じスロットに割り当てられた場合は警告を出す。
	MaxTeamsPerSlot int
	ReaperInterval  time.Duration
	ReaperDailySpec string
	// RebuildInterval はスロット再割り当ての間隔。0の場合は起動時のみ。
	RebuildInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TotalSlots <= 0 {
		c.TotalSlots = DefaultTotalSlots
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MonthsBack <= 0 {
		c.MonthsBack = syncer.DefaultMonthsBack
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxTeamsPerSlot <= 0 {
		c.MaxTeamsPerSlot = 1
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 10 * time.Minute
	}
	if c.ReaperDailySpec == "" {
		c.ReaperDailySpec = "45 23 * * *"
	}
	return c
}

type registration struct {
	entryID cron.EntryID
	slot    int
}

// Scheduler は登録済みチームのcronエントリを保持し、同期の起動を管理する。
type Scheduler struct {
	cfg          Config
	cron         *cron.Cron
	teams        TeamSource
	settings     SettingsSource
	integrations IntegrationSet
	job          Job
	reaper       *Reaper
	recorder     metrics.SyncRecorder
	logger       *slog.Logger
	sem          *semaphore.Weighted
	now          func() time.Time

	mu      sync.Mutex
	entries map[int64]registration
	baseCtx context.Context
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(
	cfg Config,
	teams TeamSource,
	settings SettingsSource,
	integrations IntegrationSet,
	job Job,
	reaper *Reaper,
	recorder metrics.SyncRecorder,
	logger *slog.Logger,
) *Scheduler {
	cfg = cfg.withDefaults()
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cfg: cfg,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		teams:        teams,
		settings:     settings,
		integrations: integrations,
		job:          job,
		reaper:       reaper,
		recorder:     recorder,
		logger:       logger,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:          time.Now,
		entries:      make(map[int64]registration),
		baseCtx:      context.Background(),
	}
}

// Register はチームを指定スロットに登録する。同じスロットで登録済みなら何もしない。
// 別のスロットで登録済みの場合は付け替える。
func (s *Scheduler) Register(teamID int64, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reg, ok := s.entries[teamID]; ok {
		if reg.slot == slot {
			return nil
		}
		s.cron.Remove(reg.entryID)
		delete(s.entries, teamID)
	}

	spec := CronSpec(slot, s.cfg.StartHour)
	id, err := s.cron.AddFunc(spec, func() { s.runScheduled(teamID) })
	if err != nil {
		return fmt.Errorf("チーム %d のスケジュール登録に失敗しました: %w", teamID, err)
	}
	s.entries[teamID] = registration{entryID: id, slot: slot}
	return nil
}

// Unregister はチームの登録を解除する。登録されていなければfalse。
func (s *Scheduler) Unregister(teamID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.entries[teamID]
	if !ok {
		return false
	}
	s.cron.Remove(reg.entryID)
	delete(s.entries, teamID)
	return true
}

// Entries は teamID -> スロット の登録状態のスナップショットを返す。
func (s *Scheduler) Entries() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]int, len(s.entries))
	for id, reg := range s.entries {
		out[id] = reg.slot
	}
	return out
}

// RebuildSlots は全チームを読み込み直してスロットを再割り当てする。
// 新しいチームは登録し、存在しなくなったチームは登録を解除する。
func (s *Scheduler) RebuildSlots(ctx context.Context) error {
	teams, err := s.teams.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("チーム一覧の取得に失敗しました: %w", err)
	}
	slots := AssignSlots(teams, s.cfg.TotalSlots)

	for _, t := range teams {
		if err := s.Register(t.ID, slots[t.ID]); err != nil {
			return err
		}
	}
	removed := 0
	for id := range s.Entries() {
		if _, ok := slots[id]; !ok {
			s.Unregister(id)
			removed++
		}
	}

	for slot, n := range slotOccupancy(slots) {
		if n > s.cfg.MaxTeamsPerSlot {
			h, m := SlotTime(slot, s.cfg.StartHour)
			s.logger.Warn("同一スロットに割り当てられたチーム数が上限を超えています",
				slog.Int("slot", slot),
				slog.String("time", fmt.Sprintf("%02d:%02d", h, m)),
				slog.Int("teams", n),
				slog.Int("max_teams_per_slot", s.cfg.MaxTeamsPerSlot),
			)
		}
	}

	s.recorder.SetRegisteredTeams(len(teams))
	s.logger.Info("スロットを再構築しました",
		slog.Int("team_count", len(teams)),
		slog.Int("removed_count", removed),
	)
	return nil
}

// SyncTeam はチームの有効な全連携を順に同期する。
// 連携ごとの失敗はログに残して次の連携へ進み、呼び出し元には返さない。
func (s *Scheduler) SyncTeam(ctx context.Context, teamID int64) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	log := s.logger.With(slog.Int64("team_id", teamID))

	team, err := s.teams.FindByID(ctx, teamID)
	if err != nil {
		return fmt.Errorf("チームの取得に失敗しました: %w", err)
	}
	if team == nil {
		log.Warn("チームが存在しないため登録を解除します")
		s.Unregister(teamID)
		return nil
	}
	if team.IsFrozen {
		log.Info("凍結中のチームのため同期をスキップしました")
		return nil
	}

	settings, err := s.settings.FindByTeamID(ctx, teamID)
	if err != nil {
		return fmt.Errorf("連携設定の取得に失敗しました: %w", err)
	}
	if settings == nil {
		return nil
	}

	names := make([]string, 0, len(settings.Integrations))
	for name := range settings.Integrations {
		names = append(names, name)
	}
	sort.Strings(names)

	month := syncer.CurrentMonth(s.now().In(s.cfg.Location))
	for _, name := range names {
		if !settings.Integrations[name].Enabled {
			continue
		}
		canonical, ok := s.integrations.Canonical(name)
		if !ok {
			log.Warn("未登録の連携が設定されています", slog.String("integration", name))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 失敗はJobがログと同期状態に記録する
		_, _, _ = s.job.Run(ctx, model.SyncTriggerScheduled, syncer.Params{
			TeamID:        teamID,
			Integration:   canonical,
			StartingMonth: month,
			MonthsBack:    s.cfg.MonthsBack,
		})
	}
	return nil
}

func (s *Scheduler) runScheduled(teamID int64) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	if err := s.SyncTeam(ctx, teamID); err != nil {
		s.logger.Error("定期同期に失敗しました",
			slog.Int64("team_id", teamID),
			slog.String("error", err.Error()),
		)
	}
}

// Start はスロットを構築してcronを起動し、リーパーと再構築のティッカーを回す。
// コンテキストがキャンセルされると実行中のジョブの終了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.RebuildSlots(ctx); err != nil {
		return err
	}

	if s.reaper != nil {
		if _, err := s.cron.AddFunc(s.cfg.ReaperDailySpec, func() {
			if _, err := s.reaper.RunOnce(ctx); err != nil {
				s.logger.Error("日次リーパーの実行に失敗しました", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("日次リーパーの登録に失敗しました: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("同期スケジューラを開始しました",
		slog.Int("total_slots", s.cfg.TotalSlots),
		slog.Int("start_hour", s.cfg.StartHour),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.String("location", s.cfg.Location.String()),
	)

	var wg sync.WaitGroup
	if s.reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reaper.Start(ctx, s.cfg.ReaperInterval)
		}()
	}
	if s.cfg.RebuildInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.rebuildLoop(ctx)
		}()
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	wg.Wait()
	s.logger.Info("同期スケジューラを停止しました")
	return nil
}

func (s *Scheduler) rebuildLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RebuildSlots(ctx); err != nil {
				s.logger.Error("スロットの再構築に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// cronLogger はcron.Loggerをslogに橋渡しする。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
