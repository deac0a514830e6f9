// Package syncer は1つの (チーム, 連携) について、指定した月範囲の取得・変換・マージを実行する。
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/metricstore"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/repository"
)

// DefaultMonthsBack は全期間同期で遡る月数。
const DefaultMonthsBack = 12

// FetchFunc は期間内の生レコードを取得する。
type FetchFunc func(ctx context.Context, settings model.IntegrationSettings, r integration.DateRange) ([]integration.Record, error)

// ProcessFunc は生レコードを memberID -> 加算値 に変換する。
type ProcessFunc func(records []integration.Record, members []*model.TeamMember) map[int64]model.MetricDeltas

// ForAdapter はアダプタからFetchFuncとProcessFuncを組み立てる。
func ForAdapter(a integration.Adapter) (FetchFunc, ProcessFunc) {
	fetch := func(ctx context.Context, settings model.IntegrationSettings, r integration.DateRange) ([]integration.Record, error) {
		return a.FetchData(ctx, settings, r)
	}
	process := func(records []integration.Record, members []*model.TeamMember) map[int64]model.MetricDeltas {
		return integration.Aggregate(a, records, members)
	}
	return fetch, process
}

// Params は同期対象と期間を表す。
type Params struct {
	TeamID        int64
	Integration   string
	StartingMonth string
	// MonthsBack はStartingMonthを含めて遡る月数。0以下の場合はDefaultMonthsBack。
	MonthsBack int
	// ActingUserID は操作したユーザー。0の場合はスケジューラとして実行する。
	ActingUserID int64
}

// Request はSyncIntegrationDataの入力。
type Request struct {
	Params
	Fetch   FetchFunc
	Process ProcessFunc
}

// Result は同期の実行結果。
type Result struct {
	// Skipped は連携が未設定または無効で何もしなかったことを示す。
	Skipped         bool
	MonthsProcessed int
	RecordsFetched  int
	MembersUpdated  int
	DroppedValues   int
}

// TxRunner は実行主体ごとのトランザクションを提供する。
type TxRunner interface {
	RunAsUser(ctx context.Context, userID int64, fn func(tx *sql.Tx) error) error
	RunAsScheduler(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Repositories はトランザクションに束縛されたリポジトリ。
type Repositories struct {
	Settings repository.SettingsRepository
	Members  repository.MemberRepository
}

// RepositoryFactory はDBTXからRepositoriesを生成する。
type RepositoryFactory func(db repository.DBTX) Repositories

// PostgresRepositories はPostgreSQL実装のRepositoryFactory。
func PostgresRepositories(db repository.DBTX) Repositories {
	return Repositories{
		Settings: repository.NewPostgresSettingsRepo(db),
		Members:  repository.NewPostgresMemberRepo(db),
	}
}

// SettingsDecrypter は暗号化フィールドを復号した設定を返す。
type SettingsDecrypter interface {
	Decrypt(integration string, s model.IntegrationSettings) (model.IntegrationSettings, error)
}

// Orchestrator は同期の実行を取りまとめる。
type Orchestrator struct {
	tx        TxRunner
	repos     RepositoryFactory
	registry  *integration.Registry
	decrypter SettingsDecrypter
	logger    *slog.Logger
}

// NewOrchestrator はOrchestratorを生成する。decrypterはnilでもよい。
func NewOrchestrator(tx TxRunner, repos RepositoryFactory, registry *integration.Registry, decrypter SettingsDecrypter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		tx:        tx,
		repos:     repos,
		registry:  registry,
		decrypter: decrypter,
		logger:    logger,
	}
}

// SyncAdapter は登録済みアダプタでSyncIntegrationDataを実行する。
func (o *Orchestrator) SyncAdapter(ctx context.Context, p Params) (*Result, error) {
	a, err := o.registry.Lookup(p.Integration)
	if err != nil {
		return nil, err
	}
	p.Integration = a.Name()
	fetch, process := ForAdapter(a)
	return o.SyncIntegrationData(ctx, Request{Params: p, Fetch: fetch, Process: process})
}

// scope は1回分のDB操作をトランザクション内で実行する。
type scope func(ctx context.Context, fn func(db repository.DBTX) error) error

// SyncIntegrationData は StartingMonth から MonthsBack か月を新しい順に同期する。
//
// ユーザー起点（ActingUserID != 0）の場合は全月を1つのRLSトランザクションで実行し、
// 途中で失敗すれば全体をロールバックする。スケジューラ起点の場合は設定の読み込みと
// 各月の保存をそれぞれ特権ロールのトランザクションで実行する。
func (o *Orchestrator) SyncIntegrationData(ctx context.Context, req Request) (*Result, error) {
	start, err := ParseMonth(req.StartingMonth)
	if err != nil {
		return nil, err
	}
	if req.Fetch == nil || req.Process == nil {
		return nil, errors.New("fetch and process functions are required")
	}
	if req.MonthsBack <= 0 {
		req.MonthsBack = DefaultMonthsBack
	}
	windows := MonthWindows(start, req.MonthsBack)

	if req.ActingUserID != 0 {
		var res *Result
		err := o.tx.RunAsUser(ctx, req.ActingUserID, func(tx *sql.Tx) error {
			single := func(_ context.Context, fn func(db repository.DBTX) error) error { return fn(tx) }
			var runErr error
			res, runErr = o.run(ctx, req, windows, single)
			return runErr
		})
		return res, err
	}

	perCall := func(ctx context.Context, fn func(db repository.DBTX) error) error {
		return o.tx.RunAsScheduler(ctx, func(tx *sql.Tx) error { return fn(tx) })
	}
	return o.run(ctx, req, windows, perCall)
}

func (o *Orchestrator) run(ctx context.Context, req Request, windows []Window, within scope) (*Result, error) {
	log := o.logger.With(
		slog.Int64("team_id", req.TeamID),
		slog.String("integration", req.Integration),
	)
	res := &Result{}

	var (
		settings model.IntegrationSettings
		members  []*model.TeamMember
		enabled  bool
	)
	err := within(ctx, func(db repository.DBTX) error {
		repos := o.repos(db)
		all, err := repos.Settings.FindByTeamID(ctx, req.TeamID)
		if err != nil {
			return fmt.Errorf("連携設定の取得に失敗しました: %w", err)
		}
		is, ok := all.Integration(req.Integration)
		if !ok || !is.Enabled {
			return nil
		}
		enabled = true
		settings = is
		if members, err = repos.Members.ListByTeam(ctx, req.TeamID); err != nil {
			return fmt.Errorf("メンバーの取得に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !enabled {
		log.Info("連携が無効のため同期をスキップしました")
		res.Skipped = true
		return res, nil
	}

	if o.decrypter != nil {
		if settings, err = o.decrypter.Decrypt(req.Integration, settings); err != nil {
			return nil, err
		}
	}

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		monthStart := time.Now()

		records, err := req.Fetch(ctx, settings, w.Range)
		if err != nil {
			return res, fmt.Errorf("%s のデータ取得に失敗しました: %w", w.Month, err)
		}
		res.MonthsProcessed++
		if len(records) == 0 {
			log.Info("対象月のレコードがありません", slog.String("month", w.Month))
			continue
		}
		res.RecordsFetched += len(records)

		processed := req.Process(records, members)
		deltas := metricstore.Deltas{}
		for memberID, raw := range processed {
			clean, dropped := metricstore.SanitizeDeltas(o.logger, req.Integration, memberID, raw)
			res.DroppedValues += dropped
			for metric, v := range clean {
				deltas.Add(memberID, req.Integration, metric, v)
			}
		}

		var updated int
		err = within(ctx, func(db repository.DBTX) error {
			store := metricstore.NewStore(o.repos(db).Members, o.logger)
			var saveErr error
			updated, saveErr = store.SaveData(ctx, req.TeamID, deltas, w.Month)
			return saveErr
		})
		if err != nil {
			return res, fmt.Errorf("%s のメトリクス保存に失敗しました: %w", w.Month, err)
		}
		res.MembersUpdated += updated

		log.Info("月次同期が完了しました",
			slog.String("month", w.Month),
			slog.Int("records", len(records)),
			slog.Int("members_updated", updated),
			slog.Float64("duration_ms", float64(time.Since(monthStart).Milliseconds())),
		)
	}
	return res, nil
}
