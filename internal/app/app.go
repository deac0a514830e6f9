package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/teamsync/internal/config"
	"github.com/hitoshi/teamsync/internal/database"
	"github.com/hitoshi/teamsync/internal/handler"
	"github.com/hitoshi/teamsync/internal/logger"
	"github.com/hitoshi/teamsync/internal/metrics"
	"github.com/hitoshi/teamsync/internal/middleware"
	"github.com/hitoshi/teamsync/internal/repository"
	"github.com/hitoshi/teamsync/internal/trigger"
	"github.com/hitoshi/teamsync/internal/worker/cleanup"
	"github.com/hitoshi/teamsync/internal/worker/scheduler"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込み、
// LOG_LEVELに従ってロガーを再設定する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, l)
	case CommandMigrate:
		return runMigrate(cfg, l)
	default:
		return runServe(ctx, cfg, l)
	}
}

// openPools はアプリケーション用とスケジューラ用の接続プールを開く。
// 同じURLの場合は1つのプールを共用する。
func openPools(ctx context.Context, cfg *config.Config) (userDB, schedulerDB *sql.DB, closeFn func(), err error) {
	pool := database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}

	userDB, err = database.Open(cfg.DatabaseURL, pool)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := userDB.PingContext(ctx); err != nil {
		userDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.VerifySchema(ctx, userDB); err != nil {
		userDB.Close()
		return nil, nil, nil, err
	}
	if cfg.SchedulerDatabaseURL == cfg.DatabaseURL {
		return userDB, userDB, func() { userDB.Close() }, nil
	}

	schedulerDB, err = database.Open(cfg.SchedulerDatabaseURL, pool)
	if err != nil {
		userDB.Close()
		return nil, nil, nil, err
	}
	if err := schedulerDB.PingContext(ctx); err != nil {
		userDB.Close()
		schedulerDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to scheduler database: %w", err)
	}
	return userDB, schedulerDB, func() {
		userDB.Close()
		schedulerDB.Close()
	}, nil
}

// newMetricsRegistry はプロセス・ランタイムのコレクタと同期メトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// 手動同期はリクエスト内で同期的に実行するため、書き込みタイムアウトを長めに取る。
func runServe(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	// 1. DB接続
	userDB, schedulerDB, closeDB, err := openPools(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	l.Info("database connection established")

	tx := database.NewTxRunner(userDB, schedulerDB, l)

	// 2. メトリクスと同期スタック
	reg, collector := newMetricsRegistry()
	stack, err := newSyncStack(cfg, tx, collector, l)
	if err != nil {
		return err
	}

	// 3. 手動同期サービス
	teams := repository.NewPostgresTeamRepo(userDB)
	triggerService := trigger.NewService(teams, stack.registry, stack.job, l)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitSync))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		JWTSecret:    []byte(cfg.JWTSecret),
		RateLimiter:  rateLimiter,
		Logger:       l,
		SyncService:  triggerService,
		Sanitizer:    stack.sanitizer,
		Teams:        teams,
		TeamReader:   handler.NewPostgresTeamReader(tx),
		Integrations: stack.registry,
	})

	api := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, api, l) })
	g.Go(func() error { return serveHTTP(gctx, metricsServer, l) })

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 同期スケジューラ（リーパーを含む）、実行履歴のクリーンアップ、メトリクスエンドポイントを
// errgroupで束ね、いずれかが失敗するかシグナルを受信すると全体を停止する。
func runWorker(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	// 1. DB接続
	userDB, schedulerDB, closeDB, err := openPools(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	l.Info("database connection established (worker)")

	tx := database.NewTxRunner(userDB, schedulerDB, l)

	// 2. メトリクスと同期スタック
	reg, collector := newMetricsRegistry()
	stack, err := newSyncStack(cfg, tx, collector, l)
	if err != nil {
		return err
	}

	// 3. スケジューラとリーパー
	reaper := scheduler.NewReaper(stack.tracker, cfg.SyncStaleThreshold, collector, l)
	sched := scheduler.NewScheduler(
		scheduler.Config{
			StartHour:       cfg.SyncWindowStartHour,
			TotalSlots:      cfg.SyncTotalSlots,
			Location:        cfg.Location(),
			MonthsBack:      cfg.SyncMonthsBack,
			MaxConcurrent:   cfg.SyncMaxConcurrent,
			MaxTeamsPerSlot: cfg.SyncMaxTeamsPerSlot,
			ReaperInterval:  cfg.SyncReaperInterval,
			ReaperDailySpec: cfg.SyncReaperDailySpec,
			RebuildInterval: cfg.SyncRebuildInterval,
		},
		repository.NewPostgresTeamRepo(schedulerDB),
		repository.NewPostgresSettingsRepo(schedulerDB),
		stack.registry,
		stack.job,
		reaper,
		collector,
		l,
	)

	// 4. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(schedulerDB, cfg.SyncRunRetentionDays, l)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	l.Info("worker starting",
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
		slog.Int("months_back", cfg.SyncMonthsBack),
		slog.String("timezone", cfg.SyncTimezone),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error {
		cleanupJob.Start(gctx, cleanupInterval)
		return nil
	})
	g.Go(func() error { return serveHTTP(gctx, metricsServer, l) })

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("worker stopped gracefully")
	return nil
}

// serveHTTP はHTTPサーバーを起動し、ctxのキャンセルでグレースフルシャットダウンする。
func serveHTTP(ctx context.Context, srv *http.Server, l *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		l.Info("HTTP server starting", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server listen error (%s): %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed (%s): %w", srv.Addr, err)
		}
		return nil
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	l.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
