package app

import (
	"fmt"
	"log/slog"

	"github.com/hitoshi/teamsync/internal/config"
	"github.com/hitoshi/teamsync/internal/database"
	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/integration/blogfeed"
	"github.com/hitoshi/teamsync/internal/integration/github"
	"github.com/hitoshi/teamsync/internal/metrics"
	"github.com/hitoshi/teamsync/internal/repository"
	"github.com/hitoshi/teamsync/internal/security"
	"github.com/hitoshi/teamsync/internal/syncer"
	"github.com/hitoshi/teamsync/internal/syncstate"
)

// syncStack はserveとworkerで共有する同期処理の依存関係。
type syncStack struct {
	registry  *integration.Registry
	tracker   *syncstate.Tracker
	job       *syncer.JobRunner
	sanitizer *security.ErrorSanitizer
}

// newRegistry は外部システム連携アダプタを登録したRegistryを生成する。
// 外部への通信はすべてSSRF対策済みのクライアントを経由する。
func newRegistry(cfg *config.Config, logger *slog.Logger) (*integration.Registry, error) {
	githubGuard := security.NewSSRFGuard(true)
	githubClient := integration.NewAPIClient(
		githubGuard.NewSafeClient(cfg.GitHubTimeout),
		integration.ClientConfig{
			Name:              github.Name,
			RequestsPerSecond: cfg.GitHubRequestsPerSecond,
			Burst:             cfg.GitHubBurst,
			MaxRetries:        3,
		},
		logger,
	)

	feedGuard := security.NewSSRFGuard(false)
	feedClient := integration.NewAPIClient(
		feedGuard.NewSafeClient(cfg.FeedTimeout),
		integration.ClientConfig{
			Name:        blogfeed.Name,
			MaxRetries:  2,
			MaxBodySize: cfg.FeedMaxSize,
		},
		logger,
	)

	return integration.NewRegistry(
		github.NewAdapter(githubClient, cfg.GitHubAPIURL, githubGuard, logger),
		blogfeed.NewAdapter(feedClient, feedGuard, logger),
	)
}

// newSyncStack はアダプタ、オーケストレータ、同期状態トラッカー、ジョブランナーを組み立てる。
// 同期状態と実行履歴はスケジューラ用プールに書き込む。
func newSyncStack(cfg *config.Config, tx *database.TxRunner, recorder metrics.SyncRecorder, logger *slog.Logger) (*syncStack, error) {
	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("連携アダプタの登録に失敗しました: %w", err)
	}

	var cipher integration.FieldDecrypter
	if cfg.SettingsEncryptionKey != "" {
		c, err := security.NewFieldCipher(cfg.SettingsEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("SETTINGS_ENCRYPTION_KEY が不正です: %w", err)
		}
		cipher = c
	} else {
		logger.Warn("SETTINGS_ENCRYPTION_KEY が未設定のため、暗号化された設定値は復号されません")
	}
	decrypter := integration.NewSettingsDecrypter(registry, cipher, security.IsEncrypted)

	orchestrator := syncer.NewOrchestrator(tx, syncer.PostgresRepositories, registry, decrypter, logger)

	sanitizer := security.NewErrorSanitizer()
	tracker := syncstate.NewTracker(
		repository.NewPostgresSyncStateRepo(tx.SchedulerDB()),
		sanitizer,
		logger,
		syncstate.WithHeartbeatInterval(cfg.SyncHeartbeatInterval),
	)
	job := syncer.NewJobRunner(
		orchestrator,
		tracker,
		repository.NewPostgresSyncRunRepo(tx.SchedulerDB()),
		sanitizer,
		recorder,
		logger,
	)

	return &syncStack{
		registry:  registry,
		tracker:   tracker,
		job:       job,
		sanitizer: sanitizer,
	}, nil
}
