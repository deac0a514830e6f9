package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teamsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	JWTSecret   []byte
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// 手動同期
	SyncService SyncServiceInterface
	Sanitizer   Sanitizer

	// 参照
	Teams        TeamResolver
	TeamReader   TeamReader
	Integrations IntegrationNames
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Auth → RateLimit(General) [→ RateLimit(Sync)]
//
// ヘルスチェック（/health）は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	syncHandler := NewSyncHandler(deps.SyncService, deps.Teams, deps.Sanitizer, deps.Logger)
	readHandler := NewReadHandler(deps.TeamReader, deps.Teams, deps.Integrations, deps.Logger)

	// --- 認証不要のルート ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.JWTSecret))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 手動同期（同期専用レート制限を追加）
		r.Route("/api/integrations/{integration}", func(r chi.Router) {
			r.Use(deps.RateLimiter.SyncMiddleware())
			r.Post("/sync-month", syncHandler.SyncMonth)
			r.Post("/full-sync", syncHandler.FullSync)
		})

		r.Get("/api/metrics", readHandler.GetMetrics)
		r.Get("/api/sync-states", readHandler.ListSyncStates)
	})

	return r
}
