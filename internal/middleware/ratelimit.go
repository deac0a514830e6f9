package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/teamsync/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SyncRate        rate.Limit    // 手動同期のレート（req/sec）。6/60
	SyncBurst       int           // 手動同期のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、手動同期 6 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteConfig(120, 6)
}

// PerMinuteConfig は1分あたりのリクエスト数からレート制限設定を作る。
func PerMinuteConfig(generalPerMin, syncPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    max(generalPerMin, 1),
		SyncRate:        rate.Limit(float64(syncPerMin) / 60.0),
		SyncBurst:       max(syncPerMin, 1),
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// bucketSet は1種類のレート制限についてユーザーごとのリミッターを管理する。
type bucketSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*userLimiter
}

func newBucketSet(name string, limit rate.Limit, burst int) *bucketSet {
	return &bucketSet{name: name, limit: limit, burst: burst, limiters: make(map[int64]*userLimiter)}
}

// get はユーザーのリミッターを取得または作成し、最終アクセス時刻を更新する。
func (b *bucketSet) get(userID int64) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	ul, ok := b.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.limiters[userID] = ul
	}
	ul.lastAccess = time.Now()
	return ul.limiter
}

func (b *bucketSet) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.limiters)
}

func (b *bucketSet) evict(now time.Time, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, ul := range b.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(b.limiters, userID)
		}
	}
}

func (b *bucketSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w)
				return
			}

			if !b.get(userID).Allow() {
				writeRateLimitResponse(w, b.limit)
				slog.Warn("rate limit exceeded",
					slog.Int64("user_id", userID),
					slog.String("limit_type", b.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般のレート制限と手動同期のレート制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *bucketSet
	sync    *bucketSet
	stopCh  chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newBucketSet("general", config.GeneralRate, config.GeneralBurst),
		sync:    newBucketSet("sync", config.SyncRate, config.SyncBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// SyncMiddleware は手動同期専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SyncMiddleware() func(next http.Handler) http.Handler {
	return rl.sync.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.len() }

// SyncLimiterCount は現在管理されている手動同期リミッターのエントリ数を返す。
func (rl *RateLimiter) SyncLimiterCount() int { return rl.sync.len() }

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.evict(now, ttl)
	rl.sync.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = max(int(math.Ceil(1.0/float64(r))), 1)
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: model.CategoryRateLimit,
		Action:   "指定された時間待ってから再度お試しください。",
	})
}
