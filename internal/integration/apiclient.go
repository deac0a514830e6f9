package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusStop は再試行しても結果が変わらないステータス（401/403/404/410/422）。
	StatusStop
	// StatusRetry は待機後に再試行するステータス（429/5xx）。
	StatusRetry
	// StatusUnknown はその他のステータス。
	StatusUnknown
)

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == 401 || code == 403 || code == 404 || code == 410 || code == 422:
		return StatusStop
	case code == 429 || code >= 500:
		return StatusRetry
	default:
		return StatusUnknown
	}
}

// StatusError は外部APIが失敗ステータスを返した場合のエラー。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// ClientConfig はAPIClientの設定。
type ClientConfig struct {
	Name              string
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	MaxBodySize       int64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.UserAgent == "" {
		c.UserAgent = "teamsync/1.0"
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 10 << 20
	}
	return c
}

// APIClient は外部APIへのHTTP呼び出しを共通の耐障害パターンで包む。
// レートリミッタで送信間隔を制御し、サーキットブレーカで連続障害時に呼び出しを遮断し、
// 429/5xxは指数バックオフ（Retry-Afterがあればそれに従う）で再試行する。
type APIClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	limiter    *rate.Limiter
	cfg        ClientConfig
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewAPIClient はAPIClientを生成する。RequestsPerSecondが0以下の場合は送信間隔を制限しない。
func NewAPIClient(httpClient *http.Client, cfg ClientConfig, logger *slog.Logger) *APIClient {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &APIClient{
		httpClient: httpClient,
		breaker:    breaker,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff は試行回数に応じた待機時間を返す。minから2倍ずつ増加しmaxで頭打ちになる。
func Backoff(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Do はリクエストを送信する。ボディを持たないリクエストのみ再試行できる。
// 2xx以外の最終結果は*StatusErrorとして返し、レスポンスボディは閉じ済みとなる。
func (c *APIClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	maxAttempts := 1 + c.cfg.MaxRetries
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("レート制限の待機が中断されました: %w", err)
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.httpClient.Do(req.Clone(ctx))
			if doErr != nil {
				return nil, doErr
			}
			if isRetryable(r) {
				return r, &StatusError{StatusCode: r.StatusCode}
			}
			return r, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: circuit breaker open: %w", c.cfg.Name, err)
		}
		if err == nil {
			if ClassifyStatus(resp.StatusCode) == StatusOK {
				return resp, nil
			}
			return nil, c.statusError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := Backoff(attempt, c.cfg.MinBackoff, c.cfg.MaxBackoff)
		if resp != nil {
			if ra := retryAfter(resp); ra > 0 {
				wait = min(ra, c.cfg.MaxBackoff)
			}
			lastErr = c.statusError(resp)
		} else {
			lastErr = err
		}
		if attempt == maxAttempts-1 {
			break
		}

		c.logger.Warn("外部APIの呼び出しを再試行します",
			slog.String("client", c.cfg.Name),
			slog.Int("attempt", attempt+1),
			slog.Float64("wait_seconds", wait.Seconds()),
			slog.String("error", lastErr.Error()),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: retries exhausted: %w", c.cfg.Name, lastErr)
}

// GetJSON はGETリクエストを送り、レスポンスをoutにデコードしてヘッダを返す。
func (c *APIClient) GetJSON(ctx context.Context, url string, header http.Header, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return resp.Header, nil
}

// GetBody はGETリクエストを送り、上限付きでボディを読み込む。
func (c *APIClient) GetBody(ctx context.Context, url string, header http.Header) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, resp.Header, nil
}

// isRetryable は429/5xxに加え、レート制限超過を示す403を再試行対象とする。
func isRetryable(r *http.Response) bool {
	if ClassifyStatus(r.StatusCode) == StatusRetry {
		return true
	}
	return r.StatusCode == http.StatusForbidden && r.Header.Get("X-RateLimit-Remaining") == "0"
}

func retryAfter(r *http.Response) time.Duration {
	if v := r.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := r.Header.Get("X-RateLimit-Reset"); v != "" && r.Header.Get("X-RateLimit-Remaining") == "0" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}

func (c *APIClient) statusError(resp *http.Response) error {
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
}
