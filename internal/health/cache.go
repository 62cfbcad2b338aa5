package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/pkg/httpclient"
	"github.com/nao1215/campus/pkg/metrics"
	"github.com/nao1215/campus/pkg/retry"
)

// HealthChecker はサービスが転送可能な状態かどうかを判定する。
type HealthChecker interface {
	EnsureHealthy(ctx context.Context, service string, force bool) (bool, error)
}

// State はキャッシュから見たサービスの状態。
type State string

const (
	// StateUnknown は未プローブ、またはTTLが切れた状態。
	StateUnknown State = "UNKNOWN"
	// StateHealthy は直近のプローブが成功した状態。
	StateHealthy State = "HEALTHY"
	// StateUnhealthy は直近のプローブが失敗した状態。
	StateUnhealthy State = "UNHEALTHY"
)

// Entry は1回のプローブ結果。
type Entry struct {
	CheckedAt    time.Time
	Healthy      bool
	Message      string
	URL          string
	ResponseTime time.Duration
}

// Cache はHealthCheckerの実装。
// ロックはマップの読み書きのみを保護し、プローブ中は保持しない。
// そのため同じサービスへの同時のキャッシュミスは重複してプローブされうる。
type Cache struct {
	routes       map[string]config.ServiceRoute
	pool         *httpclient.Pool
	retry        *retry.Executor
	policy       retry.Policy
	ttl          time.Duration
	probeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       config.Logger
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

var _ HealthChecker = (*Cache)(nil)

// NewCache は新しいCacheを生成する。
func NewCache(
	cfg config.HealthConfig,
	routes map[string]config.ServiceRoute,
	pool *httpclient.Pool,
	executor *retry.Executor,
	m *metrics.Metrics,
	logger config.Logger,
) *Cache {
	return &Cache{
		routes:       routes,
		pool:         pool,
		retry:        executor,
		policy:       retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay},
		ttl:          cfg.TTL,
		probeTimeout: cfg.ProbeTimeout,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
		entries:      make(map[string]Entry),
	}
}

// EnsureHealthy はサービスが正常ならtrueを返す。
// TTL内のキャッシュがあればプローブせずにその結果を使い、異常なら*UnavailableErrorを返す。
// 未設定のサービスは*ConfigErrorを返す。forceがtrueの場合はキャッシュを無視する。
func (c *Cache) EnsureHealthy(ctx context.Context, service string, force bool) (bool, error) {
	route, err := c.route(service)
	if err != nil {
		return false, err
	}
	key := cacheKey(route)

	if !force {
		if entry, ok := c.fresh(key); ok {
			if !entry.Healthy {
				return false, &UnavailableError{Service: service, Message: entry.Message}
			}
			return true, nil
		}
	}

	entry, err := c.probe(ctx, route)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if !entry.Healthy {
		return false, &UnavailableError{Service: service, Message: entry.Message}
	}
	return true, nil
}

// State はサービスの現在の状態を返す。TTLを過ぎたエントリはStateUnknownとなる。
func (c *Cache) State(service string) State {
	route, ok := c.routes[service]
	if !ok {
		return StateUnknown
	}
	entry, ok := c.fresh(cacheKey(route))
	switch {
	case !ok:
		return StateUnknown
	case entry.Healthy:
		return StateHealthy
	default:
		return StateUnhealthy
	}
}

// Entry はサービスの直近のプローブ結果を返す。TTLを過ぎていても返す。
func (c *Cache) Entry(service string) (Entry, bool) {
	route, ok := c.routes[service]
	if !ok {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(route)]
	return entry, ok
}

func (c *Cache) route(service string) (config.ServiceRoute, error) {
	route, ok := c.routes[service]
	if !ok {
		return config.ServiceRoute{}, &ConfigError{Service: service, Reason: "servicesに登録されていません"}
	}
	if strings.TrimSpace(route.BaseURL) == "" {
		return config.ServiceRoute{}, &ConfigError{Service: service, Reason: "base_urlが設定されていません"}
	}
	return route, nil
}

func (c *Cache) fresh(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.CheckedAt) >= c.ttl {
		return Entry{}, false
	}
	return entry, true
}

// probe はヘルスエンドポイントにGETを送信する。接続系のエラーのみ再試行する。
// 呼び出し元のcontextがキャンセルされた場合はサービスの異常とみなさずエラーを返す。
func (c *Cache) probe(ctx context.Context, route config.ServiceRoute) (Entry, error) {
	url := strings.TrimRight(route.BaseURL, "/") + "/" + strings.TrimLeft(route.HealthEndpoint, "/")
	start := c.now()

	err := c.retry.Run(ctx, c.policy, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		defer cancel()
		return c.probeOnce(attemptCtx, url)
	})

	entry := Entry{
		CheckedAt:    c.now(),
		Healthy:      err == nil,
		Message:      "ok",
		URL:          url,
		ResponseTime: c.now().Sub(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			return Entry{}, fmt.Errorf("ヘルスチェックが中断されました: %w", ctx.Err())
		}
		entry.Message = probeMessage(err)
		c.logger.Warn("ヘルスチェックに失敗",
			zap.String("service", route.Name),
			zap.String("url", url),
			zap.Error(err))
	}
	c.metrics.ObserveProbe(route.Name, entry.Healthy)
	return entry, nil
}

func (c *Cache) probeOnce(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ヘルスチェックリクエストの作成に失敗: %w", err)
	}
	resp, err := c.pool.Acquire().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ヘルスエンドポイントがステータス %d を返しました", e.code)
}

func probeMessage(err error) string {
	var se *statusError
	switch {
	case errors.As(err, &se):
		return se.Error()
	case retry.IsTimeout(err):
		return "ヘルスチェックがタイムアウトしました"
	case retry.IsConnectionError(err):
		return "サービスに接続できません"
	default:
		return err.Error()
	}
}

func cacheKey(route config.ServiceRoute) string {
	return route.Name + "|" + route.BaseURL
}
