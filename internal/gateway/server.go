package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/campus/internal/auth"
	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/internal/health"
	"github.com/nao1215/campus/internal/proxy"
	"github.com/nao1215/campus/internal/revocation"
	"github.com/nao1215/campus/pkg/httpclient"
	"github.com/nao1215/campus/pkg/metrics"
	"github.com/nao1215/campus/pkg/middleware"
	"github.com/nao1215/campus/pkg/retry"
)

// healthReporter は全サービスの集約ヘルスチェックを行う。
type healthReporter interface {
	CheckAll(ctx context.Context) health.Report
}

// tokenRevoker はログアウトしたトークンを失効させる。
type tokenRevoker interface {
	Revoke(ctx context.Context, token string) error
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// cfg は起動時に読み込んだ設定。
	cfg *config.Config
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はrouterを公開するHTTPサーバー。
	httpServer *http.Server
	// pool は全ての外向き通信で共有する接続プール。
	pool *httpclient.Pool
	// checker は転送前の死活確認を行う。
	checker health.HealthChecker
	// reporter は集約ヘルスチェックを行う。
	reporter healthReporter
	// verifier はBearerトークンを検証する。
	verifier middleware.TokenVerifier
	// revoker はログアウト時にトークンを失効させる。
	revoker tokenRevoker
	// forwarder は業務リクエストを転送する。
	forwarder *proxy.Forwarder
	// docs はドキュメント取得を転送する。
	docs *proxy.DocsForwarder
	// store は失効ストア。失効が無効な場合はnil。
	store *revocation.Store
	// purger は失効ストアの期限切れレコードを削除する。
	purger *revocation.Purger
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// logger はログ出力。
	logger config.Logger
	// startedAt は起動時刻。
	startedAt time.Time
}

// NewServer は設定から全ての依存を組み立ててServerを生成する。
func NewServer(cfg *config.Config, logger config.Logger) (*Server, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	m := metrics.New()
	pool, err := httpclient.NewPool(httpclient.PoolConfig{
		MaxConnections: cfg.Client.MaxConnections,
		MaxKeepAlive:   cfg.Client.MaxKeepAlive,
		Timeout:        cfg.Client.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("HTTPクライアントプールの初期化に失敗: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		pool:      pool,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
		forwarder: proxy.NewForwarder(pool, cfg.Proxy.Timeout, m, logger),
		docs:      proxy.NewDocsForwarder(cfg.Docs.Timeout, logger),
	}

	cache := health.NewCache(cfg.Health, cfg.Services, pool, retry.NewExecutor(logger), m, logger)
	s.checker = cache
	s.reporter = cache

	var store auth.RevocationStore
	if cfg.Auth.Revocation.Enabled {
		st, err := revocation.Open(cfg.Auth.Revocation.DSN, logger)
		if err != nil {
			pool.Shutdown()
			return nil, fmt.Errorf("失効ストアの初期化に失敗: %w", err)
		}
		s.store = st
		s.purger = revocation.NewPurger(st, cfg.Auth.Revocation.PurgeInterval, logger)
		store = st
	}

	verifier, err := auth.NewVerifier(cfg.Auth, verifyURL(cfg), pool, store, m, logger)
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("トークン検証の初期化に失敗: %w", err)
	}
	s.verifier = verifier
	s.revoker = verifier

	s.router = gin.New()
	s.router.Use(middleware.Recovery(logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.AccessLog(logger))
	s.router.Use(m.Middleware())
	s.router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.purger != nil {
		s.purger.Start(context.Background())
	}
	return s, nil
}

// verifyURL はremoteモードで使用する認証サービスの検証URLを返す。
func verifyURL(cfg *config.Config) string {
	if cfg.Auth.Mode != config.AuthModeRemote {
		return ""
	}
	route, ok := cfg.Route(cfg.Auth.Service)
	if !ok {
		return ""
	}
	return proxy.TargetURL(route.BaseURL, cfg.Auth.VerifyPath, "")
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、Shutdownが呼ばれるまでブロックする。
func (s *Server) Run() error {
	s.logger.Info("Gatewayを起動します",
		zap.String("addr", s.httpServer.Addr),
		zap.String("auth_mode", s.cfg.Auth.Mode),
		zap.Strings("services", s.cfg.ServiceNames()))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は受付中のリクエストの完了を待ってサーバーを停止し、共有リソースを解放する。
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.close())
}

// close は共有リソースを解放する。
func (s *Server) close() error {
	if s.purger != nil {
		s.purger.Stop()
	}
	s.pool.Shutdown()
	s.docs.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("失効ストアのクローズに失敗: %w", err)
		}
	}
	return nil
}
