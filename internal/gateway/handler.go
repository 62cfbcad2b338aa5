package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/internal/health"
	"github.com/nao1215/campus/internal/proxy"
	"github.com/nao1215/campus/pkg/middleware"
)

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/services", s.handleServicesHealth())

	// メトリクス
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// APIドキュメント（認証不要）
	s.router.Any("/docs/:service/*path", s.handleDocs())

	// 業務API。認証が必要かどうかはサービスごとの設定に従う
	api := s.router.Group("/api/v1")
	api.Use(middleware.Authenticate(s.verifier))
	{
		api.Any("/:service/*path", s.handleProxy())
	}
}

// handleHealth はGateway自身の生存確認を返すハンドラを返す。
// 失効ストアに接続できない場合もプロセスは稼働しているため200のまま、statusをdegradedにする。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, storeStatus := "ok", "disabled"
		if s.store != nil {
			storeStatus = "ok"
			if err := s.store.Ping(c.Request.Context()); err != nil {
				s.logger.Warn("失効ストアに接続できません", zap.Error(err))
				status, storeStatus = "degraded", "unavailable"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           status,
			"service":          "gateway",
			"revocation_store": storeStatus,
			"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		})
	}
}

// handleServicesHealth は全サービスを強制プローブした集約結果を返すハンドラを返す。
// criticalなサービスが停止している場合は503を返す。
func (s *Server) handleServicesHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.reporter.CheckAll(c.Request.Context())

		status := http.StatusOK
		if report.Status == health.StatusCritical {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// handleDocs はサービスのAPIドキュメントを転送するハンドラを返す。
func (s *Server) handleDocs() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := s.lookupRoute(c)
		if !ok {
			return
		}

		req, ok := s.newProxyRequest(c, route)
		if !ok {
			return
		}
		s.docs.Forward(c.Request.Context(), route.BaseURL, c.Param("path"), req).Write(c)
	}
}

// handleProxy は認証と死活確認を行ったうえでサービスへ転送するハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	requireAuth := middleware.RequireAuth()

	return func(c *gin.Context) {
		route, ok := s.lookupRoute(c)
		if !ok {
			return
		}

		if route.RequireAuth {
			requireAuth(c)
			if c.IsAborted() {
				return
			}
		}

		if _, err := s.checker.EnsureHealthy(c.Request.Context(), route.Name, false); err != nil {
			s.abortUnhealthy(c, route, err)
			return
		}

		req, ok := s.newProxyRequest(c, route)
		if !ok {
			return
		}

		path := c.Param("path")
		resp := s.forwarder.Forward(c.Request.Context(), route.BaseURL, route.PathPrefix+path, req)
		if s.isLogout(route, path, resp) {
			s.revokeToken(c)
		}
		resp.Write(c)
	}
}

// lookupRoute はURLのサービス名に対応するルートを返す。存在しない場合は404で中断する。
func (s *Server) lookupRoute(c *gin.Context) (config.ServiceRoute, bool) {
	name := c.Param("service")
	route, ok := s.cfg.Route(name)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"detail": fmt.Sprintf("サービス %s は存在しません", name),
		})
		return config.ServiceRoute{}, false
	}
	return route, true
}

func (s *Server) newProxyRequest(c *gin.Context, route config.ServiceRoute) (*proxy.Request, bool) {
	req, err := proxy.NewRequest(c.Request, route.Name)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"detail": "リクエストボディを読み込めません",
		})
		return nil, false
	}
	return req, true
}

// abortUnhealthy は死活確認の失敗をレスポンスに変換する。
// 設定不備は500、到達不能は503として区別する。
func (s *Server) abortUnhealthy(c *gin.Context, route config.ServiceRoute, err error) {
	var (
		ce *health.ConfigError
		ue *health.UnavailableError
	)
	switch {
	case errors.As(err, &ce):
		s.logger.Error("サービスの設定が不正です", zap.String("service", route.Name), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"detail": fmt.Sprintf("サービス %s の設定が不正です: %s", route.Name, ce.Reason),
		})
	case errors.As(err, &ue):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"detail": fmt.Sprintf("サービス %s は現在利用できません: %s", route.Name, ue.Message),
		})
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"detail": fmt.Sprintf("サービス %s の状態を確認できません", route.Name),
		})
	}
}

// isLogout は認証サービスのログアウトが成功したレスポンスかどうかを判定する。
// 失効が無効な場合、トークンはキャッシュのTTLが切れるまで有効なままとなる。
func (s *Server) isLogout(route config.ServiceRoute, path string, resp *proxy.Response) bool {
	if !s.cfg.Auth.Revocation.Enabled {
		return false
	}
	return route.Name == s.cfg.Auth.Service &&
		path == s.cfg.Auth.LogoutPath &&
		resp.StatusCode >= 200 && resp.StatusCode < 300
}

// revokeToken はリクエストのBearerトークンを失効させる。
// 失効に失敗してもログアウト自体のレスポンスは返す。
func (s *Server) revokeToken(c *gin.Context) {
	token := middleware.GetToken(c)
	if token == "" {
		return
	}
	if err := s.revoker.Revoke(c.Request.Context(), token); err != nil {
		s.logger.Error("ログアウトしたトークンの失効に失敗",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err))
		return
	}
	s.logger.Info("ログアウトしたトークンを失効しました",
		zap.String("request_id", middleware.GetRequestID(c)))
}
