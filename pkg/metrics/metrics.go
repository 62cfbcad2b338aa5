// Package metrics はGatewayのPrometheusメトリクスを提供する。
//
// レジストリはインスタンスごとに保持し、パッケージレベルのグローバル状態は持たない。
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campus_gateway"

// トークン検証結果の種類。
const (
	VerifyCache    = "cache"
	VerifyRemote   = "remote"
	VerifyLocal    = "local"
	VerifyFallback = "fallback"
	VerifyRejected = "rejected"
	VerifyRevoked  = "revoked"
)

// Metrics はGatewayが公開するメトリクスの集合。
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	proxyRequests *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	healthProbes  *prometheus.CounterVec
	serviceUp     *prometheus.GaugeVec
	tokenVerifies *prometheus.CounterVec
}

// New は新しいレジストリにコレクタを登録してMetricsを生成する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the gateway.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the gateway.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "route"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_requests_total",
			Help:      "Total number of requests forwarded to backend services.",
		}, []string{"service", "method", "status"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of requests forwarded to backend services.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"service"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of health probes sent to backend services.",
		}, []string{"service", "result"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "service_up",
			Help:      "Whether the last health probe of a backend service succeeded.",
		}, []string{"service"}),
		tokenVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_verifications_total",
			Help:      "Total number of token verifications by source.",
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.proxyRequests,
		m.proxyDuration,
		m.healthProbes,
		m.serviceUp,
		m.tokenVerifies,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry はコレクタを登録したレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler はメトリクスを公開するHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware はHTTPリクエストのメトリクスを記録するGinミドルウェアを返す。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := methodLabel(c.Request.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveProxy は転送リクエスト1件の結果を記録する。
func (m *Metrics) ObserveProxy(service, method string, status int, d time.Duration) {
	m.proxyRequests.WithLabelValues(service, methodLabel(method), strconv.Itoa(status)).Inc()
	m.proxyDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveProbe はヘルスプローブ1件の結果を記録する。
func (m *Metrics) ObserveProbe(service string, healthy bool) {
	result := "unhealthy"
	up := 0.0
	if healthy {
		result = "healthy"
		up = 1
	}
	m.healthProbes.WithLabelValues(service, result).Inc()
	m.serviceUp.WithLabelValues(service).Set(up)
}

// ObserveVerification はトークン検証の結果を種類ごとに記録する。
func (m *Metrics) ObserveVerification(source string) {
	m.tokenVerifies.WithLabelValues(source).Inc()
}

// methodLabel は標準のHTTPメソッド以外をOTHERにまとめ、ラベルの種類を有限に保つ。
func methodLabel(method string) string {
	switch m := strings.ToUpper(method); m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return m
	default:
		return "OTHER"
	}
}
