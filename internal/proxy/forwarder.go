package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/pkg/httpclient"
	"github.com/nao1215/campus/pkg/metrics"
	"github.com/nao1215/campus/pkg/retry"
)

// ログに出力するエラーレスポンスボディの最大長。
const maxLoggedBody = 512

// Forwarder は共有の接続プールを使ってリクエストを転送する。
// 業務リクエストは冪等とは限らないため再試行しない。
type Forwarder struct {
	pool    *httpclient.Pool
	timeout time.Duration
	metrics *metrics.Metrics
	logger  config.Logger
}

// NewForwarder は新しいForwarderを生成する。
func NewForwarder(pool *httpclient.Pool, timeout time.Duration, m *metrics.Metrics, logger config.Logger) *Forwarder {
	return &Forwarder{pool: pool, timeout: timeout, metrics: m, logger: logger}
}

// Forward はreqをbaseURL+pathへ転送し、結果をそのまま返す。
// 転送に失敗した場合はタイムアウトなら504、それ以外は503のレスポンスを返す。
func (f *Forwarder) Forward(ctx context.Context, baseURL, path string, req *Request) *Response {
	start := time.Now()
	target := TargetURL(baseURL, path, req.RawQuery)

	resp := f.do(ctx, target, req)
	f.metrics.ObserveProxy(req.Service, req.Method, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		body := resp.Body
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		f.logger.Warn("転送先がエラーを返しました",
			zap.String("service", req.Service),
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
	}
	return resp
}

func (f *Forwarder) do(ctx context.Context, target string, req *Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader(req.Body))
	if err != nil {
		return ErrorResponse(http.StatusServiceUnavailable,
			fmt.Sprintf("転送リクエストの作成に失敗しました: %v", err))
	}
	httpReq.Header = outboundHeader(req.Header)

	resp, err := f.pool.Acquire().Do(httpReq)
	if err != nil {
		return f.failure(req.Service, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.failure(req.Service, target, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

func (f *Forwarder) failure(service, target string, err error) *Response {
	f.logger.Error("リクエストの転送に失敗",
		zap.String("service", service),
		zap.String("url", target),
		zap.Error(err))

	switch {
	case retry.IsTimeout(err):
		return ErrorResponse(http.StatusGatewayTimeout,
			fmt.Sprintf("サービス %s からの応答がタイムアウトしました", service))
	case retry.IsConnectionError(err):
		return ErrorResponse(http.StatusServiceUnavailable,
			fmt.Sprintf("サービス %s に接続できません", service))
	default:
		return ErrorResponse(http.StatusServiceUnavailable,
			fmt.Sprintf("サービス %s への転送に失敗しました: %v", service, err))
	}
}
