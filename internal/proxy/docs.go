package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/campus/internal/config"
)

// DocsForwarder はAPIドキュメントの取得を転送する。
// キープアライブを無効にした専用クライアントを使い、リダイレクトは追従する。
// ヘルスチェックと再試行は行わない。
type DocsForwarder struct {
	client *http.Client
	logger config.Logger
}

// NewDocsForwarder は新しいDocsForwarderを生成する。
func NewDocsForwarder(timeout time.Duration, logger config.Logger) *DocsForwarder {
	return &DocsForwarder{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableKeepAlives: true, Proxy: http.ProxyFromEnvironment},
		},
		logger: logger,
	}
}

// Forward はreqをbaseURL+pathへ転送する。失敗した場合は常に503を返す。
// 圧縮済みのボディをそのまま返さないよう、Accept-Encodingはidentityに固定する。
func (d *DocsForwarder) Forward(ctx context.Context, baseURL, path string, req *Request) *Response {
	target := TargetURL(baseURL, path, req.RawQuery)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader(req.Body))
	if err != nil {
		return d.failure(req.Service, target, err)
	}
	httpReq.Header = outboundHeader(req.Header)
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return d.failure(req.Service, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return d.failure(req.Service, target, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

// Close は専用クライアントのアイドル接続を閉じる。
func (d *DocsForwarder) Close() {
	d.client.CloseIdleConnections()
}

func (d *DocsForwarder) failure(service, target string, err error) *Response {
	d.logger.Warn("ドキュメントの取得に失敗",
		zap.String("service", service),
		zap.String("url", target),
		zap.Error(err))
	return ErrorResponse(http.StatusServiceUnavailable,
		fmt.Sprintf("サービス %s のドキュメントを取得できません: %v", service, err))
}
