package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// PoolConfig は接続プールの設定。
type PoolConfig struct {
	// MaxConnections はホストあたりの最大同時接続数。
	MaxConnections int
	// MaxKeepAlive は保持するアイドル接続の最大数。
	MaxKeepAlive int
	// Timeout はリクエスト全体の既定タイムアウト。呼び出し側のcontextの方が短ければそちらが優先される。
	Timeout time.Duration
}

// Pool は全ての外向きHTTP通信で共有する接続プール付きクライアントを管理する。
// クライアントは初回のAcquireで生成され、Shutdown後のAcquireで再生成される。
type Pool struct {
	// mu はclientの生成と破棄を保護する。
	mu sync.Mutex
	// client は共有クライアント。未生成またはShutdown後はnil。
	client *http.Client
	// transport はclientが使用するトランスポート。
	transport *http.Transport
	// cfg はクライアント生成時に使用する設定。
	cfg PoolConfig
}

// NewPool は設定を検証してPoolを生成する。
// 設定が不正な場合はエラーを返す。起動時の致命的エラーとして扱い、リトライしない。
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("最大接続数は1以上である必要があります: %d", cfg.MaxConnections)
	}
	if cfg.MaxKeepAlive < 0 || cfg.MaxKeepAlive > cfg.MaxConnections {
		return nil, fmt.Errorf("キープアライブ接続数は0以上かつ最大接続数以下である必要があります: %d", cfg.MaxKeepAlive)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("タイムアウトは正の値である必要があります: %s", cfg.Timeout)
	}
	return &Pool{cfg: cfg}, nil
}

// Acquire は利用可能な共有クライアントを返す。
// 未生成またはShutdown済みの場合はロック下で新しく生成する。
func (p *Pool) Acquire() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		p.transport = newTransport(p.cfg)
		p.client = &http.Client{
			Transport: p.transport,
			Timeout:   p.cfg.Timeout,
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return p.client
}

// Shutdown は共有クライアントのアイドル接続を閉じて破棄する。
// 複数回呼び出しても安全。
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return
	}
	p.transport.CloseIdleConnections()
	p.client = nil
	p.transport = nil
}

// Closed は共有クライアントが未生成またはShutdown済みかを返す。
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client == nil
}

// DoJSON はbodyをJSONにシリアライズしてリクエストを送信する。
// ステータスコードの判定は呼び出し側で行うため、レスポンスはそのまま返す。
func (p *Pool) DoJSON(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.Acquire().Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// DecodeJSON はレスポンスボディをresultにデシリアライズしてボディを閉じる。
func DecodeJSON(resp *http.Response, result any) error {
	defer func() { _ = resp.Body.Close() }()

	if result == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("レスポンスボディが空です")
		}
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

// newTransport は接続プール設定を反映したトランスポートを生成する。
func newTransport(cfg PoolConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       cfg.MaxConnections,
		MaxIdleConns:          cfg.MaxKeepAlive,
		MaxIdleConnsPerHost:   cfg.MaxKeepAlive,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.Timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}
