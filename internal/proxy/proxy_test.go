package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/pkg/httpclient"
	"github.com/nao1215/campus/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// captured はテスト用バックエンドが受け取ったリクエスト。
type captured struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
	host   string
}

func newEchoBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, chan captured) {
	t.Helper()

	ch := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- captured{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			header: r.Header.Clone(),
			body:   body,
			host:   r.Host,
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newTestForwarder(t *testing.T, timeout time.Duration) *Forwarder {
	t.Helper()

	pool, err := httpclient.NewPool(httpclient.PoolConfig{MaxConnections: 10, MaxKeepAlive: 5, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)
	return NewForwarder(pool, timeout, metrics.New(), config.NewNopLogger())
}

func decodeDetail(t *testing.T, resp *Response) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body["detail"]
}

// TestTargetURL は転送先URLの組み立てを検証する。
func TestTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		base  string
		path  string
		query string
		want  string
	}{
		{
			name:  "パス埋め込みのクエリが受信クエリより優先されること",
			base:  "http://course:8002",
			path:  "/courses?x=1",
			query: "x=2&y=3",
			want:  "http://course:8002/courses?x=1&y=3",
		},
		{
			name: "スラッシュが重複しないこと",
			base: "http://room:8003/",
			path: "/rooms/1",
			want: "http://room:8003/rooms/1",
		},
		{
			name: "パスの先頭にスラッシュが無くても結合されること",
			base: "http://room:8003",
			path: "rooms",
			want: "http://room:8003/rooms",
		},
		{
			name:  "複数値のクエリが保持されること",
			base:  "http://a",
			path:  "/list",
			query: "tag=go&tag=web",
			want:  "http://a/list?tag=go&tag=web",
		},
		{
			name:  "受信クエリのみの場合は順序と値の無いキーがそのまま転送されること",
			base:  "http://a",
			path:  "/list",
			query: "z=1&flag&a=2",
			want:  "http://a/list?z=1&flag&a=2",
		},
		{
			name: "埋め込みクエリのみの場合もそのまま転送されること",
			base: "http://a",
			path: "/list?b=2&flag",
			want: "http://a/list?b=2&flag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, TargetURL(tt.base, tt.path, tt.query))
		})
	}
}

// TestForwarder はリクエストの転送とエラー変換を検証する。
func TestForwarder(t *testing.T) {
	t.Parallel()

	t.Run("クエリがマージされボディがそのまま返ること", func(t *testing.T) {
		t.Parallel()

		payload := []byte("{\"items\":[1,2,3],\"note\":\"あ\"}\n")
		srv, got := newEchoBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("X-Backend", "course")
			_, _ = w.Write(payload)
		})
		f := newTestForwarder(t, time.Second)

		req := &Request{
			Service:  "course",
			Method:   http.MethodGet,
			RawQuery: "x=2&y=3",
			Header:   http.Header{"Authorization": {"Bearer t"}},
		}
		resp := f.Forward(context.Background(), srv.URL, "/courses?x=1", req)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, bytes.Equal(payload, resp.Body))
		assert.Equal(t, "course", resp.Header.Get("X-Backend"))

		c := <-got
		assert.Equal(t, "/courses", c.path)
		assert.Equal(t, url.Values{"x": {"1"}, "y": {"3"}}, c.query)
		assert.Equal(t, "Bearer t", c.header.Get("Authorization"))
	})

	t.Run("HostとContent-Lengthが再生成されメソッドとボディが転送されること", func(t *testing.T) {
		t.Parallel()

		srv, got := newEchoBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
		f := newTestForwarder(t, time.Second)

		body := []byte(`{"name":"math"}`)
		req := &Request{
			Service: "course",
			Method:  http.MethodPost,
			Header: http.Header{
				"Host":           {"gateway.example.com"},
				"Content-Length": {"999"},
				"Content-Type":   {"application/json"},
			},
			Body: body,
		}
		resp := f.Forward(context.Background(), srv.URL, "/courses", req)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		c := <-got
		assert.Equal(t, http.MethodPost, c.method)
		assert.Equal(t, body, c.body)
		assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), c.host)
		assert.Equal(t, "application/json", c.header.Get("Content-Type"))
	})

	t.Run("転送先の4xxはそのまま返ること", func(t *testing.T) {
		t.Parallel()

		srv, _ := newEchoBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"not found"}`))
		})
		f := newTestForwarder(t, time.Second)

		resp := f.Forward(context.Background(), srv.URL, "/courses/9", &Request{Service: "course", Method: http.MethodGet})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not found", decodeDetail(t, resp))
	})

	t.Run("タイムアウトした場合は504を返すこと", func(t *testing.T) {
		t.Parallel()

		srv, _ := newEchoBackend(t, func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		})
		f := newTestForwarder(t, 50*time.Millisecond)

		resp := f.Forward(context.Background(), srv.URL, "/slow", &Request{Service: "room", Method: http.MethodGet})
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Contains(t, decodeDetail(t, resp), "room")
	})

	t.Run("接続できない場合は503を返すこと", func(t *testing.T) {
		t.Parallel()

		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		f := newTestForwarder(t, time.Second)
		resp := f.Forward(context.Background(), "http://"+addr, "/x", &Request{Service: "room", Method: http.MethodGet})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "サービス room に接続できません", decodeDetail(t, resp))
	})

	t.Run("リダイレクトは追従せずそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		srv, _ := newEchoBackend(t, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		})
		f := newTestForwarder(t, time.Second)

		resp := f.Forward(context.Background(), srv.URL, "/old", &Request{Service: "room", Method: http.MethodGet})
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
	})
}

// TestDocsForwarder はドキュメント転送を検証する。
func TestDocsForwarder(t *testing.T) {
	t.Parallel()

	t.Run("リダイレクトを追従しAccept-Encodingがidentityになること", func(t *testing.T) {
		t.Parallel()

		gotEncoding := make(chan string, 1)
		mux := http.NewServeMux()
		mux.HandleFunc("/docs", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/docs/", http.StatusMovedPermanently)
		})
		mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
			gotEncoding <- r.Header.Get("Accept-Encoding")
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>docs</html>"))
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		d := NewDocsForwarder(time.Second, config.NewNopLogger())
		t.Cleanup(d.Close)

		req := &Request{
			Service: "course",
			Method:  http.MethodGet,
			Header:  http.Header{"Accept-Encoding": {"gzip, br"}},
		}
		resp := d.Forward(context.Background(), srv.URL, "/docs", req)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "<html>docs</html>", string(resp.Body))
		assert.Equal(t, "identity", <-gotEncoding)
	})

	t.Run("取得に失敗した場合は503を返すこと", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		base := srv.URL
		srv.Close()

		d := NewDocsForwarder(time.Second, config.NewNopLogger())
		resp := d.Forward(context.Background(), base, "/docs", &Request{Service: "course", Method: http.MethodGet})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Contains(t, decodeDetail(t, resp), "course")
	})
}

// TestResponse_Write はGinへの書き戻しを検証する。
func TestResponse_Write(t *testing.T) {
	t.Parallel()

	t.Run("ステータスとヘッダーとボディが書き込まれること", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		resp := &Response{
			StatusCode: http.StatusAccepted,
			Header: http.Header{
				"Content-Type":   {"text/plain"},
				"Content-Length": {"1"},
				"X-Trace":        {"a", "b"},
			},
			Body: []byte("accepted"),
		}
		resp.Write(c)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
		assert.Equal(t, []string{"a", "b"}, w.Header().Values("X-Trace"))
		assert.Equal(t, "accepted", w.Body.String())
	})

	t.Run("NewRequestがボディとクエリを取り込むこと", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodPut, "/api/v1/room/rooms/1?z=9", strings.NewReader("payload"))
		r.Header.Set("X-Custom", "1")

		req, err := NewRequest(r, "room")
		require.NoError(t, err)
		assert.Equal(t, "room", req.Service)
		assert.Equal(t, http.MethodPut, req.Method)
		assert.Equal(t, "z=9", req.RawQuery)
		assert.Equal(t, "1", req.Header.Get("X-Custom"))
		assert.Equal(t, []byte("payload"), req.Body)
	})
}
