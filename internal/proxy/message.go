package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// Request は転送元のリクエストから取り出した転送対象。
type Request struct {
	// Service はメトリクスとログに使用するサービス名。
	Service string
	Method  string
	// RawQuery は受信したクエリ文字列。マージが不要な場合はそのまま転送する。
	RawQuery string
	Header   http.Header
	Body     []byte
}

// NewRequest は受信したリクエストからRequestを生成する。ボディは全て読み込む。
func NewRequest(r *http.Request, service string) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディの読み込みに失敗: %w", err)
		}
		body = b
	}
	return &Request{
		Service:  service,
		Method:   r.Method,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}, nil
}

// Response は転送先から受け取った、または転送失敗時に生成したレスポンス。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// 転送元へ書き戻さないヘッダー。長さと転送方式はGin側で再計算される。
var skipResponseHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// Write はレスポンスをそのままGinのレスポンスとして書き込む。
// Content-Typeは転送先の値を明示的に設定し、転送先に無い場合は設定しない。
func (r *Response) Write(c *gin.Context) {
	for key, values := range r.Header {
		if _, skip := skipResponseHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		c.Status(r.StatusCode)
		_, _ = c.Writer.Write(r.Body)
		return
	}
	c.Data(r.StatusCode, contentType, r.Body)
}

// ErrorResponse は {"detail": ...} 形式のエラーレスポンスを生成する。
func ErrorResponse(status int, detail string) *Response {
	body, _ := json.Marshal(map[string]string{"detail": detail})
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: header, Body: body}
}

// TargetURL は転送先のURLを組み立てる。
// pathに埋め込まれたクエリとrawQueryの両方がある場合のみマージし、キーが重複した場合はpath側を優先する。
// 片方だけの場合は順序や値の無いキーを保つため元の文字列をそのまま使う。
func TargetURL(baseURL, path, rawQuery string) string {
	route, embedded, _ := strings.Cut(path, "?")
	target := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(route, "/")

	switch {
	case embedded == "" && rawQuery == "":
		return target
	case embedded == "":
		return target + "?" + rawQuery
	case rawQuery == "":
		return target + "?" + embedded
	}

	// 不正な部分は無視し、解釈できた値のみ使う
	merged, _ := url.ParseQuery(rawQuery)
	override, _ := url.ParseQuery(embedded)
	for k, v := range override {
		merged[k] = v
	}
	if len(merged) == 0 {
		return target
	}
	return target + "?" + merged.Encode()
}

// outboundHeader はHostとContent-Lengthを除いたヘッダーの複製を返す。
func outboundHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del("Host")
	out.Del("Content-Length")
	return out
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(body)
}
