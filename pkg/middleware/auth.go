package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserClaims は検証済みトークンから得られるユーザー情報。
// 認証サービスの /verify-token レスポンスとローカル検証の双方でこの形に揃える。
type UserClaims struct {
	// ID はユーザーの一意識別子。
	ID UserID `json:"id"`
	// Username はユーザー名。
	Username string `json:"username"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// IsActive は有効なアカウントかどうか。
	IsActive bool `json:"is_active"`
	// IsAdmin は管理者かどうか。
	IsAdmin bool `json:"is_admin"`
}

// UserID はユーザー識別子。認証サービスによって数値の場合も文字列(UUIDなど)の場合もあるため、
// 形式を解釈せず文字列として保持する。
type UserID string

// UnmarshalJSON はJSONの数値と文字列のどちらもUserIDとして受け付ける。
func (id *UserID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*id = ""
	case string:
		*id = UserID(x)
	case json.Number:
		*id = UserID(x.String())
	default:
		return fmt.Errorf("ユーザーIDは数値または文字列である必要があります: %s", data)
	}
	return nil
}

// TokenVerifier はBearerトークンを検証する。
// 不正なトークンはエラーではなく、nilを返す正常な結果として扱う。
type TokenVerifier interface {
	Verify(ctx context.Context, token string) *UserClaims
}

// コンテキストキー。
const (
	contextKeyClaims = "claims"
	contextKeyToken  = "token"
)

// Authenticate はAuthorizationヘッダーのBearerトークンを検証し、
// 結果のクレームをコンテキストに設定するGinミドルウェアを返す。
// 検証に失敗してもリクエストは中断せず、可否の判断は後段のハンドラに任せる。
func Authenticate(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Next()
			return
		}

		c.Set(contextKeyToken, token)
		if claims := verifier.Verify(c.Request.Context(), token); claims != nil {
			c.Set(contextKeyClaims, claims)
		}
		c.Next()
	}
}

// RequireAuth はクレームが設定されていないリクエストを401で中断するGinミドルウェアを返す。
// Authenticateの後に適用する必要がある。
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetClaims(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "認証が必要です",
			})
			return
		}
		c.Next()
	}
}

// BearerToken は "Bearer <token>" 形式のヘッダー値からトークンを取り出す。
func BearerToken(header string) (string, bool) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// 未認証の場合はnilを返す。
func GetClaims(c *gin.Context) *UserClaims {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*UserClaims)
	return claims
}

// GetToken はAuthenticateが取り出した生のトークンを返す。
func GetToken(c *gin.Context) string {
	return c.GetString(contextKeyToken)
}
