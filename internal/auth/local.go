package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/campus/pkg/middleware"
)

// localVerifier は共有シークレットまたは公開鍵でJWTを検証する。
type localVerifier struct {
	parser *jwt.Parser
	key    any
}

// newLocalVerifier はアルゴリズムに応じた検証鍵を準備する。
// HS系はsecret、RS/PS/ES/EdDSA系はPEM形式のpublicKeyを使用する。
func newLocalVerifier(algorithm, secret, publicKey string) (*localVerifier, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("未対応の署名アルゴリズムです: %s", algorithm)
	}

	var (
		key any
		err error
	)
	switch {
	case strings.HasPrefix(algorithm, "HS"):
		if secret == "" {
			return nil, errors.New("HS系アルゴリズムにはシークレットが必要です")
		}
		key = []byte(secret)
	case strings.HasPrefix(algorithm, "RS"), strings.HasPrefix(algorithm, "PS"):
		key, err = jwt.ParseRSAPublicKeyFromPEM([]byte(publicKey))
	case strings.HasPrefix(algorithm, "ES"):
		key, err = jwt.ParseECPublicKeyFromPEM([]byte(publicKey))
	case algorithm == "EdDSA":
		key, err = jwt.ParseEdPublicKeyFromPEM([]byte(publicKey))
	default:
		return nil, fmt.Errorf("未対応の署名アルゴリズムです: %s", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("公開鍵の読み込みに失敗: %w", err)
	}

	return &localVerifier{
		parser: jwt.NewParser(jwt.WithValidMethods([]string{method.Alg()})),
		key:    key,
	}, nil
}

// verify はトークンの署名と有効期限を検証してクレームを返す。
func (l *localVerifier) verify(tokenString string) (*middleware.UserClaims, error) {
	claims := jwt.MapClaims{}
	_, err := l.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return l.key, nil
	})
	if err != nil {
		return nil, err
	}
	return claimsFromMap(claims)
}

// claimsFromMap はJWTのクレームをUserClaimsに変換する。
// ユーザーIDは user_id, id, sub の順に探す。
func claimsFromMap(m jwt.MapClaims) (*middleware.UserClaims, error) {
	id, ok := idClaim(m, "user_id", "id", "sub")
	if !ok {
		return nil, errors.New("トークンにユーザーIDが含まれていません")
	}

	uc := &middleware.UserClaims{
		ID:       id,
		Username: stringClaim(m, "username", "sub"),
		Email:    stringClaim(m, "email"),
		IsActive: true,
		IsAdmin:  false,
	}
	if v, ok := m["is_active"].(bool); ok {
		uc.IsActive = v
	}
	if v, ok := m["is_admin"].(bool); ok {
		uc.IsAdmin = v
	}
	return uc, nil
}

// idClaim は数値または空でない文字列のクレームをユーザーIDとして返す。
func idClaim(m jwt.MapClaims, keys ...string) (middleware.UserID, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return middleware.UserID(strconv.FormatFloat(v, 'f', -1, 64)), true
		case json.Number:
			return middleware.UserID(v.String()), true
		case string:
			if v != "" {
				return middleware.UserID(v), true
			}
		}
	}
	return "", false
}

func stringClaim(m jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
