package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/pkg/httpclient"
	"github.com/nao1215/campus/pkg/metrics"
	"github.com/nao1215/campus/pkg/middleware"
)

// RevocationStore はログアウト済みトークンの失効状態を保持する。
type RevocationStore interface {
	Revoke(ctx context.Context, token string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Verifier はmiddleware.TokenVerifierの実装。
type Verifier struct {
	mode          string
	verifyURL     string
	timeout       time.Duration
	revocationTTL time.Duration

	pool    *httpclient.Pool
	local   *localVerifier
	cache   *tokenCache
	group   singleflight.Group
	store   RevocationStore
	metrics *metrics.Metrics
	logger  config.Logger
	now     func() time.Time
}

var _ middleware.TokenVerifier = (*Verifier)(nil)

// errTransport は認証サービスとの通信自体が失敗したことを示す。
var errTransport = errors.New("認証サービスとの通信に失敗")

// NewVerifier は設定に従ってVerifierを生成する。
// verifyURLはremoteモードの問い合わせ先で、localモードでは使用しない。
// storeがnilの場合、失効はキャッシュからの削除のみとなる。
func NewVerifier(
	cfg config.AuthConfig,
	verifyURL string,
	pool *httpclient.Pool,
	store RevocationStore,
	m *metrics.Metrics,
	logger config.Logger,
) (*Verifier, error) {
	v := &Verifier{
		mode:          cfg.Mode,
		verifyURL:     verifyURL,
		timeout:       cfg.Timeout,
		revocationTTL: cfg.Revocation.TTL,
		pool:          pool,
		store:         store,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
	v.cache = newTokenCache(cfg.TokenTTL, func() time.Time { return v.now() })

	hasKey := cfg.Secret != "" || cfg.PublicKey != ""
	switch cfg.Mode {
	case config.AuthModeLocal:
		local, err := newLocalVerifier(cfg.Algorithm, cfg.Secret, cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("ローカル検証の初期化に失敗: %w", err)
		}
		v.local = local
	case config.AuthModeRemote:
		if verifyURL == "" {
			return nil, errors.New("remoteモードには検証URLが必要です")
		}
		if pool == nil {
			return nil, errors.New("remoteモードにはHTTPクライアントプールが必要です")
		}
		// 鍵が設定されている場合のみ通信障害時のフォールバックが有効になる
		if hasKey {
			local, err := newLocalVerifier(cfg.Algorithm, cfg.Secret, cfg.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("フォールバック用ローカル検証の初期化に失敗: %w", err)
			}
			v.local = local
		}
	default:
		return nil, fmt.Errorf("未対応の認証モードです: %s", cfg.Mode)
	}
	return v, nil
}

// Verify はトークンを検証してクレームを返す。
// 不正なトークン、失効済みトークン、検証不能な場合はnilを返す。
func (v *Verifier) Verify(ctx context.Context, token string) *middleware.UserClaims {
	if token == "" {
		return nil
	}

	if v.revoked(ctx, token) {
		v.metrics.ObserveVerification(metrics.VerifyRevoked)
		return nil
	}

	if claims, ok := v.cache.get(token); ok {
		v.metrics.ObserveVerification(metrics.VerifyCache)
		return claims
	}

	var (
		claims *middleware.UserClaims
		source string
	)
	switch v.mode {
	case config.AuthModeLocal:
		claims, source = v.verifyLocal(token), metrics.VerifyLocal
	default:
		var err error
		claims, err = v.verifyRemote(ctx, token)
		source = metrics.VerifyRemote
		if errors.Is(err, errTransport) {
			v.logger.Warn("認証サービスに到達できないためローカル検証にフォールバックします",
				zap.String("url", v.verifyURL),
				zap.Error(err))
			claims, source = v.verifyLocal(token), metrics.VerifyFallback
		}
	}

	if claims == nil {
		v.metrics.ObserveVerification(metrics.VerifyRejected)
		return nil
	}
	v.cache.put(token, claims)
	v.metrics.ObserveVerification(source)
	return claims
}

// Revoke はトークンをキャッシュから取り除き、失効ストアに記録する。
// 失効期限はトークンのexpクレーム、無い場合は設定された失効TTLとなる。
func (v *Verifier) Revoke(ctx context.Context, token string) error {
	v.cache.delete(token)
	if v.store == nil || token == "" {
		return nil
	}
	if err := v.store.Revoke(ctx, token, v.revocationExpiry(token)); err != nil {
		return fmt.Errorf("トークンの失効に失敗: %w", err)
	}
	return nil
}

func (v *Verifier) revoked(ctx context.Context, token string) bool {
	if v.store == nil {
		return false
	}
	revoked, err := v.store.IsRevoked(ctx, token)
	if err != nil {
		// ストア障害時は失効済みとみなさず、キャッシュの削除のみで防ぐ
		v.logger.Warn("失効ストアの参照に失敗", zap.Error(err))
		return false
	}
	return revoked
}

func (v *Verifier) revocationExpiry(token string) time.Time {
	fallback := v.now().Add(v.revocationTTL)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fallback
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.After(v.now()) {
		return fallback
	}
	return exp.Time
}

func (v *Verifier) verifyLocal(token string) *middleware.UserClaims {
	if v.local == nil {
		return nil
	}
	claims, err := v.local.verify(token)
	if err != nil {
		v.logger.Debug("トークンのローカル検証に失敗", zap.Error(err))
		return nil
	}
	return claims
}

// verifyRemote は認証サービスに問い合わせる。
// 同じトークンの同時問い合わせは1回にまとめる。
// 200以外の応答は拒否としてnilを返し、通信障害のみerrTransportを返す。
func (v *Verifier) verifyRemote(ctx context.Context, token string) (*middleware.UserClaims, error) {
	result, err, _ := v.group.Do(token, func() (any, error) {
		// 呼び出し元の1つがキャンセルされても他の待機者に影響させない
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()
		return v.callVerifyEndpoint(callCtx, token)
	})
	if err != nil {
		return nil, err
	}
	claims, _ := result.(*middleware.UserClaims)
	return claims, nil
}

func (v *Verifier) callVerifyEndpoint(ctx context.Context, token string) (*middleware.UserClaims, error) {
	resp, err := v.pool.DoJSON(ctx, http.MethodPost, v.verifyURL, map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = httpclient.DecodeJSON(resp, nil)
		v.logger.Debug("認証サービスがトークンを拒否しました", zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	// nullはclaimsをnilのまま残す
	var claims *middleware.UserClaims
	if err := httpclient.DecodeJSON(resp, &claims); err != nil {
		v.logger.Warn("認証サービスのレスポンスを解釈できません", zap.Error(err))
		return nil, nil
	}
	if claims == nil || claims.ID == "" {
		v.logger.Warn("認証サービスのレスポンスにユーザーIDが含まれていません")
		return nil, nil
	}
	return claims, nil
}
