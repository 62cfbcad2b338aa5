// Package config はGatewayの設定読み込みとロガー生成を提供する。
//
// 設定はデフォルト値、YAMLファイル、環境変数（GATEWAY_ 接頭辞）の順に
// 上書きされ、起動時に一度だけ読み込まれる。
package config

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix は環境変数の接頭辞。server.port は GATEWAY_SERVER_PORT で上書きできる。
const envPrefix = "GATEWAY"

// 認証モード。
const (
	// AuthModeRemote は認証サービスの /verify-token を呼び出して検証する。
	AuthModeRemote = "remote"
	// AuthModeLocal は共有鍵または公開鍵でJWTをローカル検証する。
	AuthModeLocal = "local"
)

// Config はGateway全体の設定。
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Client   ClientConfig            `mapstructure:"client"`
	Proxy    ProxyConfig             `mapstructure:"proxy"`
	Docs     DocsConfig              `mapstructure:"docs"`
	Health   HealthConfig            `mapstructure:"health"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Services map[string]ServiceRoute `mapstructure:"services"`
	Log      LogConfig               `mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// ClientConfig は共有HTTPクライアントプールの設定。
type ClientConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	MaxKeepAlive   int           `mapstructure:"max_keepalive"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ProxyConfig はリクエスト転送の設定。
type ProxyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// DocsConfig はドキュメント転送の設定。
type DocsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HealthConfig はヘルスキャッシュとプローブの設定。
type HealthConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
}

// AuthConfig はトークン検証の設定。
type AuthConfig struct {
	// Mode は "remote" または "local"。
	Mode string `mapstructure:"mode"`
	// Service は検証を依頼する認証サービスのルート名。
	Service    string        `mapstructure:"service"`
	VerifyPath string        `mapstructure:"verify_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	// Secret はHS系アルゴリズムの共有鍵。
	Secret string `mapstructure:"secret"`
	// PublicKey はRS/ES系アルゴリズムのPEM形式公開鍵。
	PublicKey  string           `mapstructure:"public_key"`
	Algorithm  string           `mapstructure:"algorithm"`
	LogoutPath string           `mapstructure:"logout_path"`
	Revocation RevocationConfig `mapstructure:"revocation"`
}

// RevocationConfig はログアウト済みトークンの失効ストアの設定。
type RevocationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	// TTL は有効期限を読み取れないトークンを失効扱いにしておく期間。
	TTL time.Duration `mapstructure:"ttl"`
	// PurgeInterval は期限切れレコードを削除する間隔。
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// ServiceRoute はバックエンドサービス1つ分のルーティング設定。
// 起動時に読み込まれ、プロセスの生存期間中は変更されない。
type ServiceRoute struct {
	Name           string `mapstructure:"-"`
	BaseURL        string `mapstructure:"base_url"`
	HealthEndpoint string `mapstructure:"health_endpoint"`
	// PathPrefix は転送先パスの先頭に付与する。
	PathPrefix  string `mapstructure:"path_prefix"`
	RequireAuth bool   `mapstructure:"require_auth"`
	// Critical はダウン時に集約ヘルスを "critical" にするサービスを表す。
	Critical bool `mapstructure:"critical"`
}

// LogConfig はログ設定。
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// defaultServices は設定ファイルが無い場合のバックエンドサービス一覧。
var defaultServices = map[string]ServiceRoute{
	"auth":        {BaseURL: "http://localhost:8001", PathPrefix: "/auth", Critical: true},
	"course":      {BaseURL: "http://localhost:8002", PathPrefix: "/courses", RequireAuth: true, Critical: true},
	"room":        {BaseURL: "http://localhost:8003", PathPrefix: "/rooms", RequireAuth: true},
	"achievement": {BaseURL: "http://localhost:8004", PathPrefix: "/achievements", RequireAuth: true},
	"competition": {BaseURL: "http://localhost:8005", PathPrefix: "/competitions", RequireAuth: true},
}

// Load はファイルと環境変数から設定を読み込む。
// configPath が空の場合は既定の検索パスから gateway.yaml を探す。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/campus")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults は全設定キーのデフォルト値を登録する。
// 登録済みのキーのみ環境変数で上書きできるため、サービスごとのキーもここで登録する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("client.max_connections", 100)
	v.SetDefault("client.max_keepalive", 20)
	v.SetDefault("client.timeout", defaultClientTimeout().String())

	v.SetDefault("proxy.timeout", "10s")
	v.SetDefault("docs.timeout", "10s")

	v.SetDefault("health.ttl", "30s")
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.max_attempts", 2)
	v.SetDefault("health.base_delay", "100ms")

	v.SetDefault("auth.mode", AuthModeRemote)
	v.SetDefault("auth.service", "auth")
	v.SetDefault("auth.verify_path", "/verify-token")
	v.SetDefault("auth.timeout", "3s")
	v.SetDefault("auth.token_ttl", "60s")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.logout_path", "/logout")
	v.SetDefault("auth.revocation.enabled", true)
	v.SetDefault("auth.revocation.dsn", "file:gateway.db?_pragma=busy_timeout(5000)")
	v.SetDefault("auth.revocation.ttl", "24h")
	v.SetDefault("auth.revocation.purge_interval", "10m")

	for name, route := range defaultServices {
		prefix := "services." + name + "."
		v.SetDefault(prefix+"base_url", route.BaseURL)
		v.SetDefault(prefix+"health_endpoint", "/health")
		v.SetDefault(prefix+"path_prefix", route.PathPrefix)
		v.SetDefault(prefix+"require_auth", route.RequireAuth)
		v.SetDefault(prefix+"critical", route.Critical)
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// defaultClientTimeout はプラットフォームごとの既定タイムアウトを返す。
// WindowsはTCPハンドシェイクが遅い環境があるため長めに取る。
func defaultClientTimeout() time.Duration {
	if runtime.GOOS == "windows" {
		return 30 * time.Second
	}
	return 10 * time.Second
}

// Normalize はマップのキーをルート名として各ServiceRouteに設定する。
// Loadを経由せずに組み立てた設定にも適用できる。冪等。
func (c *Config) Normalize() {
	for name, route := range c.Services {
		route.Name = name
		if route.HealthEndpoint == "" {
			route.HealthEndpoint = "/health"
		}
		c.Services[name] = route
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
}

// Validate は設定の整合性を検証する。
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return errors.New("services が1つも設定されていません")
	}
	for _, name := range c.ServiceNames() {
		if strings.TrimSpace(c.Services[name].BaseURL) == "" {
			return fmt.Errorf("サービス %q の base_url が設定されていません", name)
		}
	}

	switch c.Auth.Mode {
	case AuthModeRemote:
		if _, ok := c.Services[c.Auth.Service]; !ok {
			return fmt.Errorf("認証サービス %q がservicesに存在しません", c.Auth.Service)
		}
	case AuthModeLocal:
		if c.Auth.Secret == "" && c.Auth.PublicKey == "" {
			return errors.New("auth.mode=local には auth.secret または auth.public_key が必要です")
		}
	default:
		return fmt.Errorf("auth.mode %q は不正です（remote または local）", c.Auth.Mode)
	}

	if c.Health.MaxAttempts < 1 {
		return fmt.Errorf("health.max_attempts は1以上である必要があります: %d", c.Health.MaxAttempts)
	}
	return nil
}

// ServiceNames はサービス名を辞書順で返す。
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route は名前に対応するServiceRouteを返す。
func (c *Config) Route(name string) (ServiceRoute, bool) {
	route, ok := c.Services[name]
	return route, ok
}
