package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoad は設定の読み込み順序と既定値を検証する。
func TestLoad(t *testing.T) {
	t.Run("設定ファイルが無い場合は既定値で読み込まれること", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Health.TTL)
		assert.Equal(t, 2*time.Second, cfg.Health.ProbeTimeout)
		assert.Equal(t, 2, cfg.Health.MaxAttempts)
		assert.Equal(t, 60*time.Second, cfg.Auth.TokenTTL)
		assert.Equal(t, 3*time.Second, cfg.Auth.Timeout)
		assert.Equal(t, AuthModeRemote, cfg.Auth.Mode)
		assert.Equal(t, defaultClientTimeout(), cfg.Client.Timeout)
		assert.Equal(t, []string{"achievement", "auth", "competition", "course", "room"}, cfg.ServiceNames())

		course, ok := cfg.Route("course")
		require.True(t, ok)
		assert.Equal(t, "course", course.Name)
		assert.Equal(t, "/health", course.HealthEndpoint)
		assert.Equal(t, "/courses", course.PathPrefix)
		assert.True(t, course.RequireAuth)
		assert.True(t, course.Critical)
	})

	t.Run("YAMLの値が既定値を上書きすること", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: "9000"
health:
  ttl: 5s
auth:
  mode: LOCAL
  secret: s3cret
services:
  library:
    base_url: http://library:9100
    health_endpoint: /status
    path_prefix: /books
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "9000", cfg.Server.Port)
		assert.Equal(t, 5*time.Second, cfg.Health.TTL)
		assert.Equal(t, AuthModeLocal, cfg.Auth.Mode)

		library, ok := cfg.Route("library")
		require.True(t, ok)
		assert.Equal(t, "library", library.Name)
		assert.Equal(t, "/status", library.HealthEndpoint)
		assert.Equal(t, "/books", library.PathPrefix)
	})

	t.Run("環境変数がYAMLより優先されること", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: "9000"
`)
		t.Setenv("GATEWAY_SERVER_PORT", "9100")
		t.Setenv("GATEWAY_SERVICES_ROOM_BASE_URL", "http://room.internal:8003")
		t.Setenv("GATEWAY_HEALTH_BASE_DELAY", "250ms")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "9100", cfg.Server.Port)
		assert.Equal(t, 250*time.Millisecond, cfg.Health.BaseDelay)
		room, _ := cfg.Route("room")
		assert.Equal(t, "http://room.internal:8003", room.BaseURL)
	})

	t.Run("不正なYAMLはエラーになること", func(t *testing.T) {
		path := writeConfig(t, "server: [unclosed")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("存在しない設定ファイルを指定した場合はエラーになること", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

// TestValidate は設定の整合性チェックを検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Health: HealthConfig{MaxAttempts: 2},
			Auth:   AuthConfig{Mode: AuthModeRemote, Service: "auth"},
			Services: map[string]ServiceRoute{
				"auth": {BaseURL: "http://localhost:8001"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "正しい設定はエラーにならないこと", mutate: func(*Config) {}},
		{name: "サービスが無い場合はエラーになること", mutate: func(c *Config) { c.Services = nil }, wantErr: true},
		{
			name:    "base_urlが空の場合はエラーになること",
			mutate:  func(c *Config) { c.Services["room"] = ServiceRoute{} },
			wantErr: true,
		},
		{
			name:    "認証サービスが存在しない場合はエラーになること",
			mutate:  func(c *Config) { c.Auth.Service = "sso" },
			wantErr: true,
		},
		{
			name:    "localモードで鍵が無い場合はエラーになること",
			mutate:  func(c *Config) { c.Auth.Mode = AuthModeLocal },
			wantErr: true,
		},
		{
			name:   "localモードで公開鍵があればエラーにならないこと",
			mutate: func(c *Config) { c.Auth.Mode = AuthModeLocal; c.Auth.PublicKey = "pem" },
		},
		{name: "未知のモードはエラーになること", mutate: func(c *Config) { c.Auth.Mode = "saml" }, wantErr: true},
		{name: "max_attemptsが0の場合はエラーになること", mutate: func(c *Config) { c.Health.MaxAttempts = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
