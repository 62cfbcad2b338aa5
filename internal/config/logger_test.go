package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewLogger はログ設定からのLogger生成を検証する。
func TestNewLogger(t *testing.T) {
	t.Parallel()

	t.Run("有効なレベルでLoggerが生成されること", func(t *testing.T) {
		t.Parallel()

		for _, cfg := range []LogConfig{
			{Level: "debug", Development: true},
			{Level: "warn"},
			{},
		} {
			l, err := NewLogger(cfg)
			require.NoError(t, err)
			assert.NotNil(t, l)
		}
	})

	t.Run("不正なレベルはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := NewLogger(LogConfig{Level: "verbose"})
		assert.Error(t, err)
	})

	t.Run("Withで付与したフィールドが出力に含まれること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.InfoLevel)
		l := WrapZap(zap.New(core)).With(zap.String("component", "gateway"))
		l.Debug("出力されない")
		l.Info("起動", zap.Int("port", 8080))

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "起動", entries[0].Message)
		assert.Equal(t, "gateway", entries[0].ContextMap()["component"])
	})
}
