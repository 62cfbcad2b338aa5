package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger はGateway内で使用するログインターフェース。
// テストではNewNopLoggerを渡して出力を抑止する。
type Logger interface {
	Debug(msg string, fields ...zapcore.Field)
	Info(msg string, fields ...zapcore.Field)
	Warn(msg string, fields ...zapcore.Field)
	Error(msg string, fields ...zapcore.Field)
	Fatal(msg string, fields ...zapcore.Field)
	With(fields ...zapcore.Field) Logger
	Sync() error
}

// ZapLogger はzapによるLoggerの実装。
type ZapLogger struct {
	logger *zap.Logger
}

// NewLogger はログ設定からLoggerを生成する。
func NewLogger(cfg LogConfig) (Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("ログレベル %q の解析に失敗: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの生成に失敗: %w", err)
	}
	return &ZapLogger{logger: l}, nil
}

// NewNopLogger は何も出力しないLoggerを返す。
func NewNopLogger() Logger {
	return &ZapLogger{logger: zap.NewNop()}
}

// WrapZap は既存のzap.LoggerをLoggerとして扱う。
func WrapZap(l *zap.Logger) Logger {
	return &ZapLogger{logger: l}
}

// Debug はDebugレベルのログを出力する。
func (l *ZapLogger) Debug(msg string, fields ...zapcore.Field) {
	l.logger.Debug(msg, fields...)
}

// Info はInfoレベルのログを出力する。
func (l *ZapLogger) Info(msg string, fields ...zapcore.Field) {
	l.logger.Info(msg, fields...)
}

// Warn はWarnレベルのログを出力する。
func (l *ZapLogger) Warn(msg string, fields ...zapcore.Field) {
	l.logger.Warn(msg, fields...)
}

// Error はErrorレベルのログを出力する。
func (l *ZapLogger) Error(msg string, fields ...zapcore.Field) {
	l.logger.Error(msg, fields...)
}

// Fatal はFatalレベルのログを出力してプロセスを終了する。
func (l *ZapLogger) Fatal(msg string, fields ...zapcore.Field) {
	l.logger.Fatal(msg, fields...)
}

// With は共通フィールドを付与した子Loggerを返す。
func (l *ZapLogger) With(fields ...zapcore.Field) Logger {
	return &ZapLogger{logger: l.logger.With(fields...)}
}

// Sync はバッファ済みのログを書き出す。
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
