// Package retry は接続系エラーに限定した指数バックオフ付きリトライを提供する。
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy はリトライ回数と待機時間の設定。
type Policy struct {
	// MaxAttempts は初回を含む最大試行回数。
	MaxAttempts int
	// BaseDelay はバックオフの基準待機時間。
	BaseDelay time.Duration
}

// logger はExecutorが使用するログ出力。config.Loggerを満たす型を渡す。
type logger interface {
	Debug(msg string, fields ...zap.Field)
}

// Executor は接続系エラーに対してのみ操作を再試行する。
type Executor struct {
	logger logger
	// jitter は[0,1)の乱数を返す。テストで差し替える。
	jitter func() float64
}

// NewExecutor はExecutorを生成する。
func NewExecutor(l logger) *Executor {
	return &Executor{logger: l, jitter: rand.Float64}
}

// Backoff は試行attempt（0始まり）の後に待機する時間を返す。
// BaseDelay * 2^attempt * (0.5 + jitter) で、jitterは[0,1)。
func (e *Executor) Backoff(p Policy, attempt int) time.Duration {
	factor := float64(int64(1) << attempt)
	return time.Duration(float64(p.BaseDelay) * factor * (0.5 + e.jitter()))
}

// Run はopを実行し、接続系エラーの場合のみMaxAttemptsまで再試行する。
// それ以外のエラーは即座に返す。全試行が失敗した場合は最後のエラーを返す。
func (e *Executor) Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do は戻り値を持つ操作に対してRunと同じ再試行を行う。
func Do[T any](ctx context.Context, e *Executor, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var zero T
	var lastErr error
	for attempt := range attempts {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsConnectionError(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		delay := e.Backoff(p, attempt)
		e.logger.Debug("接続エラーのため再試行します",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Join(lastErr, err)
		}
	}
	return zero, lastErr
}

// sleep はcontextのキャンセルを考慮してdだけ待機する。
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
