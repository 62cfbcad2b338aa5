package revocation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logger はPurgerのログ出力先。
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

// Purger はバックグラウンドで期限切れの失効レコードを定期削除する。
type Purger struct {
	store    *Store
	interval time.Duration
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPurger は新しいPurgerを生成する。
func NewPurger(store *Store, interval time.Duration, logger Logger) *Purger {
	return &Purger{store: store, interval: interval, logger: logger}
}

// Start は削除ループを開始する。既に開始済みの場合は何もしない。
func (p *Purger) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.store.Purge(ctx)
				if err != nil {
					p.logger.Warn("失効レコードの削除に失敗", zap.Error(err))
					continue
				}
				if n > 0 {
					p.logger.Debug("期限切れの失効レコードを削除しました", zap.Int64("count", n))
				}
			}
		}
	}(p.done)
}

// Stop は削除ループを停止し、終了を待つ。
func (p *Purger) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
