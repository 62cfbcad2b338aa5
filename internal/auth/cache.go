package auth

import (
	"sync"
	"time"

	"github.com/nao1215/campus/pkg/middleware"
)

type cacheEntry struct {
	claims    *middleware.UserClaims
	expiresAt time.Time
}

// tokenCache は検証済みクレームをトークン文字列ごとに保持するTTL付きキャッシュ。
// 期限切れのエントリは参照時に破棄され、返されることはない。
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newTokenCache(ttl time.Duration, now func() time.Time) *tokenCache {
	return &tokenCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

func (c *tokenCache) get(token string) (*middleware.UserClaims, bool) {
	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// 別のゴルーチンが更新していない場合のみ削除する
		if current, ok := c.entries[token]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, token)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.claims, true
}

func (c *tokenCache) put(token string, claims *middleware.UserClaims) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[token] = cacheEntry{claims: claims, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *tokenCache) delete(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
