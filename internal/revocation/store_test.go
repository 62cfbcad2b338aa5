package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestStore はインメモリの失効ストアと操作可能な時計を返す。
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	store, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, &now
}

// TestStore は失効ストアの記録と照会を検証する。
func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("失効したトークンが有効期限まで失効中と判定されること", func(t *testing.T) {
		t.Parallel()

		store, now := newTestStore(t)
		require.NoError(t, store.Revoke(ctx, "token-a", now.Add(time.Minute)))

		revoked, err := store.IsRevoked(ctx, "token-a")
		require.NoError(t, err)
		assert.True(t, revoked)

		*now = now.Add(time.Minute)
		revoked, err = store.IsRevoked(ctx, "token-a")
		require.NoError(t, err)
		assert.False(t, revoked, "有効期限を過ぎたら失効扱いしない")
	})

	t.Run("未登録のトークンは失効していないこと", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		revoked, err := store.IsRevoked(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("トークンは平文で保存されないこと", func(t *testing.T) {
		t.Parallel()

		store, now := newTestStore(t)
		require.NoError(t, store.Revoke(ctx, "secret-token", now.Add(time.Hour)))

		var hash string
		require.NoError(t, store.db.QueryRow(`SELECT token_hash FROM revoked_tokens`).Scan(&hash))
		assert.Equal(t, HashToken("secret-token"), hash)
		assert.NotContains(t, hash, "secret-token")
		assert.Len(t, hash, 64)
	})

	t.Run("再失効で有効期限が短縮されないこと", func(t *testing.T) {
		t.Parallel()

		store, now := newTestStore(t)
		require.NoError(t, store.Revoke(ctx, "token-b", now.Add(time.Hour)))
		require.NoError(t, store.Revoke(ctx, "token-b", now.Add(time.Minute)))

		*now = now.Add(30 * time.Minute)
		revoked, err := store.IsRevoked(ctx, "token-b")
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("空のトークンはエラーになること", func(t *testing.T) {
		t.Parallel()

		store, now := newTestStore(t)
		assert.Error(t, store.Revoke(ctx, "", now.Add(time.Hour)))
	})

	t.Run("Pingはクローズ後にエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		require.NoError(t, store.Ping(ctx))
		require.NoError(t, store.Close())
		assert.Error(t, store.Ping(ctx))
	})

	t.Run("Purgeで期限切れのレコードのみ削除されること", func(t *testing.T) {
		t.Parallel()

		store, now := newTestStore(t)
		require.NoError(t, store.Revoke(ctx, "short", now.Add(time.Minute)))
		require.NoError(t, store.Revoke(ctx, "long", now.Add(time.Hour)))

		*now = now.Add(2 * time.Minute)
		n, err := store.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		revoked, err := store.IsRevoked(ctx, "long")
		require.NoError(t, err)
		assert.True(t, revoked)
	})
}

// TestPurger はバックグラウンド削除ループの開始と停止を検証する。
func TestPurger(t *testing.T) {
	t.Parallel()

	t.Run("開始後に期限切れレコードが削除されStopで停止すること", func(t *testing.T) {
		t.Parallel()

		store, now := newTestStore(t)
		require.NoError(t, store.Revoke(context.Background(), "expired", now.Add(-time.Second)))

		p := NewPurger(store, 10*time.Millisecond, zap.NewNop())
		p.Start(context.Background())
		p.Start(context.Background())

		assert.Eventually(t, func() bool {
			var count int
			if err := store.db.QueryRow(`SELECT COUNT(*) FROM revoked_tokens`).Scan(&count); err != nil {
				return false
			}
			return count == 0
		}, time.Second, 10*time.Millisecond)

		p.Stop()
		p.Stop()
	})
}
