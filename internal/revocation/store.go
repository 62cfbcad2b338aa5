package revocation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/campus/pkg/migration"
	// SQLiteドライバ
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Store は失効済みトークンのハッシュを保持するSQLiteストア。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open はdsnのSQLiteデータベースを開き、スキーマを適用したStoreを返す。
// ":memory:" を渡すとプロセス内のみのストアになる。
func Open(dsn string, logger migration.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("失効ストアの接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続を1本に制限する
	db.SetMaxOpenConns(1)

	if err := migration.Run(db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("失効ストアのスキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// HashToken はトークンを保存用のSHA-256ハッシュ(16進数)に変換する。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Revoke はトークンをexpiresAtまで失効扱いにする。
// 既に失効済みの場合は有効期限を延長する方向にのみ更新する。
func (s *Store) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return errors.New("空のトークンは失効できません")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (token_hash, expires_at, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET
			expires_at = MAX(expires_at, excluded.expires_at)
	`, HashToken(token), expiresAt.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("トークンの失効記録に失敗: %w", err)
	}
	return nil
}

// IsRevoked はトークンが現在失効中かどうかを返す。
func (s *Store) IsRevoked(ctx context.Context, token string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM revoked_tokens WHERE token_hash = ?`,
		HashToken(token),
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("失効状態の取得に失敗: %w", err)
	}
	return s.now().UnixMilli() < expiresAt, nil
}

// Purge は有効期限を過ぎたレコードを削除し、削除件数を返す。
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("期限切れレコードの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Ping はデータベース接続を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}
