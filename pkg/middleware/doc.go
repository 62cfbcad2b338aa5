// Package middleware はGatewayで使用するGinミドルウェアを提供する。
//
// Bearerトークンの検証結果をコンテキストに設定する認証ミドルウェア、
// リクエストIDとアクセスログ、パニックリカバリ、CORS設定を含む。
package middleware
