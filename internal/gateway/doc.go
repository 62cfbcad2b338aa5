// Package gateway はAPI Gatewayのサーバーとルーティングを提供する。
//
// 全てのクライアントトラフィックを受け付け、Bearerトークンの検証、
// 転送先サービスの死活確認を行ったうえでバックエンドサービスへ転送する。
// 共有リソース（接続プール、ヘルスキャッシュ、トークンキャッシュ、失効ストア）は
// Serverが所有し、各ハンドラに明示的に渡す。
package gateway
