// Package proxy はバックエンドサービスへのリクエスト転送を提供する。
//
// Forwarderは共有の接続プールを使って業務リクエストを転送し、
// DocsForwarderはAPIドキュメントの取得に専用のクライアントを使う。
// どちらも転送の失敗をエラーとして返さず、{"detail": "..."} 形式のレスポンスに変換する。
package proxy
