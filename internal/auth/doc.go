// Package auth はGatewayのBearerトークン検証を提供する。
//
// 認証サービスへの問い合わせ(remote)とJWTの署名検証(local)の2つの戦略を持ち、
// 検証に成功した結果のみをトークン文字列をキーとして一定時間キャッシュする。
// remote戦略で通信エラーが発生した場合はlocal戦略にフォールバックする。
package auth
