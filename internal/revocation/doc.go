// Package revocation はログアウト済みトークンの失効情報をSQLiteに保持する。
//
// トークンそのものは保存せず、SHA-256ハッシュと失効の有効期限のみを記録する。
// 期限を過ぎたレコードは失効扱いされず、Purgerが定期的に削除する。
package revocation
