// Package httpclient はGatewayの外向きHTTP通信で共有する接続プールを提供する。
//
// ヘルスプローブ、トークン検証、リクエスト転送はすべて同じPoolから
// クライアントを取得し、接続を再利用する。
package httpclient
