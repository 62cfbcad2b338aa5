// Package health はバックエンドサービスの死活監視を提供する。
//
// Cacheは直近のプローブ結果をTTLの間保持し、異常と判定したサービスへの
// リクエストを再プローブせずに遮断する。CheckAllは全サービスを並行して強制プローブし、
// 集約レポートを生成する。
package health
