// Package middleware はゲートウェイのGinベースHTTP APIで使用する
// 共通ミドルウェアを提供する。
//
// 認証ゲート（トークン検証＋セッション生存確認の二段階チェック）、
// パニックリカバリ、CORS設定を含む。認証ゲートはルーティングより
// 前に適用され、失敗したリクエストは上流サービスに一切到達しない。
package middleware
