// Package gateway はAPIゲートウェイサービスの内部実装を提供する。
//
// 全ての外部リクエストの入口であり、セキュリティの境界線として機能する。
// 署名付きトークンとサーバー側セッションの二段階認証を通過したリクエストを、
// ルートテーブルに従って上流サービスへHTTPプロキシまたはWebSocket中継で
// 転送する。認証エンドポイントとヘルスチェックのみをゲートウェイ自身が
// 処理し、業務ロジックは一切持たない。
package gateway
