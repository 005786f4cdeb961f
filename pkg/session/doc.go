// Package session はRedis上の共有セッションストアへのクライアントを提供する。
//
// セッションはゲートウェイの複数インスタンス間で共有される。アクセストークンが
// 構造的に有効でも、ここにセッションレコードが存在しなければ認可は成立しない。
// リフレッシュシークレットの対応表はセッション本体より長いTTLを持ち、
// 既存セッションの延命ではなく「置き換え」の発行にのみ使われる。
package session
