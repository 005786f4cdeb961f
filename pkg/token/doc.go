// Package token は署名付きアクセストークンの発行と検証を提供する。
//
// トークンにはユーザーID・法人ID・ロールに加えてセッションIDを埋め込む。
// トークンの署名が正しいことはセッションが生きていることを意味しない点に
// 注意。認可の最終判断はセッションストアの存在確認と組み合わせて行う。
package token
