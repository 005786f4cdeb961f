package gateway

import (
	"strings"
	"time"
)

// RouteEntry はパス接頭辞から上流サービス名への対応1件を表す。
type RouteEntry struct {
	// Prefix はマッチ対象のパス接頭辞。大文字小文字を区別しない。
	Prefix string
	// Service は転送先サービスの名前。
	Service string
}

// ServiceEndpoint は上流サービスの接続先情報。起動後は変更されない。
type ServiceEndpoint struct {
	// BaseURL は上流サービスのベースURL（例: "http://docman:8092"）。
	BaseURL string
	// Timeout は上流へのリクエスト全体のタイムアウト。
	Timeout time.Duration
}

// routeTable はパスから処理方法を決定するルートテーブル。
// ローカル処理・HTTPプロキシ・WebSocket中継の3系統と、
// 外部から到達不可能にする内部専用接頭辞を持つ。
type routeTable struct {
	// localPrefixes はゲートウェイ自身が処理するパス接頭辞。
	localPrefixes []string
	// internalPrefix は無条件に404を返す内部専用パスの接頭辞。
	internalPrefix string
	// socketPrefix はWebSocket中継対象パスのルート。
	socketPrefix string
	// proxyRoutes はHTTPプロキシのルート。宣言順に評価される。
	proxyRoutes []RouteEntry
	// socketRoutes はWebSocket中継のルート。宣言順に評価される。
	socketRoutes []RouteEntry
}

// newRouteTable は設定からルートテーブルを構築する。
func newRouteTable(cfg Config) *routeTable {
	return &routeTable{
		localPrefixes:  []string{"/auth", "/health", "/docs"},
		internalPrefix: cfg.InternalPrefix,
		socketPrefix:   cfg.SocketPrefix,
		proxyRoutes:    cfg.ProxyRoutes,
		socketRoutes:   cfg.SocketRoutes,
	}
}

// isInternal は内部専用パスかどうかを返す。
// 内部専用パスは認証状態にかかわらず、他のどの判定よりも先に拒否される。
func (t *routeTable) isInternal(path string) bool {
	return hasPrefixFold(path, t.internalPrefix)
}

// isLocal はゲートウェイ自身が処理するパスかどうかを返す。
// ローカルパスはプロキシされることはない。
func (t *routeTable) isLocal(path string) bool {
	for _, prefix := range t.localPrefixes {
		if hasPrefixFold(path, prefix) {
			return true
		}
	}
	return false
}

// isSocket はWebSocket中継対象のルート配下のパスかどうかを返す。
func (t *routeTable) isSocket(path string) bool {
	return hasPrefixFold(path, t.socketPrefix)
}

// resolve はパスにマッチするHTTPプロキシの転送先サービス名を返す。
// 宣言順に前方一致で評価し、最初にマッチしたエントリが勝つ。
// マッチしない場合はfalseを返し、呼び出し元が404を返す。
func (t *routeTable) resolve(path string) (string, bool) {
	return matchRoute(t.proxyRoutes, path)
}

// resolveSocket はパスにマッチするWebSocket中継の転送先サービス名を返す。
func (t *routeTable) resolveSocket(path string) (string, bool) {
	return matchRoute(t.socketRoutes, path)
}

// matchRoute はルート一覧を宣言順に前方一致で評価する。
func matchRoute(routes []RouteEntry, path string) (string, bool) {
	for _, route := range routes {
		if hasPrefixFold(path, route.Prefix) {
			return route.Service, true
		}
	}
	return "", false
}

// hasPrefixFold は大文字小文字を区別しない前方一致判定。
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
