package gateway

import (
	"os"
	"strconv"
	"time"
)

// Config はゲートウェイの起動時設定。起動後は変更されない。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// JWTSecret はアクセストークン署名用の共有シークレット。
	JWTSecret string
	// TokenIssuer はアクセストークンのiss（発行者）クレーム値。
	TokenIssuer string
	// TokenAudience はアクセストークンのaud（対象者）クレーム値。
	TokenAudience string
	// AccessLifetime はアクセストークンの有効期間。
	AccessLifetime time.Duration
	// SessionTTL はセッションレコードの有効期間。
	SessionTTL time.Duration
	// RefreshTTL はリフレッシュシークレットの有効期間。SessionTTLより長い。
	RefreshTTL time.Duration
	// RedisAddr はセッションストア用Redisのアドレス。
	RedisAddr string
	// RedisPassword はRedisの認証パスワード。空なら認証なし。
	RedisPassword string
	// DatabasePath はユーザーディレクトリ用SQLiteのパス。
	DatabasePath string
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string
	// SocketPrefix はWebSocket中継対象パスのルート。
	SocketPrefix string
	// InternalPrefix は外部から到達不可能にする内部専用パスのルート。
	InternalPrefix string
	// WSBufferSize はWebSocket中継で使用する読み取りバッファのサイズ。
	WSBufferSize int
	// WSHandshakeTimeout は上流WebSocketへの接続タイムアウト。
	WSHandshakeTimeout time.Duration
	// Services はサービス名から上流エンドポイントへの対応表。
	Services map[string]ServiceEndpoint
	// ProxyRoutes はHTTPプロキシのルートテーブル。宣言順に前方一致で評価される。
	ProxyRoutes []RouteEntry
	// SocketRoutes はWebSocket中継のルートテーブル。宣言順に前方一致で評価される。
	SocketRoutes []RouteEntry
}

// LoadConfig は環境変数からゲートウェイ設定を読み込む。
// 未設定の項目には開発用のデフォルト値を使用する。
func LoadConfig() Config {
	storage := getEnvOr("STORAGE_URL", "http://localhost:8091")
	docman := getEnvOr("DOCMAN_URL", "http://localhost:8092")
	navigation := getEnvOr("NAVIGATION_URL", "http://localhost:8093")
	signature := getEnvOr("SIGNATURE_URL", "http://localhost:8094")
	notification := getEnvOr("NOTIFICATION_URL", "http://localhost:8095")

	upstreamTimeout := getDurationOr("UPSTREAM_TIMEOUT", 60*time.Second)

	return Config{
		Port:               getEnvOr("PORT", "8080"),
		JWTSecret:          getEnvOr("JWT_SECRET", "dev-secret-key"),
		TokenIssuer:        "docport-gateway",
		TokenAudience:      "docport-services",
		AccessLifetime:     getDurationOr("ACCESS_TOKEN_LIFETIME", 30*time.Minute),
		SessionTTL:         getDurationOr("SESSION_TTL", 12*time.Hour),
		RefreshTTL:         getDurationOr("REFRESH_TTL", 7*24*time.Hour),
		RedisAddr:          getEnvOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		DatabasePath:       getEnvOr("DATABASE_PATH", "/data/gateway.db"),
		FrontendURL:        getEnvOr("FRONTEND_URL", "http://localhost:3000"),
		SocketPrefix:       "/socket",
		InternalPrefix:     "/internal",
		WSBufferSize:       getIntOr("WS_BUFFER_SIZE", 4096),
		WSHandshakeTimeout: getDurationOr("WS_HANDSHAKE_TIMEOUT", 30*time.Second),
		Services: map[string]ServiceEndpoint{
			"storage":      {BaseURL: storage, Timeout: upstreamTimeout},
			"docman":       {BaseURL: docman, Timeout: upstreamTimeout},
			"navigation":   {BaseURL: navigation, Timeout: upstreamTimeout},
			"signature":    {BaseURL: signature, Timeout: upstreamTimeout},
			"notification": {BaseURL: notification, Timeout: upstreamTimeout},
		},
		ProxyRoutes: []RouteEntry{
			{Prefix: "/api/storage", Service: "storage"},
			{Prefix: "/api/folders", Service: "docman"},
			{Prefix: "/api/files", Service: "docman"},
			{Prefix: "/api/cases", Service: "docman"},
			{Prefix: "/api/transfers", Service: "docman"},
			{Prefix: "/api/thirdparties", Service: "docman"},
			{Prefix: "/api/navigation", Service: "navigation"},
			{Prefix: "/api/signature", Service: "signature"},
			{Prefix: "/api/certificates", Service: "signature"},
			{Prefix: "/api/otp", Service: "signature"},
		},
		SocketRoutes: []RouteEntry{
			{Prefix: "/socket/notifications", Service: "notification"},
			{Prefix: "/socket/signature", Service: "signature"},
		},
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getDurationOr は環境変数を時間として取得し、未設定・不正な場合は
// デフォルト値を返す。
func getDurationOr(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// getIntOr は環境変数を整数として取得し、未設定・不正な場合は
// デフォルト値を返す。
func getIntOr(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
