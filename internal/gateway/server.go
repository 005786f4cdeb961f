package gateway

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/docport/gateway/pkg/middleware"
	"github.com/docport/gateway/pkg/session"
	"github.com/docport/gateway/pkg/token"
)

// Server はAPIゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// config は起動時設定。
	config Config
	// db はユーザーディレクトリのSQLite接続。
	db *sql.DB
	// accounts はユーザーディレクトリへのクエリ実行オブジェクト。
	accounts *accountQueries
	// redis はセッションストアのRedisクライアント。
	redis *redis.Client
	// sessions はセッションストアクライアント。
	sessions *session.Store
	// tokens はアクセストークンの発行・検証サービス。
	tokens *token.Service
	// routes はパスから転送先を決定するルートテーブル。
	routes *routeTable
	// proxy はHTTPプロキシエンジン。
	proxy *proxyEngine
	// relay はWebSocket中継。
	relay *wsRelay
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg Config) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := &Server{
		router:   router,
		config:   cfg,
		db:       sqlDB,
		accounts: newAccountQueries(sqlDB),
		redis:    redisClient,
		sessions: session.NewStore(redisClient, cfg.SessionTTL, cfg.RefreshTTL),
		tokens:   token.NewService(cfg.JWTSecret, cfg.TokenIssuer, cfg.TokenAudience, cfg.AccessLifetime),
		routes:   newRouteTable(cfg),
		proxy:    newProxyEngine(cfg.Services),
		relay:    newWSRelay(cfg.Services, cfg.WSBufferSize, cfg.WSHandshakeTimeout),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.config.Port))
}

// setupRoutes はAPIルーティングを設定する。
// ローカルルート（認証・ヘルスチェック・ドキュメント）以外の全パスは
// NoRouteハンドラに集まり、内部パス拒否 → 認証ゲート → ルート解決 →
// プロキシまたは中継、の順で処理される。
func (s *Server) setupRoutes() {
	gate := middleware.AuthGate(s.tokens, s.sessions, s.config.SocketPrefix)

	// 認証エンドポイント。loginとrefreshは未認証で到達できる
	auth := s.router.Group("/auth")
	{
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())

		authed := auth.Group("", gate)
		authed.POST("/logout", s.handleLogout())
		authed.POST("/logout-all", s.handleLogoutAll())
		authed.GET("/me", s.handleMe())
		authed.GET("/sessions", s.handleSessions())
		authed.GET("/verify", s.handleVerify())
	}

	// ヘルスチェックとドキュメント
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/detailed", s.handleHealthDetailed())
	s.router.GET("/docs", s.handleDocs())

	// ローカルルート以外はすべてここを通る
	s.router.NoRoute(s.rejectUnroutable(), gate, s.dispatch())
}

// rejectUnroutable は転送対象になり得ないパスを無条件に404で拒否する
// ハンドラを返す。認証の成否にかかわらず、他のどの処理よりも先に
// 評価される。対象は次の2種類:
//   - 内部専用接頭辞配下のパス
//   - ローカル接頭辞配下の未登録パス（登録済みのローカルルートは
//     NoRouteに到達しないため、ここに来た時点で未登録と確定する）
func (s *Server) rejectUnroutable() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if s.routes.isInternal(path) || s.routes.isLocal(path) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "ルートが見つかりません",
			})
		}
	}
}

// dispatch は認証済みリクエストをルートテーブルに従って
// HTTPプロキシまたはWebSocket中継に振り分けるハンドラを返す。
func (s *Server) dispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if s.routes.isSocket(path) {
			serviceName, ok := s.routes.resolveSocket(path)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{
					"success": false,
					"message": "ルートが見つかりません",
				})
				return
			}
			// プロトコル昇格を要求しないリクエスト（ネゴシエーション呼び出し等）は
			// 通常のHTTPプロキシで転送する
			if websocket.IsWebSocketUpgrade(c.Request) {
				s.relay.relay(c, serviceName)
				return
			}
			s.proxy.forward(c, serviceName)
			return
		}

		serviceName, ok := s.routes.resolve(path)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "ルートが見つかりません",
			})
			return
		}
		s.proxy.forward(c, serviceName)
	}
}
