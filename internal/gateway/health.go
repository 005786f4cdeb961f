package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealth は単純な生存確認を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}

// handleHealthDetailed は依存先ごとの状態を含む詳細な生存確認を返す
// ハンドラを返す。セッションストアとユーザーディレクトリを実際に
// 疎通確認し、どちらかが落ちていれば503を返す。
func (s *Server) handleHealthDetailed() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy := true

		redisStatus := "ok"
		if err := s.redis.Ping(c.Request.Context()).Err(); err != nil {
			redisStatus = "unavailable"
			healthy = false
		}

		dbStatus := "ok"
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			dbStatus = "unavailable"
			healthy = false
		}

		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}

		c.JSON(status, gin.H{
			"status":  overall,
			"service": "gateway",
			"dependencies": gin.H{
				"session_store":  redisStatus,
				"user_directory": dbStatus,
			},
		})
	}
}

// handleDocs は公開ルートの一覧をJSONで返すハンドラを返す。
func (s *Server) handleDocs() gin.HandlerFunc {
	return func(c *gin.Context) {
		proxyRoutes := make([]gin.H, 0, len(s.routes.proxyRoutes))
		for _, route := range s.routes.proxyRoutes {
			proxyRoutes = append(proxyRoutes, gin.H{
				"prefix":  route.Prefix,
				"service": route.Service,
			})
		}
		socketRoutes := make([]gin.H, 0, len(s.routes.socketRoutes))
		for _, route := range s.routes.socketRoutes {
			socketRoutes = append(socketRoutes, gin.H{
				"prefix":  route.Prefix,
				"service": route.Service,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"service": "gateway",
			"auth_endpoints": []string{
				"POST /auth/login",
				"POST /auth/refresh",
				"POST /auth/logout",
				"POST /auth/logout-all",
				"GET /auth/me",
				"GET /auth/sessions",
				"GET /auth/verify",
			},
			"proxy_routes":  proxyRoutes,
			"socket_routes": socketRoutes,
		})
	}
}
