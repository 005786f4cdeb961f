package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS はブラウザのフロントエンドからゲートウェイへのクロスオリジン
// アクセスを許可するGinミドルウェアを返す。
//
// 許可されたオリジンにのみAccess-Control-Allow-Originを返す。
// プリフライトは許可オリジンなら204で応答し、許可されていない
// オリジンならゲートウェイ共通のレスポンス封筒で403を返す。
// 実リクエストはCORSヘッダーを付けずに通し、遮断はブラウザに任せる。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			// 同一オリジンまたはブラウザ以外のクライアント
			c.Next()
			return
		}

		// キャッシュがオリジンをまたいで応答を使い回さないようにする
		c.Header("Vary", "Origin")

		if _, ok := allowed[origin]; !ok {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"success": false,
					"message": "このオリジンからのアクセスは許可されていません",
				})
				return
			}
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
