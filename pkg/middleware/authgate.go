package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docport/gateway/pkg/session"
	"github.com/docport/gateway/pkg/token"
)

// contextKeyIdentity はGinコンテキストに認証済みユーザー情報を格納するキー。
const contextKeyIdentity = "auth_identity"

// touchTimeout は非同期Touchの打ち切り時間。
const touchTimeout = 5 * time.Second

// Identity は認証ゲートを通過したリクエストに付与される認証情報。
type Identity struct {
	// UserID は認証済みユーザーの一意識別子。
	UserID string
	// EntityID はユーザーが属する法人の識別子。
	EntityID string
	// DisplayName はユーザーの表示名。
	DisplayName string
	// SessionID はこのリクエストが属するセッションのID。
	SessionID string
	// Roles はユーザーに付与されたロールの一覧。
	Roles []token.RoleGrant
}

// AuthGate はトークン検証とセッション生存確認の二段階認証を行う
// Ginミドルウェアを返す。
//
// トークンはBearerヘッダーから取り出す。socketPrefix配下のパスに限り、
// クエリパラメータ"token"からの受け取りも許可する（ブラウザは
// WebSocketハンドシェイクにヘッダーを付けられないため）。
//
// トークンが有効でも、クレーム中のセッションIDがストアに存在しなければ
// 401で拒否する。両方を通過した場合のみ認証情報をコンテキストに載せ、
// 最終アクティビティの更新は応答をブロックせず非同期に行う。
func AuthGate(tokens *token.Service, sessions *session.Store, socketPrefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c, socketPrefix)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "認証トークンが必要です",
			})
			return
		}

		claims, err := tokens.Validate(tokenString)
		if err != nil {
			message := "認証トークンが無効です"
			if errors.Is(err, token.ErrTokenExpired) {
				message = "認証トークンの有効期限が切れています"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": message,
			})
			return
		}

		exists, err := sessions.Exists(c.Request.Context(), claims.SessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "セッションの確認に失敗しました",
			})
			return
		}
		if !exists {
			// トークン不正と区別できるメッセージを返す。Touchは呼ばない。
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "セッションが無効または期限切れです。再度ログインしてください",
			})
			return
		}

		c.Set(contextKeyIdentity, Identity{
			UserID:      claims.UserID,
			EntityID:    claims.EntityID,
			DisplayName: claims.DisplayName,
			SessionID:   claims.SessionID,
			Roles:       claims.Roles,
		})

		// 最終アクティビティの更新は応答経路をブロックしない
		go func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
			defer cancel()
			sessions.Touch(ctx, sessionID)
		}(claims.SessionID)

		c.Next()
	}
}

// extractToken はリクエストから認証トークンを取り出す。
// 通常はAuthorizationヘッダーのBearer形式のみを受け付け、
// socketPrefix配下のパスに限りクエリパラメータ"token"も許可する。
// ソケットパスではヘッダーがBearer形式でなくてもクエリパラメータへ
// フォールバックする（中継プロキシが独自ヘッダーを挿入する場合がある）。
func extractToken(c *gin.Context, socketPrefix string) (string, bool) {
	onSocketPath := socketPrefix != "" && hasPrefixFold(c.Request.URL.Path, socketPrefix)

	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if found && tokenString != "" {
			return tokenString, true
		}
		if !onSocketPath {
			return "", false
		}
	}

	if onSocketPath {
		if tokenString := c.Query("token"); tokenString != "" {
			return tokenString, true
		}
	}
	return "", false
}

// hasPrefixFold は大文字小文字を区別しない前方一致判定。
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// GetIdentity はGinコンテキストから認証済みユーザー情報を取得する。
// AuthGateミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}
