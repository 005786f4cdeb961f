package gateway

import (
	"errors"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/docport/gateway/pkg/middleware"
	"github.com/docport/gateway/pkg/session"
	"github.com/docport/gateway/pkg/token"
)

// loginRequest はPOST /auth/loginのリクエストボディ。
type loginRequest struct {
	// LoginID はログインID。
	LoginID string `json:"login_id" binding:"required"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required"`
}

// refreshRequest はPOST /auth/refreshのリクエストボディ。
type refreshRequest struct {
	// RefreshToken はログイン・リフレッシュ時に払い出された秘密文字列。
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// handleLogin は資格情報を検証し、新しいセッションとトークンの組を
// 発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "ログインIDとパスワードが必要です",
			})
			return
		}

		account, err := s.accounts.GetByLoginID(c.Request.Context(), req.LoginID)
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "ログインIDまたはパスワードが正しくありません",
			})
			return
		}
		if err != nil {
			log.Printf("アカウント取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "ログイン処理に失敗しました",
			})
			return
		}

		if !account.Active {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "このアカウントは無効化されています",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "ログインIDまたはパスワードが正しくありません",
			})
			return
		}

		roles, err := s.accounts.ListRoleGrants(c.Request.Context(), account.ID)
		if err != nil {
			log.Printf("ロール取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "ログイン処理に失敗しました",
			})
			return
		}

		identity := token.Identity{
			UserID:      account.ID,
			EntityID:    account.EntityID,
			DisplayName: account.DisplayName,
			Roles:       roles,
		}
		sess, err := s.createSession(c, identity)
		if err != nil {
			log.Printf("セッション作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "ログイン処理に失敗しました",
			})
			return
		}

		if err := s.accounts.UpdateLastLogin(c.Request.Context(), account.ID); err != nil {
			// 最終ログイン時刻は参考情報なのでログイン自体は成功させる
			log.Printf("最終ログイン時刻の更新エラー: %v", err)
		}

		c.JSON(http.StatusOK, sessionResponse(sess))
	}
}

// handleRefresh はリフレッシュシークレットと引き換えに新しいセッションを
// 発行するハンドラを返す。リフレッシュは常にローテーションであり、
// 古いセッションは削除され、新しいセッションIDとシークレットが発行される。
// ユーザー情報は古いセッションに保存されたものを引き継ぎ、
// ディレクトリへの再問い合わせは行わない。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "リフレッシュトークンが必要です",
			})
			return
		}

		old, err := s.sessions.GetByRefreshSecret(c.Request.Context(), req.RefreshToken)
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "リフレッシュトークンが無効または期限切れです",
			})
			return
		}
		if err != nil {
			log.Printf("リフレッシュ時のセッション取得エラー: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "セッションストアにアクセスできません",
			})
			return
		}

		if err := s.sessions.Delete(c.Request.Context(), old.SessionID); err != nil {
			log.Printf("リフレッシュ時の旧セッション削除エラー: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "セッションストアにアクセスできません",
			})
			return
		}

		identity := token.Identity{
			UserID:      old.UserID,
			EntityID:    old.EntityID,
			DisplayName: old.DisplayName,
			Roles:       old.Roles,
		}
		sess, err := s.createSession(c, identity)
		if err != nil {
			log.Printf("リフレッシュ時のセッション作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "セッションの再発行に失敗しました",
			})
			return
		}

		c.JSON(http.StatusOK, sessionResponse(sess))
	}
}

// createSession は新しいセッションを作成してストアに保存し、
// アクセストークンとリフレッシュシークレットを発行する。
func (s *Server) createSession(c *gin.Context, identity token.Identity) (*session.Session, error) {
	sessionID := uuid.New().String()

	accessToken, accessExpiresAt, err := s.tokens.Issue(identity, sessionID)
	if err != nil {
		return nil, err
	}
	refreshSecret, err := s.tokens.IssueRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:        sessionID,
		UserID:           identity.UserID,
		EntityID:         identity.EntityID,
		DisplayName:      identity.DisplayName,
		AccessToken:      accessToken,
		RefreshSecret:    refreshSecret,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: now.Add(s.config.RefreshTTL),
		LoginTime:        now,
		LastActivity:     now,
		OriginAddress:    c.ClientIP(),
		ClientAgent:      c.Request.UserAgent(),
		Roles:            identity.Roles,
	}
	if err := s.sessions.Save(c.Request.Context(), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// sessionResponse はログイン・リフレッシュ成功時のレスポンスボディを組み立てる。
func sessionResponse(sess *session.Session) gin.H {
	return gin.H{
		"success":            true,
		"message":            "認証に成功しました",
		"access_token":       sess.AccessToken,
		"refresh_token":      sess.RefreshSecret,
		"access_expires_at":  sess.AccessExpiresAt,
		"refresh_expires_at": sess.RefreshExpiresAt,
		"user": gin.H{
			"id":           sess.UserID,
			"entity_id":    sess.EntityID,
			"display_name": sess.DisplayName,
			"roles":        sess.Roles,
		},
	}
}

// handleLogout は現在のセッションを削除するハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "認証情報が取得できません",
			})
			return
		}

		if err := s.sessions.Delete(c.Request.Context(), identity.SessionID); err != nil {
			log.Printf("ログアウト時のセッション削除エラー: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "セッションストアにアクセスできません",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "ログアウトしました",
		})
	}
}

// handleLogoutAll はユーザーの全セッションを削除するハンドラを返す。
func (s *Server) handleLogoutAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "認証情報が取得できません",
			})
			return
		}

		if err := s.sessions.DeleteAllForUser(c.Request.Context(), identity.UserID); err != nil {
			log.Printf("全ログアウト時のセッション削除エラー: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "セッションストアにアクセスできません",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "全ての端末からログアウトしました",
		})
	}
}

// handleMe は認証済みユーザー自身の情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "認証情報が取得できません",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"user": gin.H{
				"id":           identity.UserID,
				"entity_id":    identity.EntityID,
				"display_name": identity.DisplayName,
				"roles":        identity.Roles,
			},
		})
	}
}

// handleSessions はユーザーの生きているセッション一覧を返すハンドラを返す。
// トークンやシークレットはレスポンスに含めない。
func (s *Server) handleSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "認証情報が取得できません",
			})
			return
		}

		sessions, err := s.sessions.ListForUser(c.Request.Context(), identity.UserID)
		if err != nil {
			log.Printf("セッション一覧の取得エラー: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "セッションストアにアクセスできません",
			})
			return
		}

		// 集合の列挙順は不定なのでログイン時刻の新しい順に揃える
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].LoginTime.After(sessions[j].LoginTime)
		})

		items := make([]gin.H, 0, len(sessions))
		for _, sess := range sessions {
			items = append(items, gin.H{
				"session_id":     sess.SessionID,
				"login_time":     sess.LoginTime,
				"last_activity":  sess.LastActivity,
				"origin_address": sess.OriginAddress,
				"client_agent":   sess.ClientAgent,
				"current":        sess.SessionID == identity.SessionID,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"sessions": items,
		})
	}
}

// handleVerify はトークンとセッションの両方が有効であることを確認する
// ハンドラを返す。認証ゲートを通過した時点で確認は済んでいる。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "認証情報が取得できません",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"user_id":    identity.UserID,
			"session_id": identity.SessionID,
		})
	}
}
