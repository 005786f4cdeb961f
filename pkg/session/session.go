package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docport/gateway/pkg/token"
)

// ErrNotFound はセッションが存在しない場合のエラー。
var ErrNotFound = errors.New("セッションが見つかりません")

// Session はログイン1回分のサーバー側レコードを表す。
// セッションIDがログインの生存を示す唯一の根拠となる。
type Session struct {
	// SessionID はセッションの一意識別子。ログイン時に生成される。
	SessionID string `json:"session_id"`
	// UserID はセッションの持ち主であるユーザーの識別子。
	UserID string `json:"user_id"`
	// EntityID はユーザーが属する法人の識別子。
	EntityID string `json:"entity_id"`
	// DisplayName はユーザーの表示名。
	DisplayName string `json:"display_name"`
	// AccessToken は現在有効なアクセストークン。
	AccessToken string `json:"access_token"`
	// RefreshSecret はセッション再発行用の秘密文字列。
	RefreshSecret string `json:"refresh_secret"`
	// AccessExpiresAt はアクセストークンの有効期限。
	AccessExpiresAt time.Time `json:"access_expires_at"`
	// RefreshExpiresAt はリフレッシュシークレットの有効期限。
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// LoginTime はログインした時刻。
	LoginTime time.Time `json:"login_time"`
	// LastActivity は最後にリクエストを処理した時刻。
	LastActivity time.Time `json:"last_activity"`
	// OriginAddress はログイン元のIPアドレス。
	OriginAddress string `json:"origin_address"`
	// ClientAgent はログイン時のUser-Agent。
	ClientAgent string `json:"client_agent"`
	// Roles はユーザーに付与されたロールの一覧。付与順を保持する。
	Roles []token.RoleGrant `json:"roles"`
}

// Store はRedis上のセッションストアへのクライアント。
//
// キー構成:
//
//	session:{sessionId}      -> セッションレコード(JSON)。TTL=セッション有効期間
//	user_sessions:{userId}   -> セッションIDの集合。TTL=セッション有効期間
//	refresh:{refreshSecret}  -> セッションID。TTL=リフレッシュ有効期間(より長い)
type Store struct {
	// client はRedisクライアント。
	client *redis.Client
	// sessionTTL はセッションレコードの有効期間。
	sessionTTL time.Duration
	// refreshTTL はリフレッシュシークレット対応表の有効期間。
	refreshTTL time.Duration
}

// NewStore は新しいセッションストアクライアントを生成する。
func NewStore(client *redis.Client, sessionTTL, refreshTTL time.Duration) *Store {
	return &Store{
		client:     client,
		sessionTTL: sessionTTL,
		refreshTTL: refreshTTL,
	}
}

// sessionKey はセッションレコードのRedisキーを返す。
func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// userSessionsKey はユーザーごとのセッションID集合のRedisキーを返す。
func userSessionsKey(userID string) string {
	return "user_sessions:" + userID
}

// refreshKey はリフレッシュシークレット対応表のRedisキーを返す。
func refreshKey(refreshSecret string) string {
	return "refresh:" + refreshSecret
}

// Save はセッションを保存する。
// セッションレコード・ユーザーのセッション集合・リフレッシュ対応表の
// 3箇所に書き込む。3つの書き込みはアトミックではないが、いずれも
// 冪等であり再実行しても安全。セッションのTTLはSaveのたびにリセットされる
// （再ログイン・リフレッシュで寿命が延びる。利用のみでは延びない）。
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("セッションのシリアライズに失敗: %w", err)
	}

	if err := s.client.Set(ctx, sessionKey(sess.SessionID), data, s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("セッションレコードの保存に失敗: %w", err)
	}

	userKey := userSessionsKey(sess.UserID)
	if err := s.client.SAdd(ctx, userKey, sess.SessionID).Err(); err != nil {
		return fmt.Errorf("セッション集合への追加に失敗: %w", err)
	}
	if err := s.client.Expire(ctx, userKey, s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("セッション集合のTTL設定に失敗: %w", err)
	}

	if err := s.client.Set(ctx, refreshKey(sess.RefreshSecret), sess.SessionID, s.refreshTTL).Err(); err != nil {
		return fmt.Errorf("リフレッシュ対応表の保存に失敗: %w", err)
	}
	return nil
}

// Get は指定されたセッションIDのセッションを取得する。
// 存在しない場合はErrNotFoundを返す。
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("セッションレコードの取得に失敗: %w", err)
	}

	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("セッションのデシリアライズに失敗: %w", err)
	}
	return sess, nil
}

// GetByRefreshSecret はリフレッシュシークレットからセッションを取得する。
// 対応表を1段引いてからGetする。どちらかが存在しない場合はErrNotFound。
func (s *Store) GetByRefreshSecret(ctx context.Context, refreshSecret string) (*Session, error) {
	sessionID, err := s.client.Get(ctx, refreshKey(refreshSecret)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("リフレッシュ対応表の取得に失敗: %w", err)
	}
	return s.Get(ctx, sessionID)
}

// Touch はセッションの最終アクティビティ時刻を更新する。
// ベストエフォートであり、失敗してもログに残すだけで呼び出し元には
// 返さない。TTLは更新しない（KeepTTL）。
func (s *Store) Touch(ctx context.Context, sessionID string) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("セッションのTouchに失敗: session_id=%s, error=%v", sessionID, err)
		}
		return
	}

	sess.LastActivity = time.Now()
	if err := s.touchWrite(ctx, sess); err != nil {
		log.Printf("セッションのTouchに失敗: session_id=%s, error=%v", sessionID, err)
	}
}

// touchWrite は読み出し済みのセッションレコードを書き戻す。
// 読み出しと書き戻しの間にログアウトで削除されたセッションを
// 復活させないよう、キーがまだ存在する場合のみ書き込む（SET XX）。
func (s *Store) touchWrite(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("セッションのシリアライズに失敗: %w", err)
	}
	if err := s.client.SetXX(ctx, sessionKey(sess.SessionID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("セッションレコードの書き戻しに失敗: %w", err)
	}
	return nil
}

// Delete はセッションを削除する。
// レコード・ユーザーのセッション集合・リフレッシュ対応表から取り除く。
// 存在しないセッションの削除はエラーではなく何もしない。
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("セッションレコードの削除に失敗: %w", err)
	}
	if err := s.client.SRem(ctx, userSessionsKey(sess.UserID), sessionID).Err(); err != nil {
		return fmt.Errorf("セッション集合からの削除に失敗: %w", err)
	}
	if err := s.client.Del(ctx, refreshKey(sess.RefreshSecret)).Err(); err != nil {
		return fmt.Errorf("リフレッシュ対応表の削除に失敗: %w", err)
	}
	return nil
}

// DeleteAllForUser は指定ユーザーの全セッションを削除する。
// ユーザーのセッション集合を列挙し、1件ずつDeleteする。
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	sessionIDs, err := s.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("セッション集合の列挙に失敗: %w", err)
	}

	for _, sessionID := range sessionIDs {
		if err := s.Delete(ctx, sessionID); err != nil {
			return err
		}
	}
	// TTL切れでレコードだけ消えた場合に集合が残ることがあるため、
	// 集合そのものも削除する
	if err := s.client.Del(ctx, userSessionsKey(userID)).Err(); err != nil {
		return fmt.Errorf("セッション集合の削除に失敗: %w", err)
	}
	return nil
}

// ListForUser は指定ユーザーの生きているセッションを列挙する。
// TTL切れでレコードだけ消えたセッションIDは読み飛ばす。
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	sessionIDs, err := s.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("セッション集合の列挙に失敗: %w", err)
	}

	sessions := make([]*Session, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		sess, err := s.Get(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Exists は指定されたセッションIDのセッションが存在するかを返す。
// 認証済みリクエストごとに呼ばれる軽量な生存確認。
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("セッションの存在確認に失敗: %w", err)
	}
	return n > 0, nil
}
