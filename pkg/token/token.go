package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenExpired はアクセストークンの有効期限が切れている場合のエラー。
var ErrTokenExpired = errors.New("アクセストークンの有効期限が切れています")

// ErrTokenInvalid は署名・発行者・対象者などの検証に失敗した場合のエラー。
var ErrTokenInvalid = errors.New("アクセストークンが無効です")

// RoleGrant はユーザーに付与されたロールと事業所の組を表す。
type RoleGrant struct {
	// RoleID はロールの識別子。
	RoleID string `json:"role_id"`
	// OfficeID はロールが有効な事業所の識別子。
	OfficeID string `json:"office_id"`
}

// Identity はトークンに埋め込む認証済みユーザーの情報。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID string
	// EntityID はユーザーが属する法人（テナント）の識別子。
	EntityID string
	// DisplayName はユーザーの表示名。
	DisplayName string
	// Roles はユーザーに付与されたロールの一覧。付与順を保持する。
	Roles []RoleGrant
}

// Claims はアクセストークンのクレーム（ペイロード）を表す。
// ユーザー情報に加えて、サーバー側セッションと突き合わせるための
// セッションIDを必ず含む。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// EntityID はユーザーが属する法人の識別子。
	EntityID string `json:"entity_id"`
	// DisplayName はユーザーの表示名。
	DisplayName string `json:"display_name"`
	// SessionID はこのトークンに対応するサーバー側セッションのID。
	SessionID string `json:"session_id"`
	// Roles はユーザーに付与されたロールの一覧。
	Roles []RoleGrant `json:"roles"`
}

// Service はアクセストークンの発行と検証を行う。
// 共有シークレットへの純粋な関数であり、副作用を持たない。
type Service struct {
	// secret はHMAC署名用の共有シークレット。
	secret []byte
	// issuer はトークンのiss（発行者）クレームに設定する値。
	issuer string
	// audience はトークンのaud（対象者）クレームに設定する値。
	audience string
	// accessLifetime はアクセストークンの有効期間。
	accessLifetime time.Duration
}

// NewService は新しいトークンサービスを生成する。
func NewService(secret, issuer, audience string, accessLifetime time.Duration) *Service {
	return &Service{
		secret:         []byte(secret),
		issuer:         issuer,
		audience:       audience,
		accessLifetime: accessLifetime,
	}
}

// Issue は指定されたユーザー情報とセッションIDからアクセストークンを発行する。
// 有効期限は現在時刻 + アクセストークン有効期間。
func (s *Service) Issue(identity Identity, sessionID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessLifetime)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:      identity.UserID,
		EntityID:    identity.EntityID,
		DisplayName: identity.DisplayName,
		SessionID:   sessionID,
		Roles:       identity.Roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("アクセストークンの署名に失敗: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueRefreshSecret はリフレッシュ用の不透明な秘密文字列を発行する。
// アクセストークンのクレームとは無関係な暗号論的乱数。
func (s *Service) IssueRefreshSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("リフレッシュシークレットの生成に失敗: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Validate はアクセストークンの署名・発行者・対象者・有効期限を検証する。
// 時刻の許容ずれはゼロ。HS256以外のアルゴリズムで署名されたトークンは拒否する。
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(_ *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
