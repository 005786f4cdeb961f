package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret はテスト用の署名シークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newTestService はテスト用のトークンサービスを生成する。
func newTestService() *Service {
	return NewService(testSecret, "docport-gateway", "docport-services", 30*time.Minute)
}

// testIdentity はテスト用のユーザー情報を返す。
func testIdentity() Identity {
	return Identity{
		UserID:      "user-123",
		EntityID:    "entity-1",
		DisplayName: "テスト ユーザー",
		Roles: []RoleGrant{
			{RoleID: "role-admin", OfficeID: "office-1"},
			{RoleID: "role-viewer", OfficeID: "office-2"},
		},
	}
}

// TestServiceIssue はIssueメソッドを検証する。
func TestServiceIssue(t *testing.T) {
	t.Parallel()

	t.Run("発行したトークンが検証を通過し、クレームが一致すること", func(t *testing.T) {
		t.Parallel()

		svc := newTestService()
		tokenStr, _, err := svc.Issue(testIdentity(), "session-abc")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		if tokenStr == "" {
			t.Fatal("Issue()が空文字列を返した")
		}

		claims, err := svc.Validate(tokenStr)
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
		}
		if claims.EntityID != "entity-1" {
			t.Errorf("EntityID = %q, want %q", claims.EntityID, "entity-1")
		}
		if claims.DisplayName != "テスト ユーザー" {
			t.Errorf("DisplayName = %q, want %q", claims.DisplayName, "テスト ユーザー")
		}
		if claims.SessionID != "session-abc" {
			t.Errorf("SessionID = %q, want %q", claims.SessionID, "session-abc")
		}
		if len(claims.Roles) != 2 {
			t.Fatalf("len(Roles) = %d, want 2", len(claims.Roles))
		}
		if claims.Roles[0].RoleID != "role-admin" || claims.Roles[0].OfficeID != "office-1" {
			t.Errorf("Roles[0] = %+v, want {role-admin office-1}", claims.Roles[0])
		}
		if claims.ID == "" {
			t.Error("jtiクレームが空")
		}
		if claims.IssuedAt == nil {
			t.Error("iatクレームが未設定")
		}
	})

	t.Run("有効期限がアクセストークン有効期間後に設定されること", func(t *testing.T) {
		t.Parallel()

		svc := newTestService()
		before := time.Now()
		_, expiresAt, err := svc.Issue(testIdentity(), "session-exp")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		want := before.Add(30 * time.Minute)
		if expiresAt.Before(want.Add(-1*time.Minute)) || expiresAt.After(want.Add(1*time.Minute)) {
			t.Errorf("expiresAt = %v, want %v前後", expiresAt, want)
		}
	})

	t.Run("発行のたびに異なるjtiが付与されること", func(t *testing.T) {
		t.Parallel()

		svc := newTestService()
		token1, _, err := svc.Issue(testIdentity(), "session-jti")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		token2, _, err := svc.Issue(testIdentity(), "session-jti")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		claims1, err := svc.Validate(token1)
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		claims2, err := svc.Validate(token2)
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if claims1.ID == claims2.ID {
			t.Errorf("jtiが重複: %q", claims1.ID)
		}
	})
}

// TestServiceValidate はValidateメソッドを検証する。
func TestServiceValidate(t *testing.T) {
	t.Parallel()

	t.Run("異なるシークレットで署名されたトークンが拒否されること", func(t *testing.T) {
		t.Parallel()

		other := NewService("different-secret", "docport-gateway", "docport-services", 30*time.Minute)
		tokenStr, _, err := other.Issue(testIdentity(), "session-sig")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		if _, err := newTestService().Validate(tokenStr); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Validate() = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("期限切れトークンがErrTokenExpiredで拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "jti-expired",
				Issuer:    "docport-gateway",
				Audience:  jwt.ClaimStrings{"docport-services"},
				IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			},
			UserID:    "user-expired",
			SessionID: "session-expired",
		}
		tokenObj := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenStr, err := tokenObj.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}

		if _, err := newTestService().Validate(tokenStr); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("Validate() = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("発行者が異なるトークンが拒否されること", func(t *testing.T) {
		t.Parallel()

		other := NewService(testSecret, "other-issuer", "docport-services", 30*time.Minute)
		tokenStr, _, err := other.Issue(testIdentity(), "session-iss")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		if _, err := newTestService().Validate(tokenStr); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Validate() = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("対象者が異なるトークンが拒否されること", func(t *testing.T) {
		t.Parallel()

		other := NewService(testSecret, "docport-gateway", "other-audience", 30*time.Minute)
		tokenStr, _, err := other.Issue(testIdentity(), "session-aud")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		if _, err := newTestService().Validate(tokenStr); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Validate() = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("異なるアルゴリズムで署名されたトークンが拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "docport-gateway",
				Audience:  jwt.ClaimStrings{"docport-services"},
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			UserID:    "user-alg",
			SessionID: "session-alg",
		}
		tokenObj := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
		tokenStr, err := tokenObj.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}

		if _, err := newTestService().Validate(tokenStr); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Validate() = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("トークンとして解釈できない文字列が拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := newTestService().Validate("not-a-token"); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Validate() = %v, want ErrTokenInvalid", err)
		}
	})
}

// TestServiceIssueRefreshSecret はIssueRefreshSecretメソッドを検証する。
func TestServiceIssueRefreshSecret(t *testing.T) {
	t.Parallel()

	t.Run("64文字の16進文字列が生成されること", func(t *testing.T) {
		t.Parallel()

		secret, err := newTestService().IssueRefreshSecret()
		if err != nil {
			t.Fatalf("IssueRefreshSecret()でエラーが発生: %v", err)
		}
		if len(secret) != 64 {
			t.Errorf("len(secret) = %d, want 64", len(secret))
		}
	})

	t.Run("発行のたびに異なる値が生成されること", func(t *testing.T) {
		t.Parallel()

		svc := newTestService()
		seen := make(map[string]struct{})
		for i := 0; i < 100; i++ {
			secret, err := svc.IssueRefreshSecret()
			if err != nil {
				t.Fatalf("IssueRefreshSecret()でエラーが発生: %v", err)
			}
			if _, ok := seen[secret]; ok {
				t.Fatalf("リフレッシュシークレットが重複: %q", secret)
			}
			seen[secret] = struct{}{}
		}
	})
}
