package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docport/gateway/pkg/token"
)

// ErrAccountNotFound はログインIDに対応するアカウントが存在しないエラー。
var ErrAccountNotFound = errors.New("アカウントが見つかりません")

// Account はユーザーディレクトリの1レコードを表す。
type Account struct {
	// ID はユーザーの一意識別子。
	ID string
	// EntityID はユーザーが属する法人の識別子。
	EntityID string
	// LoginID はログイン時に入力する識別子。
	LoginID string
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string
	// DisplayName はユーザーの表示名。
	DisplayName string
	// Active は有効なアカウントかどうか。無効ならログインできない。
	Active bool
}

// accountQueries はユーザーディレクトリへのクエリ実行オブジェクト。
type accountQueries struct {
	db *sql.DB
}

// newAccountQueries は新しいクエリ実行オブジェクトを生成する。
func newAccountQueries(db *sql.DB) *accountQueries {
	return &accountQueries{db: db}
}

// GetByLoginID はログインIDからアカウントを取得する。
// 存在しない場合はErrAccountNotFoundを返す。
func (q *accountQueries) GetByLoginID(ctx context.Context, loginID string) (*Account, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, entity_id, login_id, password_hash, display_name, active
		 FROM users WHERE login_id = ?`, loginID)

	account := &Account{}
	var active int
	err := row.Scan(&account.ID, &account.EntityID, &account.LoginID,
		&account.PasswordHash, &account.DisplayName, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}
	account.Active = active != 0
	return account, nil
}

// ListRoleGrants はユーザーに付与されたロールを付与順で取得する。
func (q *accountQueries) ListRoleGrants(ctx context.Context, userID string) ([]token.RoleGrant, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT role_id, office_id FROM user_roles
		 WHERE user_id = ? ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("ロールの取得に失敗: %w", err)
	}
	defer rows.Close()

	var grants []token.RoleGrant
	for rows.Next() {
		var grant token.RoleGrant
		if err := rows.Scan(&grant.RoleID, &grant.OfficeID); err != nil {
			return nil, fmt.Errorf("ロールの読み取りに失敗: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ロールの読み取りに失敗: %w", err)
	}
	return grants, nil
}

// UpdateLastLogin は最終ログイン時刻を現在時刻に更新する。
func (q *accountQueries) UpdateLastLogin(ctx context.Context, userID string) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = datetime('now') WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("最終ログイン時刻の更新に失敗: %w", err)
	}
	return nil
}

// CreateAccount はアカウントとロール付与を登録する。シード処理とテストで使う。
func (q *accountQueries) CreateAccount(ctx context.Context, account *Account, grants []token.RoleGrant) error {
	active := 0
	if account.Active {
		active = 1
	}
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO users (id, entity_id, login_id, password_hash, display_name, active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID, account.EntityID, account.LoginID,
		account.PasswordHash, account.DisplayName, active); err != nil {
		return fmt.Errorf("アカウントの登録に失敗: %w", err)
	}
	for i, grant := range grants {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id, office_id, position)
			 VALUES (?, ?, ?, ?)`,
			account.ID, grant.RoleID, grant.OfficeID, i); err != nil {
			return fmt.Errorf("ロール付与の登録に失敗: %w", err)
		}
	}
	return nil
}

// SetActive はアカウントの有効フラグを変更する。
func (q *accountQueries) SetActive(ctx context.Context, userID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE users SET active = ? WHERE id = ?`, v, userID); err != nil {
		return fmt.Errorf("アカウント有効フラグの更新に失敗: %w", err)
	}
	return nil
}
