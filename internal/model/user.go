// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID        string
	Email     string
	Name      string
	PhotoURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はログイン中ユーザーの公開プロフィールを表す。
// ライブラリ同期はUIDを外部キーとして扱い、内容を変更しない。
type Identity struct {
	UID         string
	DisplayName string
	Email       string
	PhotoURL    string
}

// ToIdentity はUserからIdentityを生成する。
func (u *User) ToIdentity() *Identity {
	if u == nil {
		return nil
	}
	return &Identity{
		UID:         u.ID,
		DisplayName: u.Name,
		Email:       u.Email,
		PhotoURL:    u.PhotoURL,
	}
}

// ProviderLink は外部IdPとの紐付け情報を表す。
// 将来的に複数のIdP（Google, GitHub等）に対応可能な構造。
type ProviderLink struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
