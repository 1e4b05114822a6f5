// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/gamehub/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithProviderLink はユーザーとprovider_linkを同一トランザクションで作成する。
	CreateWithProviderLink(ctx context.Context, user *model.User, link *model.ProviderLink) error

	// UpdateProfile は表示名と写真URLを更新する。
	// ユーザーが存在しない場合はnilを返す。
	UpdateProfile(ctx context.Context, id, name, photoURL string) (*model.User, error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するprovider_links、sessions、librariesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ProviderLinkRepository は外部IdP紐付け情報の永続化インターフェース。
type ProviderLinkRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idで紐付けを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
