package handler

import (
	"context"
	"errors"

	"github.com/hitoshi/gamehub/internal/auth"
	"github.com/hitoshi/gamehub/internal/identity"
	"github.com/hitoshi/gamehub/internal/library"
	"github.com/hitoshi/gamehub/internal/middleware"
	"github.com/hitoshi/gamehub/internal/model"
	"github.com/hitoshi/gamehub/internal/stream"
	"github.com/hitoshi/gamehub/internal/user"
)

// LoginURLProvider はOAuth認証URLを生成する。auth.Serviceが実装する。
type LoginURLProvider interface {
	GetLoginURL(state string) string
}

// SessionServiceAdapter は identity.Registry を認証・ライブラリ・セッション解決の
// 各インターフェースに適合させるアダプタ。
type SessionServiceAdapter struct {
	registry *identity.Registry
	login    LoginURLProvider
}

// NewSessionServiceAdapter はSessionServiceAdapterを生成する。
func NewSessionServiceAdapter(registry *identity.Registry, login LoginURLProvider) *SessionServiceAdapter {
	return &SessionServiceAdapter{registry: registry, login: login}
}

// lookup はセッションのEntryを返す。無効なセッションはAUTH_REQUIREDとして扱う。
func (a *SessionServiceAdapter) lookup(ctx context.Context, sessionID string) (*identity.Entry, error) {
	e, err := a.registry.Lookup(ctx, sessionID)
	if errors.Is(err, auth.ErrSessionNotFound) {
		return nil, model.NewAuthRequiredError()
	}
	return e, err
}

// ResolveUserID はセッションIDからログイン中のユーザーIDを返す。
// middleware.SessionResolverを実装する。
func (a *SessionServiceAdapter) ResolveUserID(ctx context.Context, sessionID string) (string, error) {
	e, err := a.registry.Lookup(ctx, sessionID)
	if errors.Is(err, auth.ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	ident := e.Session.Current()
	if ident == nil {
		return "", nil
	}
	return ident.UID, nil
}

// GetLoginURL はOAuth認証URLを生成する。
func (a *SessionServiceAdapter) GetLoginURL(state string) string {
	return a.login.GetLoginURL(state)
}

// SignIn は認可コードでログインし、新しいセッションを返す。
func (a *SessionServiceAdapter) SignIn(ctx context.Context, code string) (*model.Session, error) {
	e, err := a.registry.SignIn(ctx, code)
	if err != nil {
		return nil, err
	}
	session := &model.Session{ID: e.Session.ID()}
	if ident := e.Session.Current(); ident != nil {
		session.UserID = ident.UID
	}
	return session, nil
}

// SignOut はセッションを破棄する。
func (a *SessionServiceAdapter) SignOut(ctx context.Context, sessionID string) error {
	return a.registry.SignOut(ctx, sessionID)
}

// CurrentIdentity はセッションのログインユーザーを返す。無効なセッションはnil。
func (a *SessionServiceAdapter) CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error) {
	e, err := a.registry.Lookup(ctx, sessionID)
	if errors.Is(err, auth.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.Session.Current(), nil
}

// UpdateProfile はログインユーザーの表示名と写真URLを更新する。
func (a *SessionServiceAdapter) UpdateProfile(ctx context.Context, sessionID, displayName, photoURL string) (*model.Identity, error) {
	e, err := a.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.Session.UpdateProfile(ctx, displayName, photoURL)
}

// Snapshot はライブラリのスナップショットを返す。
func (a *SessionServiceAdapter) Snapshot(ctx context.Context, sessionID string) (library.Snapshot, error) {
	e, err := a.lookup(ctx, sessionID)
	if err != nil {
		return library.Snapshot{}, err
	}
	return e.Library.Snapshot(), nil
}

// Install はゲームをインストールし、確定後のスナップショットを返す。
func (a *SessionServiceAdapter) Install(ctx context.Context, sessionID string, game model.Game) (library.Snapshot, error) {
	e, err := a.lookup(ctx, sessionID)
	if err != nil {
		return library.Snapshot{}, err
	}
	if err := e.Library.Install(ctx, game); err != nil {
		return library.Snapshot{}, err
	}
	return e.Library.Snapshot(), nil
}

// Uninstall はゲームをアンインストールし、確定後のスナップショットを返す。
func (a *SessionServiceAdapter) Uninstall(ctx context.Context, sessionID, gameID string) (library.Snapshot, error) {
	e, err := a.lookup(ctx, sessionID)
	if err != nil {
		return library.Snapshot{}, err
	}
	if err := e.Library.Uninstall(ctx, gameID); err != nil {
		return library.Snapshot{}, err
	}
	return e.Library.Snapshot(), nil
}

// Feeds はWebSocket配信の購読元を返す。
func (a *SessionServiceAdapter) Feeds(ctx context.Context, sessionID string) (stream.LibraryFeed, stream.AuthFeed, error) {
	e, err := a.lookup(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return e.Library, e.Session, nil
}

// UserServiceAdapter は user.Service を UserServiceInterface に適合させるアダプタ。
type UserServiceAdapter struct {
	svc *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(svc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{svc: svc}
}

// Withdraw はユーザーの退会処理を実行する。
func (a *UserServiceAdapter) Withdraw(ctx context.Context, userID string) error {
	return a.svc.Withdraw(ctx, userID)
}

// --- compile-time interface checks ---

var (
	_ AuthServiceInterface       = (*SessionServiceAdapter)(nil)
	_ middleware.SessionResolver = (*SessionServiceAdapter)(nil)
	_ LibraryServiceInterface    = (*SessionServiceAdapter)(nil)
	_ UserServiceInterface       = (*UserServiceAdapter)(nil)
)
