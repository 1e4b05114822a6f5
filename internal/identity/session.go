// Package identity はブラウザセッションごとのログイン状態を管理する。
//
// Sessionは現在のユーザーと読み込み中フラグを保持し、ユーザーの変化を
// 登録済みリスナーに通知する。Registryはセッションとライブラリ同期の組を
// セッションCookieごとに保持する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/gamehub/internal/auth"
	"github.com/hitoshi/gamehub/internal/model"
)

// Authenticator はSessionが依存する認証サービスの操作。auth.Serviceが実装する。
type Authenticator interface {
	HandleCallback(ctx context.Context, code string) (*model.Session, *model.User, error)
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	Logout(ctx context.Context, sessionID string) error
	UpdateProfile(ctx context.Context, userID, displayName, photoURL string) (*model.User, error)
}

// Session は1つのブラウザセッションのログイン状態。
type Session struct {
	auth   Authenticator
	logger *slog.Logger

	mu        sync.Mutex
	id        string
	current   *model.Identity
	loading   bool
	listeners map[int]func(*model.Identity)
	next      int
}

// NewSession は未確定（読み込み中）のSessionを生成する。
func NewSession(authenticator Authenticator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		auth:      authenticator,
		logger:    logger,
		loading:   true,
		listeners: make(map[int]func(*model.Identity)),
	}
}

// ID は認証セッションIDを返す。
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Current は現在のユーザーを返す。未ログインの場合はnil。
func (s *Session) Current() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	ident := *s.current
	return &ident
}

// Loading は初回の状態確定前かどうかを返す。
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// OnAuthChange はユーザーの変化を購読する。
func (s *Session) OnAuthChange(fn func(*model.Identity)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Restore は保存済みのセッションIDからユーザーを復元する。
// セッションが無効な場合はエラーにせず、未ログイン状態で確定する。
func (s *Session) Restore(ctx context.Context, sessionID string) error {
	user, err := s.auth.GetCurrentUser(ctx, sessionID)
	if err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		return fmt.Errorf("failed to restore session: %w", err)
	}

	if user == nil {
		s.set("", nil)
		return nil
	}
	s.set(sessionID, user.ToIdentity())
	return nil
}

// SignInInteractive はOAuthの認可コードでログインし、新しい認証セッションを返す。
func (s *Session) SignInInteractive(ctx context.Context, code string) (*model.Session, error) {
	session, user, err := s.auth.HandleCallback(ctx, code)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		return nil, err
	}

	s.set(session.ID, user.ToIdentity())
	return session, nil
}

// SignOut は認証セッションを破棄し、未ログイン状態にする。
// 破棄に失敗してもローカルの状態は未ログインになる。
func (s *Session) SignOut(ctx context.Context) error {
	id := s.ID()
	s.set("", nil)

	if id == "" {
		return nil
	}
	if err := s.auth.Logout(ctx, id); err != nil {
		s.logger.Warn("failed to delete session on sign-out",
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Expire は認証サービスを呼ばずにローカルの状態だけを未ログインにする。
// 退会やセッション削除の後で使う。
func (s *Session) Expire() {
	s.set("", nil)
}

// UpdateProfile は表示名と写真URLを更新し、リスナーに新しいプロフィールを通知する。
func (s *Session) UpdateProfile(ctx context.Context, displayName, photoURL string) (*model.Identity, error) {
	current := s.Current()
	if current == nil {
		return nil, model.NewAuthRequiredError()
	}

	user, err := s.auth.UpdateProfile(ctx, current.UID, displayName, photoURL)
	if err != nil {
		return nil, err
	}

	ident := user.ToIdentity()
	s.set(s.ID(), ident)
	return ident, nil
}

func (s *Session) set(id string, ident *model.Identity) {
	s.mu.Lock()
	s.id = id
	s.current = ident
	s.loading = false
	fns := make([]func(*model.Identity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		if ident == nil {
			fn(nil)
			continue
		}
		copied := *ident
		fn(&copied)
	}
}
