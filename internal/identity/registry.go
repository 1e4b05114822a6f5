package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/gamehub/internal/auth"
	"github.com/hitoshi/gamehub/internal/docstore"
	"github.com/hitoshi/gamehub/internal/library"
)

// Gauge はアクティブなセッション数を報告する先。prometheus.Gaugeが実装する。
type Gauge interface {
	Set(float64)
}

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	IdleTTL  time.Duration
	Clock    clockwork.Clock
	Notifier library.Notifier
	Gauge    Gauge
	Logger   *slog.Logger
}

// Entry はブラウザセッション1つ分のログイン状態とライブラリ同期の組。
type Entry struct {
	Session *Session
	Library *library.Synchronizer

	lastSeen time.Time
}

// Registry はセッションCookieごとのEntryを保持する。
// 一定時間アクセスのないEntryはメモリから取り除かれるが、認証セッション自体は残る。
type Registry struct {
	auth    Authenticator
	store   docstore.Store
	cfg     RegistryConfig
	clock   clockwork.Clock
	logger  *slog.Logger
	entries map[string]*Entry
	mu      sync.Mutex
}

// NewRegistry はRegistryを生成する。
func NewRegistry(authenticator Authenticator, store docstore.Store, cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Registry{
		auth:    authenticator,
		store:   store,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		entries: make(map[string]*Entry),
	}
}

// Lookup はセッションIDに対応するEntryを返す。
// メモリにない場合は認証セッションから復元する。セッションが無効ならauth.ErrSessionNotFound。
func (r *Registry) Lookup(ctx context.Context, sessionID string) (*Entry, error) {
	if sessionID == "" {
		return nil, auth.ErrSessionNotFound
	}

	r.mu.Lock()
	if e, ok := r.entries[sessionID]; ok {
		e.lastSeen = r.clock.Now()
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	session := NewSession(r.auth, r.logger)
	if err := session.Restore(ctx, sessionID); err != nil {
		return nil, err
	}
	if session.Current() == nil {
		return nil, auth.ErrSessionNotFound
	}

	return r.insert(sessionID, session), nil
}

// SignIn はOAuthの認可コードでログインし、新しいEntryを登録する。
func (r *Registry) SignIn(ctx context.Context, code string) (*Entry, error) {
	session := NewSession(r.auth, r.logger)
	if _, err := session.SignInInteractive(ctx, code); err != nil {
		return nil, err
	}
	return r.insert(session.ID(), session), nil
}

// SignOut はセッションIDのEntryを取り除き、認証セッションを破棄する。
func (r *Registry) SignOut(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.reportLocked()
	r.mu.Unlock()

	if !ok {
		if sessionID == "" {
			return nil
		}
		return r.auth.Logout(ctx, sessionID)
	}

	err := e.Session.SignOut(ctx)
	e.Library.Close()
	return err
}

// SignOutUser は指定ユーザーのすべてのEntryを未ログインにして取り除く。
// 取り除いた件数を返す。認証セッションの削除は呼び出し側が行う。
func (r *Registry) SignOutUser(userID string) int {
	r.mu.Lock()
	var removed []*Entry
	for id, e := range r.entries {
		if ident := e.Session.Current(); ident != nil && ident.UID == userID {
			removed = append(removed, e)
			delete(r.entries, id)
		}
	}
	r.reportLocked()
	r.mu.Unlock()

	for _, e := range removed {
		e.Session.Expire()
		e.Library.Close()
	}
	return len(removed)
}

// EvictIdle はIdleTTLを超えてアクセスのないEntryを取り除き、件数を返す。
// ストリームが購読中のEntryはアクセス中とみなして残す。
func (r *Registry) EvictIdle() int {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	var evicted []*Entry
	for id, e := range r.entries {
		if !e.lastSeen.Before(cutoff) {
			continue
		}
		if e.Library.Watching() {
			e.lastSeen = now
			continue
		}
		evicted = append(evicted, e)
		delete(r.entries, id)
	}
	r.reportLocked()
	r.mu.Unlock()

	for _, e := range evicted {
		e.Library.Close()
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted idle sessions", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Run はコンテキストがキャンセルされるまで定期的にEvictIdleを実行する。
// 終了時にすべてのEntryを閉じる。
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.Chan():
			r.EvictIdle()
		}
	}
}

// Len は保持しているEntry数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close はすべてのEntryを閉じる。認証セッションは破棄しない。
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.reportLocked()
	r.mu.Unlock()

	for _, e := range entries {
		e.Library.Close()
	}
}

func (r *Registry) insert(sessionID string, session *Session) *Entry {
	synchronizer := library.NewSynchronizer(r.store, r.cfg.Notifier, r.clock, r.logger)
	entry := &Entry{Session: session, Library: synchronizer, lastSeen: r.clock.Now()}

	// 公開前にBindし、他のLookupが未バインドの同期を受け取らないようにする
	synchronizer.Bind(session)

	r.mu.Lock()
	if existing, ok := r.entries[sessionID]; ok {
		existing.lastSeen = r.clock.Now()
		r.mu.Unlock()
		synchronizer.Close()
		return existing
	}
	r.entries[sessionID] = entry
	r.reportLocked()
	r.mu.Unlock()
	return entry
}

func (r *Registry) reportLocked() {
	if r.cfg.Gauge != nil {
		r.cfg.Gauge.Set(float64(len(r.entries)))
	}
}
