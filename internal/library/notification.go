package library

import (
	"context"
	"log/slog"
	"sync"
)

// NotificationKind は通知の種類。
type NotificationKind string

const (
	KindSuccess NotificationKind = "success"
	KindError   NotificationKind = "error"
	KindInfo    NotificationKind = "info"
)

// Notification はインストール操作の結果をユーザーに伝える一時的な通知。
// ライブラリの状態には含まれず、Notifierを通じて副経路で配信される。
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Op      string           `json:"op"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message"`
	GameID  string           `json:"gameId,omitempty"`
	Title   string           `json:"title,omitempty"`
}

// Notifier は通知の配信先。Notifyはブロックしてはならない。
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc は関数をNotifierとして扱うアダプタ。
type NotifierFunc func(n Notification)

// Notify はNotifierインターフェースを実装する。
func (f NotifierFunc) Notify(n Notification) { f(n) }

// MultiNotifier は複数のNotifierに同じ通知を配信する。
type MultiNotifier []Notifier

// Notify はNotifierインターフェースを実装する。
func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// LogNotifier は通知を構造化ログとして出力する。
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify はNotifierインターフェースを実装する。
func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Kind == KindError {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "library notification",
		slog.String("kind", string(n.Kind)),
		slog.String("op", n.Op),
		slog.String("code", n.Code),
		slog.String("game_id", n.GameID),
	)
}

// listeners はコールバックの登録と一括呼び出しを管理する。
type listeners[T any] struct {
	mu    sync.Mutex
	next  int
	funcs map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.funcs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.funcs, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	funcs := make([]func(T), 0, len(l.funcs))
	for _, fn := range l.funcs {
		funcs = append(funcs, fn)
	}
	l.mu.Unlock()

	for _, fn := range funcs {
		fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.funcs)
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	l.funcs = nil
	l.mu.Unlock()
}
