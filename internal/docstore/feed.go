package docstore

import (
	"context"
	"sync"
)

// ChangeFeed はライブラリ文書の変更をユーザー単位で通知する。
// 通知は「変更があった」ことだけを伝え、購読側が文書を取り直す。
type ChangeFeed interface {
	// Subscribe はuserIDの変更通知を登録する。cancelで解除する。
	Subscribe(userID string, notify func()) (cancel func(), err error)
	// Publish は書き込み後に呼ばれる。トリガーで通知する実装では何もしない。
	Publish(ctx context.Context, userID string) error
	// Close はフィードを停止する。
	Close() error
}

// subscribers はユーザーIDごとの通知先を管理する。
type subscribers struct {
	mu     sync.RWMutex
	nextID int
	byUser map[string]map[int]func()
}

func newSubscribers() *subscribers {
	return &subscribers{byUser: make(map[string]map[int]func())}
}

func (s *subscribers) add(userID string, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[int]func())
	}
	s.byUser[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byUser[userID], id)
			if len(s.byUser[userID]) == 0 {
				delete(s.byUser, userID)
			}
		})
	}
}

func (s *subscribers) count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID])
}

// notify はuserIDの購読者全員に通知する。ロック外でコールバックを呼ぶ。
func (s *subscribers) notify(userID string) {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.byUser[userID]))
	for _, fn := range s.byUser[userID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// notifyAll は全購読者に通知する。接続断からの復帰時に取りこぼしを埋めるために使う。
func (s *subscribers) notifyAll() {
	s.mu.RLock()
	var fns []func()
	for _, m := range s.byUser {
		for _, fn := range m {
			fns = append(fns, fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
