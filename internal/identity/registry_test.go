package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/gamehub/internal/auth"
	"github.com/hitoshi/gamehub/internal/library"
	"github.com/hitoshi/gamehub/internal/model"
)

// --- Mock: docstore.Store ---

type emptyStore struct{}

func (emptyStore) FetchUserLibrary(ctx context.Context, userID string) (*model.LibraryRecord, error) {
	return &model.LibraryRecord{UserID: userID}, nil
}
func (emptyStore) CreateUserLibrary(ctx context.Context, userID string) error { return nil }
func (emptyStore) SubscribeUserLibrary(ctx context.Context, userID string, onChange func(model.LibraryRecord), onError func(error)) (func(), error) {
	return func() {}, nil
}
func (emptyStore) UpsertLibraryEntry(ctx context.Context, userID, gameID string, game model.InstalledGame) error {
	return nil
}
func (emptyStore) DeleteLibraryEntry(ctx context.Context, userID, gameID string) error { return nil }
func (emptyStore) DeleteUserLibrary(ctx context.Context, userID string) error        { return nil }

type fakeGauge struct{ value float64 }

func (g *fakeGauge) Set(v float64) { g.value = v }

func validSessionAuth() *mockAuth {
	return &mockAuth{
		getCurrentUserFn: func(ctx context.Context, sessionID string) (*model.User, error) {
			if sessionID == "expired" {
				return nil, auth.ErrSessionNotFound
			}
			u := testUser()
			if sessionID == "sess-bob" {
				u.ID = "user-bob"
			}
			return u, nil
		},
	}
}

func newTestRegistry(m *mockAuth) (*Registry, *clockwork.FakeClock, *fakeGauge) {
	clock := clockwork.NewFakeClock()
	gauge := &fakeGauge{}
	r := NewRegistry(m, emptyStore{}, RegistryConfig{
		IdleTTL: 10 * time.Minute,
		Clock:   clock,
		Gauge:   gauge,
	})
	return r, clock, gauge
}

func TestRegistry_Lookup_RestoresAndCaches(t *testing.T) {
	calls := 0
	m := validSessionAuth()
	inner := m.getCurrentUserFn
	m.getCurrentUserFn = func(ctx context.Context, sessionID string) (*model.User, error) {
		calls++
		return inner(ctx, sessionID)
	}
	r, _, gauge := newTestRegistry(m)
	defer r.Close()

	e1, err := r.Lookup(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	e2, err := r.Lookup(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}

	if e1 != e2 {
		t.Error("expected the cached entry on second lookup")
	}
	if calls != 1 {
		t.Errorf("GetCurrentUser calls = %d, want 1", calls)
	}
	if ident := e1.Library.Identity(); ident == nil || ident.UID != "user-1" {
		t.Errorf("library identity = %+v", ident)
	}
	if gauge.value != 1 {
		t.Errorf("gauge = %v, want 1", gauge.value)
	}
}

func TestRegistry_Lookup_InvalidSession(t *testing.T) {
	r, _, _ := newTestRegistry(validSessionAuth())
	defer r.Close()

	for _, id := range []string{"", "expired"} {
		if _, err := r.Lookup(context.Background(), id); !errors.Is(err, auth.ErrSessionNotFound) {
			t.Errorf("Lookup(%q) error = %v, want ErrSessionNotFound", id, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_SignIn(t *testing.T) {
	r, _, _ := newTestRegistry(&mockAuth{})
	defer r.Close()

	e, err := r.SignIn(context.Background(), "code")
	if err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	if e.Session.ID() != "sess-new" {
		t.Errorf("session ID = %q", e.Session.ID())
	}

	got, err := r.Lookup(context.Background(), "sess-new")
	if err != nil || got != e {
		t.Errorf("Lookup after SignIn = %v, %v", got, err)
	}
}

func TestRegistry_SignOut(t *testing.T) {
	m := validSessionAuth()
	r, _, gauge := newTestRegistry(m)
	defer r.Close()

	e, err := r.Lookup(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := r.SignOut(context.Background(), "sess-1"); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if e.Session.Current() != nil {
		t.Error("session should be signed out")
	}
	if e.Library.Identity() != nil {
		t.Error("library should be unbound")
	}
	if r.Len() != 0 || gauge.value != 0 {
		t.Errorf("Len = %d, gauge = %v, want 0", r.Len(), gauge.value)
	}
	if got := m.logouts(); len(got) != 1 || got[0] != "sess-1" {
		t.Errorf("logout calls = %v", got)
	}
}

func TestRegistry_SignOut_UnknownSessionStillLogsOut(t *testing.T) {
	m := validSessionAuth()
	r, _, _ := newTestRegistry(m)
	defer r.Close()

	if err := r.SignOut(context.Background(), "sess-cold"); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if got := m.logouts(); len(got) != 1 || got[0] != "sess-cold" {
		t.Errorf("logout calls = %v", got)
	}
}

func TestRegistry_SignOutUser(t *testing.T) {
	r, _, _ := newTestRegistry(validSessionAuth())
	defer r.Close()

	a1, _ := r.Lookup(context.Background(), "sess-1")
	a2, _ := r.Lookup(context.Background(), "sess-2")
	bob, _ := r.Lookup(context.Background(), "sess-bob")

	if n := r.SignOutUser("user-1"); n != 2 {
		t.Errorf("SignOutUser removed %d, want 2", n)
	}
	if a1.Session.Current() != nil || a2.Session.Current() != nil {
		t.Error("user-1 sessions should be signed out")
	}
	if bob.Session.Current() == nil {
		t.Error("other users must stay signed in")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	r, clock, _ := newTestRegistry(validSessionAuth())
	defer r.Close()

	stale, _ := r.Lookup(context.Background(), "sess-1")
	clock.Advance(6 * time.Minute)
	fresh, _ := r.Lookup(context.Background(), "sess-2")
	clock.Advance(6 * time.Minute)

	if n := r.EvictIdle(); n != 1 {
		t.Fatalf("EvictIdle removed %d, want 1", n)
	}
	if stale.Library.Identity() != nil {
		t.Error("evicted library should be closed")
	}
	if fresh.Library.Identity() == nil {
		t.Error("fresh entry must survive")
	}
	// 認証セッションは残っているので再アクセスで復元される
	if _, err := r.Lookup(context.Background(), "sess-1"); err != nil {
		t.Errorf("Lookup after eviction returned error: %v", err)
	}
}

func TestRegistry_EvictIdle_KeepsLibraryWithOpenStream(t *testing.T) {
	r, clock, _ := newTestRegistry(validSessionAuth())
	defer r.Close()

	e, err := r.Lookup(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var cleared bool
	unwatch := e.Library.Watch(func(s library.Snapshot) {
		if len(s.Items) == 0 && !s.IsLoading && e.Library.Identity() == nil {
			mu.Lock()
			cleared = true
			mu.Unlock()
		}
	})

	clock.Advance(11 * time.Minute)
	if n := r.EvictIdle(); n != 0 {
		t.Fatalf("EvictIdle removed %d, want 0 while a stream is watching", n)
	}
	if e.Library.Identity() == nil {
		t.Fatal("watched library must stay bound to the signed-in user")
	}
	if err := e.Library.Install(context.Background(), model.Game{ID: "1", Title: "Zelda"}); err != nil {
		t.Errorf("Install on watched library returned error: %v", err)
	}
	mu.Lock()
	if cleared {
		t.Error("open stream should not receive a cleared snapshot")
	}
	mu.Unlock()

	// ストリームが閉じた後はIdleTTL経過で取り除かれる
	unwatch()
	clock.Advance(11 * time.Minute)
	if n := r.EvictIdle(); n != 1 {
		t.Errorf("EvictIdle removed %d after the stream closed, want 1", n)
	}
}

func TestRegistry_ConcurrentLookupReturnsBoundLibrary(t *testing.T) {
	r, _, gauge := newTestRegistry(validSessionAuth())
	defer r.Close()

	const workers = 16
	entries := make([]*Entry, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := r.Lookup(context.Background(), "sess-1")
			if err != nil {
				t.Errorf("Lookup returned error: %v", err)
				return
			}
			if e.Library.Identity() == nil {
				t.Error("Lookup returned a library that is not bound to the user")
			}
			entries[i] = e
		}()
	}
	wg.Wait()

	for _, e := range entries[1:] {
		if e != entries[0] {
			t.Fatal("concurrent lookups should share one entry")
		}
	}
	if r.Len() != 1 || gauge.value != 1 {
		t.Errorf("Len = %d, gauge = %v, want 1", r.Len(), gauge.value)
	}
}

func TestRegistry_Run_EvictsOnTickAndClosesOnCancel(t *testing.T) {
	r, clock, _ := newTestRegistry(validSessionAuth())

	if _, err := r.Lookup(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(11 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0 after idle tick", r.Len())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
