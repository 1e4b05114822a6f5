package docstore

import (
	"sync/atomic"
	"testing"
)

func TestSubscribers_NotifyByUser(t *testing.T) {
	subs := newSubscribers()

	var a, b int32
	cancelA := subs.add("user-a", func() { atomic.AddInt32(&a, 1) })
	subs.add("user-b", func() { atomic.AddInt32(&b, 1) })

	subs.notify("user-a")
	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 0 {
		t.Fatalf("a=%d b=%d, want a=1 b=0", a, b)
	}

	cancelA()
	cancelA()
	subs.notify("user-a")
	if atomic.LoadInt32(&a) != 1 {
		t.Errorf("notify after cancel delivered: a=%d", a)
	}
	if subs.count("user-a") != 0 {
		t.Errorf("count(user-a) = %d, want 0", subs.count("user-a"))
	}
}

func TestSubscribers_NotifyAll(t *testing.T) {
	subs := newSubscribers()

	var calls int32
	subs.add("user-a", func() { atomic.AddInt32(&calls, 1) })
	subs.add("user-a", func() { atomic.AddInt32(&calls, 1) })
	subs.add("user-b", func() { atomic.AddInt32(&calls, 1) })

	subs.notifyAll()
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

// コールバック内から購読解除してもデッドロックしない
func TestSubscribers_CancelInsideCallback(t *testing.T) {
	subs := newSubscribers()

	var cancel func()
	cancel = subs.add("user-a", func() { cancel() })

	subs.notify("user-a")
	if subs.count("user-a") != 0 {
		t.Error("expected subscriber to be removed")
	}
}
