package catalog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer は連続した呼び出しを間引き、最後の呼び出しだけを遅延実行する。
type Debouncer struct {
	clock clockwork.Clock
	delay time.Duration

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
}

// NewDebouncer はDebouncerを生成する。clockがnilなら実時間を使う。
func NewDebouncer(clock clockwork.Clock, delay time.Duration) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{clock: clock, delay: delay}
}

// Trigger はdelay後にfnを実行するよう予約する。
// 予約済みの呼び出しがあれば取り消して置き換える。
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// Stopが間に合わず発火した古い予約は捨てる
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel は予約済みの呼び出しを取り消す。取り消した場合はtrueを返す。
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	return true
}

// Pending は予約済みの呼び出しがあるかを返す。
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
