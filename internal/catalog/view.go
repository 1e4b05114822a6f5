package catalog

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/gamehub/internal/model"
)

// DefaultDebounce は検索クエリの既定の待ち時間。
const DefaultDebounce = 500 * time.Millisecond

// Result はViewの計算結果。
type Result struct {
	Games  []model.Game `json:"games"`
	Filter Filter       `json:"filter"`
	// Searching はクエリの反映待ちの間true。
	Searching bool `json:"searching"`
}

// View はソース一覧と検索条件を保持し、条件が変わるたびに結果を再計算する。
// クエリの変更だけはデバウンスされ、カテゴリ・並び順・ソースの変更は即時に反映される。
type View struct {
	debouncer *Debouncer
	onChange  func(Result)

	mu       sync.Mutex
	source   []model.Game
	filter   Filter
	query    string
	result   []model.Game
	computed int
}

// NewView はViewを生成し、初期条件で1回計算する。
// onChangeは再計算のたびに呼ばれる。nilでもよい。
func NewView(source []model.Game, initial Filter, clock clockwork.Clock, delay time.Duration, onChange func(Result)) *View {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	v := &View{
		debouncer: NewDebouncer(clock, delay),
		onChange:  onChange,
		source:    slices.Clone(source),
		filter:    initial,
		query:     initial.Query,
	}
	v.mu.Lock()
	v.recomputeLocked()
	v.mu.Unlock()
	return v
}

// SetQuery はクエリを更新する。再計算は待ち時間の経過後に最新の値で1回だけ行う。
func (v *View) SetQuery(q string) {
	v.mu.Lock()
	v.query = q
	v.mu.Unlock()

	v.debouncer.Trigger(func() {
		v.mu.Lock()
		v.filter.Query = v.query
		res := v.recomputeLocked()
		v.mu.Unlock()
		v.emit(res)
	})
}

// SetCategory はカテゴリを更新して即時に再計算する。
func (v *View) SetCategory(category string) {
	v.update(func() { v.filter.Category = category })
}

// SetSort は並び順を更新して即時に再計算する。
func (v *View) SetSort(key SortKey) {
	v.update(func() { v.filter.Sort = key })
}

// SetSource はソース一覧を差し替えて即時に再計算する。
func (v *View) SetSource(games []model.Game) {
	v.update(func() { v.source = slices.Clone(games) })
}

// Result は現在の結果を返す。
func (v *View) Result() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Recomputations は再計算の回数を返す。
func (v *View) Recomputations() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.computed
}

// Close は保留中のクエリ反映を取り消す。
func (v *View) Close() {
	v.debouncer.Cancel()
}

func (v *View) update(mutate func()) {
	v.mu.Lock()
	mutate()
	res := v.recomputeLocked()
	v.mu.Unlock()
	v.emit(res)
}

func (v *View) recomputeLocked() Result {
	v.result = Apply(v.source, v.filter)
	v.computed++
	return v.snapshotLocked()
}

func (v *View) snapshotLocked() Result {
	return Result{
		Games:     slices.Clone(v.result),
		Filter:    v.filter,
		Searching: v.query != v.filter.Query,
	}
}

func (v *View) emit(res Result) {
	if v.onChange != nil {
		v.onChange(res)
	}
}
