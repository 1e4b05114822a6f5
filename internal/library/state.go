// Package library はユーザーのインストール済みゲーム一覧をリモート文書と同期する。
//
// ローカルの状態はState/Eventの遷移関数Reduceだけで更新される。
// インストールとアンインストールは楽観的に即時反映され、リモート書き込みの
// 結果はConfirmed/Revertedイベントとして同じ遷移関数に戻される。
package library

import (
	"sort"

	"github.com/hitoshi/gamehub/internal/model"
)

// Snapshot は画面に渡す読み取り専用のライブラリ状態。
type Snapshot struct {
	Items     []model.InstalledGame `json:"items"`
	IsLoading bool                  `json:"isLoading"`
}

// Contains は指定IDのゲームが含まれるかを返す。
func (s Snapshot) Contains(id string) bool {
	for _, g := range s.Items {
		if g.ID == id {
			return true
		}
	}
	return false
}

// OpKind は楽観的操作の種類。
type OpKind int

const (
	OpAdd OpKind = iota + 1
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "install"
	case OpRemove:
		return "uninstall"
	default:
		return "unknown"
	}
}

type pendingOp struct {
	seq  uint64
	kind OpKind
	game model.InstalledGame
}

// State は同期処理の内部状態。値として扱い、Reduceは入力を変更しない。
type State struct {
	Epoch   uint64
	Loading bool

	remote      map[string]model.InstalledGame
	remoteOrder []string
	pending     map[string]pendingOp
}

// Snapshot は確定済みのリモート内容に保留中の操作を重ねた表示用の状態を返す。
// リモートの順序を保ち、保留中の追加は操作順に末尾へ並べる。
func (st State) Snapshot() Snapshot {
	items := make([]model.InstalledGame, 0, len(st.remoteOrder)+len(st.pending))
	seen := make(map[string]struct{}, len(st.remoteOrder))

	for _, id := range st.remoteOrder {
		if op, ok := st.pending[id]; ok && op.kind == OpRemove {
			continue
		}
		items = append(items, st.remote[id])
		seen[id] = struct{}{}
	}

	adds := make([]pendingOp, 0, len(st.pending))
	for id, op := range st.pending {
		if _, ok := seen[id]; ok || op.kind != OpAdd {
			continue
		}
		adds = append(adds, op)
	}
	sort.Slice(adds, func(i, j int) bool { return adds[i].seq < adds[j].seq })
	for _, op := range adds {
		items = append(items, op.game)
	}

	return Snapshot{Items: items, IsLoading: st.Loading}
}

// PendingCount は確定待ちの操作数を返す。
func (st State) PendingCount() int {
	return len(st.pending)
}

// Event はReduceに渡す状態遷移イベント。
type Event interface {
	epoch() uint64
}

// LoadStarted はユーザーが確定し、リモートの読み込みを開始したことを表す。
type LoadStarted struct{ Epoch uint64 }

// LoadFailed はリモートの読み込みや購読が失敗したことを表す。
type LoadFailed struct {
	Epoch uint64
	Err   error
}

// RemoteChanged はリモート文書の最新内容を表す。
type RemoteChanged struct {
	Epoch uint64
	Games []model.InstalledGame
}

// Applied は楽観的操作をローカルに適用する。
type Applied struct {
	Epoch uint64
	Seq   uint64
	Kind  OpKind
	Game  model.InstalledGame
}

// Confirmed はSeqの操作がリモートで成功したことを表す。
type Confirmed struct {
	Epoch  uint64
	Seq    uint64
	GameID string
}

// Reverted はSeqの操作がリモートで失敗したため取り消すことを表す。
type Reverted struct {
	Epoch  uint64
	Seq    uint64
	GameID string
}

// Cleared はサインアウトまたは終了によって状態を空にする。
// Epochは新しい世代で、以前の世代のイベントはすべて無視される。
type Cleared struct{ Epoch uint64 }

func (e LoadStarted) epoch() uint64   { return e.Epoch }
func (e LoadFailed) epoch() uint64    { return e.Epoch }
func (e RemoteChanged) epoch() uint64 { return e.Epoch }
func (e Applied) epoch() uint64       { return e.Epoch }
func (e Confirmed) epoch() uint64     { return e.Epoch }
func (e Reverted) epoch() uint64      { return e.Epoch }
func (e Cleared) epoch() uint64       { return e.Epoch }

// Reduce は状態遷移関数。
//
// 世代の異なるイベント（サインアウト後に届いた購読通知や書き込み結果）は無視する。
// Confirmed/Revertedは、そのゲームIDに対する最新の操作のSeqと一致する場合のみ
// 反映するため、先に発行した操作の遅れた失敗が後の操作を上書きすることはない。
func Reduce(st State, ev Event) State {
	switch e := ev.(type) {
	case LoadStarted:
		return State{
			Epoch:       e.Epoch,
			Loading:     true,
			remote:      st.remote,
			remoteOrder: st.remoteOrder,
		}

	case Cleared:
		return State{Epoch: e.Epoch}
	}

	if ev.epoch() != st.Epoch {
		return st
	}

	switch e := ev.(type) {
	case LoadFailed:
		st.Loading = false
		return st

	case RemoteChanged:
		st.Loading = false
		st.remote, st.remoteOrder = indexGames(e.Games)
		return st

	case Applied:
		st.pending = clonePending(st.pending)
		st.pending[e.Game.ID] = pendingOp{seq: e.Seq, kind: e.Kind, game: e.Game}
		return st

	case Confirmed:
		op, ok := st.pending[e.GameID]
		if !ok || op.seq != e.Seq {
			return st
		}
		st.pending = clonePending(st.pending)
		delete(st.pending, e.GameID)
		st.remote, st.remoteOrder = foldOp(st.remote, st.remoteOrder, op)
		return st

	case Reverted:
		op, ok := st.pending[e.GameID]
		if !ok || op.seq != e.Seq {
			return st
		}
		st.pending = clonePending(st.pending)
		delete(st.pending, e.GameID)
		return st
	}

	return st
}

// indexGames はIDかタイトルが欠けた不正なエントリを除外し、重複IDは先勝ちにする。
func indexGames(games []model.InstalledGame) (map[string]model.InstalledGame, []string) {
	remote := make(map[string]model.InstalledGame, len(games))
	order := make([]string, 0, len(games))
	for _, g := range games {
		if g.ID == "" || g.Title == "" {
			continue
		}
		if _, dup := remote[g.ID]; dup {
			continue
		}
		remote[g.ID] = g
		order = append(order, g.ID)
	}
	return remote, order
}

func foldOp(remote map[string]model.InstalledGame, order []string, op pendingOp) (map[string]model.InstalledGame, []string) {
	next := make(map[string]model.InstalledGame, len(remote)+1)
	for k, v := range remote {
		next[k] = v
	}

	switch op.kind {
	case OpAdd:
		if _, ok := next[op.game.ID]; !ok {
			order = append(append([]string(nil), order...), op.game.ID)
		}
		next[op.game.ID] = op.game
	case OpRemove:
		if _, ok := next[op.game.ID]; ok {
			delete(next, op.game.ID)
			filtered := make([]string, 0, len(order))
			for _, id := range order {
				if id != op.game.ID {
					filtered = append(filtered, id)
				}
			}
			order = filtered
		}
	}
	return next, order
}

func clonePending(p map[string]pendingOp) map[string]pendingOp {
	next := make(map[string]pendingOp, len(p)+1)
	for k, v := range p {
		next[k] = v
	}
	return next
}
