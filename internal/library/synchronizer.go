package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/gamehub/internal/docstore"
	"github.com/hitoshi/gamehub/internal/model"
)

// IdentitySource はログイン中ユーザーの変化を通知する。
// identity.Sessionがこれを実装する。
type IdentitySource interface {
	Current() *model.Identity
	OnAuthChange(fn func(*model.Identity)) (unsubscribe func())
}

// Synchronizer はログイン中ユーザーのインストール済みゲーム一覧を
// リモート文書と同期し、楽観的なインストール/アンインストールを提供する。
//
// 状態の変化はすべてReduceを通じて行い、世代(epoch)の異なる結果は破棄する。
// Watchに登録したコールバックはシリアルに呼ばれ、古い状態が新しい状態の後に届くことはない。
// コールバック内でSnapshotを読むことはできるが、Install/Uninstallなどの更新操作を
// 同期的に呼んではならない。
type Synchronizer struct {
	store    docstore.Store
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	last         Snapshot
	identity     *model.Identity
	epoch        uint64
	seq          uint64
	cancelRemote func()
	unbind       func()
	closed       bool
	emitSeq      uint64

	// emitMu はウォッチャー呼び出しを直列化する。muを保持したまま取得しない。
	emitMu   sync.Mutex
	emitted  uint64 // 最後に配信したemitSeq
	watchers listeners[Snapshot]
	notices  listeners[Notification]
}

// NewSynchronizer はSynchronizerを生成する。
// notifierとclockとloggerはnilの場合に既定値を使う。
func NewSynchronizer(store docstore.Store, notifier Notifier, clock clockwork.Clock, logger *slog.Logger) *Synchronizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:    store,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		last:     Snapshot{Items: []model.InstalledGame{}},
	}
}

// Bind はidentityの変化を購読し、現在のユーザーで同期を開始する。
// 再度呼ぶと以前の購読は解除される。
func (s *Synchronizer) Bind(src IdentitySource) {
	unsubscribe := src.OnAuthChange(s.setIdentity)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	prev := s.unbind
	s.unbind = unsubscribe
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.setIdentity(src.Current())
}

// Identity は同期対象のユーザーを返す。未ログインの場合はnil。
func (s *Synchronizer) Identity() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	ident := *s.identity
	return &ident
}

// Snapshot は現在の表示用状態のコピーを返す。
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySnapshot(s.last)
}

// Watch は状態が変化するたびに呼ばれるコールバックを登録する。
func (s *Synchronizer) Watch(fn func(Snapshot)) (cancel func()) {
	return s.watchers.add(fn)
}

// Watching はWatchで登録されたコールバックが残っているかを返す。
func (s *Synchronizer) Watching() bool {
	return s.watchers.len() > 0
}

// OnNotification は通知を受け取るコールバックを登録する。
func (s *Synchronizer) OnNotification(fn func(Notification)) (cancel func()) {
	return s.notices.add(fn)
}

// Install はゲームをライブラリに追加する。
//
// 未ログインの場合はAUTH_REQUIREDを返す。同じIDが既に表示中（確定待ちを含む）なら
// 何もしない。ローカルに即時反映した後でリモートへ書き込み、失敗した場合は
// 追加を取り消して失敗通知を1回だけ出す。権限エラーでもログアウトはしない。
func (s *Synchronizer) Install(ctx context.Context, game model.Game) error {
	if game.ID == "" || game.Title == "" {
		return model.NewInvalidRequestError("ゲームIDとタイトルは必須です")
	}

	s.mu.Lock()
	if s.identity == nil || s.closed {
		s.mu.Unlock()
		authErr := model.NewAuthRequiredError()
		s.notify(Notification{
			Kind:    KindError,
			Op:      OpAdd.String(),
			Code:    authErr.Code,
			Message: authErr.Message,
			GameID:  game.ID,
			Title:   game.Title,
		})
		return authErr
	}
	if s.last.Contains(game.ID) {
		s.mu.Unlock()
		return nil
	}

	uid := s.identity.UID
	epoch := s.epoch
	s.seq++
	seq := s.seq
	entry := model.NewInstalledGame(game, s.clock.Now())
	s.applyAndEmit(Applied{Epoch: epoch, Seq: seq, Kind: OpAdd, Game: entry})

	writeCtx := docstore.WithPrincipal(context.WithoutCancel(ctx), uid)
	err := s.store.UpsertLibraryEntry(writeCtx, uid, entry.ID, entry)
	if err == nil {
		if s.settle(Confirmed{Epoch: epoch, Seq: seq, GameID: entry.ID}) {
			s.notify(Notification{
				Kind:    KindSuccess,
				Op:      OpAdd.String(),
				Message: fmt.Sprintf("%s をインストールしました!", entry.Title),
				GameID:  entry.ID,
				Title:   entry.Title,
			})
		}
		return nil
	}

	err = docstore.Classify(err)
	s.logger.Warn("install failed",
		slog.String("user_id", uid),
		slog.String("game_id", entry.ID),
		slog.String("error", err.Error()),
	)

	apiErr := toAPIError(err)
	message := fmt.Sprintf("インストールに失敗しました: %s", err.Error())
	if docstore.IsPermissionDenied(err) {
		message = apiErr.Message
	}
	if s.settle(Reverted{Epoch: epoch, Seq: seq, GameID: entry.ID}) {
		s.notify(Notification{
			Kind:    KindError,
			Op:      OpAdd.String(),
			Code:    apiErr.Code,
			Message: message,
			GameID:  entry.ID,
			Title:   entry.Title,
		})
	}
	return apiErr
}

// Uninstall はゲームをライブラリから削除する。
//
// 未ログインの場合は通知を出さずにAUTH_REQUIREDを返す。表示中でないIDは何もしない。
// ローカルから即時に取り除き、リモートの削除が失敗した場合は元に戻して失敗を通知する。
func (s *Synchronizer) Uninstall(ctx context.Context, gameID string) error {
	s.mu.Lock()
	if s.identity == nil || s.closed {
		s.mu.Unlock()
		return model.NewAuthRequiredError()
	}
	var target model.InstalledGame
	found := false
	for _, g := range s.last.Items {
		if g.ID == gameID {
			target, found = g, true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return nil
	}

	uid := s.identity.UID
	epoch := s.epoch
	s.seq++
	seq := s.seq
	s.applyAndEmit(Applied{Epoch: epoch, Seq: seq, Kind: OpRemove, Game: target})

	writeCtx := docstore.WithPrincipal(context.WithoutCancel(ctx), uid)
	err := s.store.DeleteLibraryEntry(writeCtx, uid, gameID)
	if err == nil {
		if s.settle(Confirmed{Epoch: epoch, Seq: seq, GameID: gameID}) {
			s.notify(Notification{
				Kind:    KindInfo,
				Op:      OpRemove.String(),
				Message: fmt.Sprintf("%s をアンインストールしました。", target.Title),
				GameID:  gameID,
				Title:   target.Title,
			})
		}
		return nil
	}

	err = docstore.Classify(err)
	s.logger.Warn("uninstall failed",
		slog.String("user_id", uid),
		slog.String("game_id", gameID),
		slog.String("error", err.Error()),
	)

	apiErr := toAPIError(err)
	if s.settle(Reverted{Epoch: epoch, Seq: seq, GameID: gameID}) {
		s.notify(Notification{
			Kind:    KindError,
			Op:      OpRemove.String(),
			Code:    apiErr.Code,
			Message: "アンインストールに失敗しました。",
			GameID:  gameID,
			Title:   target.Title,
		})
	}
	return apiErr
}

// Close は購読を解除し、状態を空にする。以降の操作はAUTH_REQUIREDになる。
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	unbind := s.unbind
	cancel := s.cancelRemote
	s.unbind, s.cancelRemote = nil, nil
	s.identity = nil
	s.closed = true
	s.epoch++
	s.applyAndEmit(Cleared{Epoch: s.epoch})

	if unbind != nil {
		unbind()
	}
	if cancel != nil {
		cancel()
	}
	s.watchers.clear()
	s.notices.clear()
}

// setIdentity はログインユーザーの変化を反映する。
// 同じユーザーのプロフィール更新では再購読しない。
func (s *Synchronizer) setIdentity(ident *model.Identity) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	prevUID := uidOf(s.identity)
	if ident != nil {
		copied := *ident
		s.identity = &copied
	} else {
		s.identity = nil
	}
	if uidOf(ident) == prevUID {
		s.mu.Unlock()
		return
	}

	cancel := s.cancelRemote
	s.cancelRemote = nil
	s.epoch++
	epoch := s.epoch

	if ident == nil {
		s.applyAndEmit(Cleared{Epoch: epoch})
	} else {
		// 別ユーザーの一覧を読み込み中に表示しないよう、先に空にする。
		s.state = Reduce(s.state, Cleared{Epoch: epoch})
		s.applyAndEmit(LoadStarted{Epoch: epoch})
	}

	if cancel != nil {
		cancel()
	}
	if ident != nil {
		go s.load(epoch, ident.UID)
	}
}

// load はライブラリ文書を取得し、存在しなければ作成してから変更を購読する。
func (s *Synchronizer) load(epoch uint64, uid string) {
	ctx := docstore.WithPrincipal(context.Background(), uid)

	rec, err := s.store.FetchUserLibrary(ctx, uid)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		if cerr := s.store.CreateUserLibrary(ctx, uid); cerr != nil {
			s.logger.Warn("failed to create library",
				slog.String("user_id", uid),
				slog.String("error", cerr.Error()),
			)
		}
		s.dispatch(RemoteChanged{Epoch: epoch})
	case err != nil:
		s.logger.Warn("failed to fetch library",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		s.dispatch(LoadFailed{Epoch: epoch, Err: err})
	default:
		s.dispatch(RemoteChanged{Epoch: epoch, Games: rec.Games})
	}

	if !s.isCurrent(epoch) {
		return
	}

	cancel, err := s.store.SubscribeUserLibrary(ctx, uid,
		func(rec model.LibraryRecord) {
			s.dispatch(RemoteChanged{Epoch: epoch, Games: rec.Games})
		},
		func(err error) {
			s.logger.Warn("library subscription error",
				slog.String("user_id", uid),
				slog.String("error", err.Error()),
			)
			s.dispatch(LoadFailed{Epoch: epoch, Err: err})
		},
	)
	if err != nil {
		s.logger.Error("failed to subscribe library",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		s.dispatch(LoadFailed{Epoch: epoch, Err: err})
		return
	}

	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelRemote = cancel
	s.mu.Unlock()
}

func (s *Synchronizer) isCurrent(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.epoch == epoch
}

// settle は書き込み結果を反映し、その結果がまだ有効だったかを返す。
// 世代が変わっているか、同じゲームに新しい操作が発行済みの場合はfalse。
func (s *Synchronizer) settle(ev Event) bool {
	s.mu.Lock()
	if s.closed || s.state.Epoch != ev.epoch() {
		s.mu.Unlock()
		return false
	}
	var gameID string
	var seq uint64
	switch e := ev.(type) {
	case Confirmed:
		gameID, seq = e.GameID, e.Seq
	case Reverted:
		gameID, seq = e.GameID, e.Seq
	}
	op, ok := s.state.pending[gameID]
	if !ok || op.seq != seq {
		s.mu.Unlock()
		return false
	}
	s.applyAndEmit(ev)
	return true
}

func (s *Synchronizer) dispatch(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.applyAndEmit(ev)
}

// applyAndEmit はmuを保持した状態で呼び、イベントを適用してmuを解放する。
// 表示用の状態が変わった場合はウォッチャーに通知する。
func (s *Synchronizer) applyAndEmit(ev Event) {
	s.state = Reduce(s.state, ev)
	snap := s.state.Snapshot()
	if sameSnapshot(snap, s.last) {
		s.mu.Unlock()
		return
	}
	s.last = snap
	s.emitSeq++
	seq := s.emitSeq
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq <= s.emitted {
		return
	}
	s.emitted = seq
	s.watchers.emit(copySnapshot(snap))
}

func (s *Synchronizer) notify(n Notification) {
	if s.notifier != nil {
		s.notifier.Notify(n)
	}
	s.notices.emit(n)
}

func toAPIError(err error) *model.APIError {
	if docstore.IsPermissionDenied(err) {
		return model.NewPermissionDeniedError()
	}
	return model.NewRemoteUnavailableError(err.Error())
}

func uidOf(ident *model.Identity) string {
	if ident == nil {
		return ""
	}
	return ident.UID
}

func sameSnapshot(a, b Snapshot) bool {
	if a.IsLoading != b.IsLoading || len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		if a.Items[i] != b.Items[i] {
			return false
		}
	}
	return true
}

func copySnapshot(s Snapshot) Snapshot {
	items := make([]model.InstalledGame, len(s.Items))
	copy(items, s.Items)
	return Snapshot{Items: items, IsLoading: s.IsLoading}
}
