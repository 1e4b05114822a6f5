package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/library"
	"github.com/hitoshi/gamehub/internal/model"
	"github.com/hitoshi/gamehub/internal/stream"
)

// LibraryServiceInterface はライブラリハンドラーが必要とするサービスインターフェース。
// 操作はセッションCookieごとのライブラリ同期に委譲される。
type LibraryServiceInterface interface {
	Snapshot(ctx context.Context, sessionID string) (library.Snapshot, error)
	// Install はゲームをインストールし、確定後のスナップショットを返す。
	Install(ctx context.Context, sessionID string, game model.Game) (library.Snapshot, error)
	// Uninstall はゲームをアンインストールし、確定後のスナップショットを返す。
	Uninstall(ctx context.Context, sessionID, gameID string) (library.Snapshot, error)
	// Feeds はWebSocket配信のためにライブラリとログイン状態の購読元を返す。
	Feeds(ctx context.Context, sessionID string) (stream.LibraryFeed, stream.AuthFeed, error)
}

// StreamServer はWebSocket接続を引き受ける。stream.Hubが実装する。
type StreamServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string, lib stream.LibraryFeed, auth stream.AuthFeed) error
}

// LibraryHandler はインストール済みライブラリのHTTPハンドラー。
type LibraryHandler struct {
	service LibraryServiceInterface
	catalog *catalog.Catalog
	streams StreamServer
}

// NewLibraryHandler はLibraryHandlerを生成する。
func NewLibraryHandler(service LibraryServiceInterface, cat *catalog.Catalog, streams StreamServer) *LibraryHandler {
	return &LibraryHandler{
		service: service,
		catalog: cat,
		streams: streams,
	}
}

// GetLibrary は現在のライブラリのスナップショットを返す。
// GET /api/library
func (h *LibraryHandler) GetLibrary(w http.ResponseWriter, r *http.Request) {
	_, sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	snap, err := h.service.Snapshot(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Install はカタログのゲームをライブラリに追加する。
// PUT /api/library/{gameID}
func (h *LibraryHandler) Install(w http.ResponseWriter, r *http.Request) {
	_, sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	gameID := chi.URLParam(r, "gameID")
	game, found := h.catalog.Find(gameID)
	if !found {
		handleServiceError(w, model.NewGameNotFoundError(gameID))
		return
	}

	snap, err := h.service.Install(r.Context(), sessionID, game)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Uninstall はゲームをライブラリから取り除く。
// カタログから消えたゲームも取り除けるよう、カタログは参照しない。
// DELETE /api/library/{gameID}
func (h *LibraryHandler) Uninstall(w http.ResponseWriter, r *http.Request) {
	_, sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	snap, err := h.service.Uninstall(r.Context(), sessionID, chi.URLParam(r, "gameID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stream はライブラリの変化と検索結果を配信するWebSocketを開く。
// GET /api/library/stream
func (h *LibraryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	lib, auth, err := h.service.Feeds(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// アップグレード失敗時のレスポンスはUpgraderが書き込む
	if err := h.streams.Serve(w, r, userID, lib, auth); err != nil {
		slog.Warn("failed to open library stream",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
