// Package stream はライブラリの変化と検索結果をWebSocketでブラウザに配信する。
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/library"
	"github.com/hitoshi/gamehub/internal/model"
)

// LibraryFeed はストリームが購読するライブラリ同期の操作。
type LibraryFeed interface {
	Snapshot() library.Snapshot
	Watch(fn func(library.Snapshot)) (cancel func())
	OnNotification(fn func(library.Notification)) (cancel func())
}

// AuthFeed はストリームが購読するログイン状態の変化。
type AuthFeed interface {
	OnAuthChange(fn func(*model.Identity)) (unsubscribe func())
}

// Config はWebSocket接続の設定。
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	SearchDebounce time.Duration
	CheckOrigin    func(r *http.Request) bool
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
		SearchDebounce: catalog.DefaultDebounce,
	}
}

// Hub はWebSocket接続を管理する。
type Hub struct {
	catalog  *catalog.Catalog
	clock    clockwork.Clock
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewHub はHubを生成する。
func NewHub(cat *catalog.Catalog, clock clockwork.Clock, cfg Config, logger *slog.Logger) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = cfg.PingInterval * 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		catalog: cat,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[*conn]struct{}),
	}
}

// Serve はHTTP接続をWebSocketにアップグレードし、切断されるまで配信する。
// アップグレード後はブロックせずに戻る。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string, lib LibraryFeed, auth AuthFeed) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &conn{
		id:     uuid.New().String(),
		userID: userID,
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		filter: catalog.Filter{Sort: catalog.DefaultSort},
	}
	c.view = catalog.NewView(h.catalog.All(), catalog.Filter{Sort: catalog.DefaultSort}, h.clock, h.cfg.SearchDebounce, func(res catalog.Result) {
		c.enqueue(Message{Type: TypeResults, Results: &res})
	})

	h.register(c)

	// 初回スナップショットは購読登録後に取得し、その間の変更を取りこぼさない
	c.setCancels([]func(){
		lib.Watch(func(s library.Snapshot) {
			c.enqueue(Message{Type: TypeSnapshot, Snapshot: &s})
		}),
		lib.OnNotification(func(n library.Notification) {
			c.enqueue(Message{Type: TypeNotification, Notification: &n})
		}),
		auth.OnAuthChange(func(ident *model.Identity) {
			if ident == nil {
				c.enqueue(Message{Type: TypeSignedOut})
				c.closeAfterFlush()
			}
		}),
	})

	c.enqueue(Message{Type: TypeSnapshot, Snapshot: ptr(lib.Snapshot())})
	res := c.view.Result()
	c.enqueue(Message{Type: TypeResults, Results: &res})

	go c.writePump()
	go c.readPump()

	h.logger.Info("stream connected",
		slog.String("connection_id", c.id),
		slog.String("user_id", userID),
	)
	return nil
}

// Len は接続数を返す。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close はすべての接続を閉じる。
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func ptr[T any](v T) *T { return &v }

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
