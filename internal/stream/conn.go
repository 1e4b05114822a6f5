package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/model"
)

type conn struct {
	id     string
	userID string
	hub    *Hub
	ws     *websocket.Conn
	view   *catalog.View

	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	cancels []func()
	filter  catalog.Filter
}

// enqueue はメッセージを送信キューに入れる。
// キューが溢れた接続は遅すぎるとみなして閉じる。
func (c *conn) enqueue(m Message) {
	data, err := encode(m)
	if err != nil {
		c.hub.logger.Error("failed to encode stream message",
			slog.String("type", m.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.hub.logger.Warn("stream send buffer full, closing connection",
			slog.String("connection_id", c.id),
		)
		go c.close()
	}
}

// closeAfterFlush はキュー済みのメッセージを書き出した後で接続を閉じる。
func (c *conn) closeAfterFlush() {
	select {
	case c.send <- nil:
	default:
		go c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		cancels := c.cancels
		c.cancels = nil
		c.mu.Unlock()
		for _, cancel := range cancels {
			if cancel != nil {
				cancel()
			}
		}
		c.view.Close()
		c.hub.unregister(c)
		_ = c.ws.Close()

		c.hub.logger.Info("stream disconnected",
			slog.String("connection_id", c.id),
			slog.String("user_id", c.userID),
		)
	})
}

// setCancels は購読の解除関数を登録する。既に閉じていればすぐに解除する。
func (c *conn) setCancels(cancels []func()) {
	c.mu.Lock()
	c.cancels = cancels
	c.mu.Unlock()

	select {
	case <-c.done:
		c.mu.Lock()
		pending := c.cancels
		c.cancels = nil
		c.mu.Unlock()
		for _, cancel := range pending {
			cancel()
		}
	default:
	}
}

func (c *conn) writePump() {
	ticker := c.hub.clock.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if data == nil {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, TypeSignedOut))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("stream write failed",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
				return
			}

		case <-ticker.Chan():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer c.close()

	if c.hub.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("unexpected stream close",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
		c.handle(data)
	}
}

// handle はクライアントのメッセージを処理する。
// 検索条件のうちクエリはデバウンスされ、カテゴリと並び順は即時に反映される。
func (c *conn) handle(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueueError(model.NewInvalidRequestError("メッセージのJSONが不正です"))
		return
	}
	if msg.Type != TypeSearch {
		c.enqueueError(model.NewInvalidRequestError("未対応のメッセージ種別です: " + msg.Type))
		return
	}

	key, err := catalog.ParseSort(msg.Sort)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			c.enqueueError(apiErr)
		}
		return
	}

	c.mu.Lock()
	prev := c.filter
	c.filter = catalog.Filter{Query: msg.Query, Category: msg.Category, Sort: key}
	c.mu.Unlock()

	if msg.Category != prev.Category {
		c.view.SetCategory(msg.Category)
	}
	if key != prev.Sort {
		c.view.SetSort(key)
	}
	if msg.Query != prev.Query {
		c.view.SetQuery(msg.Query)
	}
}

func (c *conn) enqueueError(apiErr *model.APIError) {
	c.enqueue(Message{Type: TypeError, Error: &ErrorBody{Code: apiErr.Code, Message: apiErr.Message}})
}
