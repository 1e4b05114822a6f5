package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel はライブラリ変更トリガーが通知するチャネル名。
const NotifyChannel = "library_changes"

// PGFeedConfig はPGFeedの設定。
type PGFeedConfig struct {
	DatabaseURL  string
	Channel      string
	PingInterval time.Duration
}

// DefaultPGFeedConfig は既定のPGFeed設定を返す。
func DefaultPGFeedConfig(databaseURL string) PGFeedConfig {
	return PGFeedConfig{
		DatabaseURL:  databaseURL,
		Channel:      NotifyChannel,
		PingInterval: 90 * time.Second,
	}
}

// PGFeed はPostgreSQLのLISTEN/NOTIFYでライブラリ変更を受け取るChangeFeed。
// ペイロードは変更されたライブラリのユーザーID。
type PGFeed struct {
	listener *pq.Listener
	subs     *subscribers
	cfg      PGFeedConfig
	logger   *slog.Logger
	done     chan struct{}
	stopped  chan struct{}
}

// NewPGFeed はLISTENを開始したPGFeedを生成する。Runで受信ループを開始すること。
func NewPGFeed(cfg PGFeedConfig, logger *slog.Logger) (*PGFeed, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Error("library listener event", slog.String("error", err.Error()))
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel %s: %w", cfg.Channel, err)
	}

	logger.Info("listening for library changes", slog.String("channel", cfg.Channel))

	return &PGFeed{
		listener: l,
		subs:     newSubscribers(),
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Run はctxが終了するかCloseされるまで通知を配送する。
func (f *PGFeed) Run(ctx context.Context) {
	defer close(f.stopped)

	pingTicker := time.NewTicker(f.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case note, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				// 再接続直後は取りこぼしがあり得るため全購読者に再取得させる
				f.logger.Warn("library listener reconnected, resyncing all subscribers")
				f.subs.notifyAll()
				continue
			}
			f.subs.notify(note.Extra)
		case <-pingTicker.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.Error("failed to ping library listener", slog.String("error", err.Error()))
			}
		}
	}
}

// Subscribe はuserIDの変更通知を登録する。
func (f *PGFeed) Subscribe(userID string, notify func()) (func(), error) {
	return f.subs.add(userID, notify), nil
}

// Publish は何もしない。通知はlibrary_entriesのトリガーが送る。
func (f *PGFeed) Publish(context.Context, string) error {
	return nil
}

// Close はLISTEN接続を閉じる。
func (f *PGFeed) Close() error {
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}
	return f.listener.Close()
}

var _ ChangeFeed = (*PGFeed)(nil)
