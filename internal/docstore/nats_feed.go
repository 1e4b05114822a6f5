package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix はライブラリ変更通知のサブジェクト接頭辞。
const SubjectPrefix = "gamehub.library."

// NATSFeedConfig はNATSFeedの設定。
type NATSFeedConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSFeedConfig は既定のNATSFeed設定を返す。
func DefaultNATSFeedConfig(url string) NATSFeedConfig {
	return NATSFeedConfig{
		URL:           url,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSFeed は複数インスタンス間でライブラリ変更を配信するChangeFeed。
// 書き込みを行ったインスタンスがPublishし、全インスタンスが購読する。
type NATSFeed struct {
	nc     *nats.Conn
	subs   *subscribers
	logger *slog.Logger
}

// NewNATSFeed はNATSに接続してNATSFeedを生成する。
func NewNATSFeed(cfg NATSFeedConfig, logger *slog.Logger) (*NATSFeed, error) {
	f := &NATSFeed{subs: newSubscribers(), logger: logger}

	opts := []nats.Option{
		nats.Name("gamehub-library-feed"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
			f.subs.notifyAll()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f.nc = nc
	return f, nil
}

// Subscribe はuserIDのサブジェクトを購読する。
// 同一ユーザーの購読者が複数いてもNATS購読は1つずつ作成する。
func (f *NATSFeed) Subscribe(userID string, notify func()) (func(), error) {
	sub, err := f.nc.Subscribe(SubjectPrefix+userID, func(*nats.Msg) {
		notify()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectPrefix+userID, err)
	}
	remove := f.subs.add(userID, notify)

	return func() {
		remove()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			f.logger.Warn("failed to unsubscribe library subject",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// Publish はuserIDのライブラリが変更されたことを通知する。
func (f *NATSFeed) Publish(_ context.Context, userID string) error {
	if err := f.nc.Publish(SubjectPrefix+userID, []byte(userID)); err != nil {
		return fmt.Errorf("publish library change: %w", err)
	}
	return nil
}

// Close は保留中のメッセージを送信してから接続を閉じる。
func (f *NATSFeed) Close() error {
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
		return err
	}
	return nil
}

var _ ChangeFeed = (*NATSFeed)(nil)
