package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/gamehub/internal/model"
)

// PostgresConfig はPostgresStoreの設定。
type PostgresConfig struct {
	// PollInterval はサブスクリプションが変更通知に関係なく再取得する間隔。
	// ChangeFeedが無い場合はこの間隔のポーリングのみで変更を検知する。
	PollInterval time.Duration
}

// PostgresStore はPostgreSQLをバックエンドとするStore。
type PostgresStore struct {
	db     *sql.DB
	feed   ChangeFeed
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    PostgresConfig
}

// NewPostgresStore はPostgresStoreを生成する。feedはnilでもよい。
func NewPostgresStore(db *sql.DB, feed ChangeFeed, clock clockwork.Clock, logger *slog.Logger, cfg PostgresConfig) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &PostgresStore{
		db:     db,
		feed:   feed,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}
}

// FetchUserLibrary はライブラリ文書を取得する。
func (s *PostgresStore) FetchUserLibrary(ctx context.Context, userID string) (*model.LibraryRecord, error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}
	rec, err := s.fetch(ctx, userID)
	if err != nil {
		return nil, Classify(err)
	}
	return rec, nil
}

func (s *PostgresStore) fetch(ctx context.Context, userID string) (*model.LibraryRecord, error) {
	rec := &model.LibraryRecord{UserID: userID}

	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM libraries WHERE user_id = $1`,
		userID,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch library: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT game_id, title, cover_photo, category, installed_at
		 FROM library_entries
		 WHERE user_id = $1
		 ORDER BY installed_at, game_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch library entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g model.InstalledGame
		if err := rows.Scan(&g.ID, &g.Title, &g.CoverPhoto, &g.Category, &g.InstalledAt); err != nil {
			return nil, fmt.Errorf("failed to scan library entry: %w", err)
		}
		g.InstalledAt = g.InstalledAt.UTC()
		rec.Games = append(rec.Games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate library entries: %w", err)
	}

	return rec, nil
}

// CreateUserLibrary は空のライブラリ文書を作成する。
func (s *PostgresStore) CreateUserLibrary(ctx context.Context, userID string) error {
	if err := authorize(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO libraries (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return Classify(fmt.Errorf("failed to create library: %w", err))
	}
	return nil
}

// UpsertLibraryEntry はエントリを作成または置換する。
// ライブラリ文書が未作成なら同じトランザクションで作成する。
func (s *PostgresStore) UpsertLibraryEntry(ctx context.Context, userID, gameID string, game model.InstalledGame) error {
	if err := authorize(ctx, userID); err != nil {
		return err
	}
	if gameID == "" {
		return fmt.Errorf("%w: empty game id", ErrUnavailable)
	}
	category := game.Category
	if category == "" {
		category = model.UnknownCategory
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO libraries (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = now()`,
		userID,
	); err != nil {
		return Classify(fmt.Errorf("failed to touch library: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO library_entries (user_id, game_id, title, cover_photo, category, installed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, game_id) DO UPDATE SET
		   title = EXCLUDED.title,
		   cover_photo = EXCLUDED.cover_photo,
		   category = EXCLUDED.category,
		   installed_at = EXCLUDED.installed_at`,
		userID, gameID, game.Title, game.CoverPhoto, category, game.InstalledAt.UTC(),
	); err != nil {
		return Classify(fmt.Errorf("failed to upsert library entry: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	s.publish(ctx, userID)
	return nil
}

// DeleteLibraryEntry はエントリを削除する。
func (s *PostgresStore) DeleteLibraryEntry(ctx context.Context, userID, gameID string) error {
	if err := authorize(ctx, userID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM library_entries WHERE user_id = $1 AND game_id = $2`,
		userID, gameID,
	); err != nil {
		return Classify(fmt.Errorf("failed to delete library entry: %w", err))
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE libraries SET updated_at = now() WHERE user_id = $1`,
		userID,
	); err != nil {
		return Classify(fmt.Errorf("failed to touch library: %w", err))
	}

	s.publish(ctx, userID)
	return nil
}

// DeleteUserLibrary はライブラリ文書を削除する。エントリはCASCADE削除される。
func (s *PostgresStore) DeleteUserLibrary(ctx context.Context, userID string) error {
	if err := authorize(ctx, userID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM libraries WHERE user_id = $1`,
		userID,
	); err != nil {
		return Classify(fmt.Errorf("failed to delete library: %w", err))
	}

	s.publish(ctx, userID)
	return nil
}

func (s *PostgresStore) publish(ctx context.Context, userID string) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, userID); err != nil {
		s.logger.Warn("failed to publish library change",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// SubscribeUserLibrary は文書の変更を購読する。
// ChangeFeedの通知とPollIntervalごとのポーリングの両方で再取得し、
// 前回通知した内容から変化があった場合のみonChangeを呼ぶ。
// 文書が存在しない場合は空のライブラリとして通知する。
func (s *PostgresStore) SubscribeUserLibrary(
	ctx context.Context,
	userID string,
	onChange func(model.LibraryRecord),
	onError func(error),
) (func(), error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}

	// 購読はリクエストより長く生きるため、キャンセルだけ切り離す
	subCtx, cancelCtx := context.WithCancel(context.WithoutCancel(ctx))

	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	unsubscribe := func() {}
	if s.feed != nil {
		cancelFeed, err := s.feed.Subscribe(userID, kick)
		if err != nil {
			s.logger.Warn("change feed unavailable, falling back to polling",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else {
			unsubscribe = cancelFeed
		}
	}

	var stopped atomic.Bool
	sub := &subscription{
		store:    s,
		userID:   userID,
		onChange: onChange,
		onError:  onError,
		stopped:  &stopped,
	}

	go func() {
		defer unsubscribe()

		ticker := s.clock.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		sub.refresh(subCtx)
		for {
			select {
			case <-subCtx.Done():
				return
			case <-trigger:
				sub.refresh(subCtx)
			case <-ticker.Chan():
				sub.refresh(subCtx)
			}
		}
	}()

	return func() {
		stopped.Store(true)
		cancelCtx()
	}, nil
}

type subscription struct {
	store    *PostgresStore
	userID   string
	onChange func(model.LibraryRecord)
	onError  func(error)
	stopped  *atomic.Bool
	last     *model.LibraryRecord
}

func (sub *subscription) refresh(ctx context.Context) {
	rec, err := sub.store.fetch(ctx, sub.userID)
	if errors.Is(err, ErrNotFound) {
		rec, err = &model.LibraryRecord{UserID: sub.userID}, nil
	}
	if sub.stopped.Load() || ctx.Err() != nil {
		return
	}
	if err != nil {
		if sub.onError != nil {
			sub.onError(Classify(err))
		}
		return
	}
	if sub.last != nil && sameGames(sub.last.Games, rec.Games) {
		return
	}
	sub.last = rec
	sub.onChange(*rec)
}

func sameGames(a, b []model.InstalledGame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Title != b[i].Title ||
			a[i].CoverPhoto != b[i].CoverPhoto ||
			a[i].Category != b[i].Category ||
			!a[i].InstalledAt.Equal(b[i].InstalledAt) {
			return false
		}
	}
	return true
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
