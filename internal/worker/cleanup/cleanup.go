// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// 有効期限を猶予期間以上過ぎたセッションを定期バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder は削除件数の記録先。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionsCleaned(count int)
}

// CleanupJob は期限切れセッションの削除ジョブ。冪等な削除処理を保証する。
type CleanupJob struct {
	db       Executor
	logger   *slog.Logger
	clock    clockwork.Clock
	recorder Recorder

	GracePeriod time.Duration // 有効期限からの猶予期間（デフォルト: 0）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// clockがnilの場合は実時間を使う。recorderは省略できる。
func NewCleanupJob(db Executor, clock clockwork.Clock, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:       db,
		logger:   logger,
		clock:    clock,
		recorder: recorder,
	}
}

// Run は有効期限切れのセッションを削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := j.clock.Now()
	cutoff := start.Add(-j.GracePeriod).UTC()

	result, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsCleaned(int(deleted))
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(j.clock.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
// コンテキストがキャンセルされるまでブロックする。失敗しても次の周期で再試行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	j.runOnce(ctx)

	ticker := j.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.runOnce(ctx)
		}
	}
}

func (j *CleanupJob) runOnce(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("cleanup job failed", slog.String("error", err.Error()))
	}
}
