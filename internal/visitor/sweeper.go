package visitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredDeleter は期限切れの訪問者レコードを削除する。
// repository.VisitorRepositoryが満たす。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Evicter はアイドルなCoreをメモリから解放する。Registryが満たす。
type Evicter interface {
	EvictIdle(idle time.Duration) int
}

// Sweeper はアイドルな訪問者の解放と期限切れレコードの削除を定期実行するジョブ。
// 冪等で、対象がない場合もエラーにならない。
type Sweeper struct {
	evicter     Evicter
	repo        ExpiredDeleter
	logger      *slog.Logger
	IdleTimeout time.Duration // メモリ上に保持するアイドル時間（デフォルト: 30分）
}

// NewSweeper は新しいSweeperを生成する。
func NewSweeper(evicter Evicter, repo ExpiredDeleter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		evicter:     evicter,
		repo:        repo,
		logger:      logger,
		IdleTimeout: 30 * time.Minute,
	}
}

// Run は1回分の掃除を行う。
func (s *Sweeper) Run(ctx context.Context) error {
	start := time.Now()

	evicted := s.evicter.EvictIdle(s.IdleTimeout)

	deleted, err := s.repo.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("期限切れ訪問者の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("evicted_count", evicted),
		)
		return fmt.Errorf("期限切れ訪問者の削除に失敗: %w", err)
	}

	s.logger.Info("訪問者の掃除が完了しました",
		slog.Int("evicted_count", evicted),
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされるとnilを返す。
// 1回の失敗では停止しない。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.Run(ctx)
		}
	}
}
