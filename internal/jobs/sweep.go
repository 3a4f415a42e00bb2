package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"homework_bot/internal/metrics"
	"homework_bot/internal/scheduler"
	"homework_bot/internal/storage"
)

// Sweeper deletes homework that stayed past its guild's retention window.
type Sweeper struct {
	store   storage.Storage
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSweeper creates a Sweeper. m may be nil.
func NewSweeper(store storage.Storage, log *slog.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{store: store, log: log, metrics: m}
}

// Handle is the scheduler handler for the retention sweep trigger.
func (s *Sweeper) Handle(ctx context.Context, f scheduler.Firing) error {
	return s.Sweep(ctx, f.FiredAt)
}

// Sweep removes, for every guild, homework due at or before now minus the
// guild's retention window. A failing guild is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	guilds, err := s.store.ListGuilds(ctx)
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}

	var total int64
	for _, g := range guilds {
		if err := ctx.Err(); err != nil {
			return err
		}

		cutoff := now.Add(-g.RetentionWindow)
		n, err := s.store.DeleteHomeworkDueBefore(ctx, g.ID, cutoff)
		if err != nil {
			s.log.Error("sweep guild", "guild_id", g.ID, "error", err)
			continue
		}
		if n > 0 {
			s.log.Debug("purged homework", "guild_id", g.ID, "count", n, "cutoff", cutoff)
		}
		s.metrics.HomeworkPurged(n)
		total += n
	}

	s.log.Info("retention sweep finished", "guilds", len(guilds), "purged", total)
	return nil
}
