package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"homework_bot/internal/metrics"
	"homework_bot/internal/model"
)

func remainingSubjects(t *testing.T, s interface {
	ListHomework(ctx context.Context, guildID uint64, from, to time.Time) ([]model.Homework, error)
}, guildID uint64) []string {
	t.Helper()
	list, err := s.ListHomework(context.Background(), guildID, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("list homework: %v", err)
	}
	return subjects(list)
}

func TestSweepHonoursRetentionWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Guild 1 keeps the default window of 7 days.
	if _, err := store.GetOrCreateGuild(ctx, 1); err != nil {
		t.Fatalf("guild: %v", err)
	}
	// Guild 2 keeps homework for a single day.
	if _, err := store.UpdateGuild(ctx, 2, func(g *model.Guild) error {
		g.RetentionWindow = 24 * time.Hour
		return nil
	}); err != nil {
		t.Fatalf("update guild: %v", err)
	}

	week := model.DefaultRetentionWindow
	addHomework(t, store, 1, "boundary", now.Add(-week))
	addHomework(t, store, 1, "old", now.Add(-week-time.Hour))
	addHomework(t, store, 1, "recent", now.Add(-week+time.Second))
	addHomework(t, store, 1, "upcoming", now.Add(time.Hour))
	addHomework(t, store, 2, "yesterday", now.Add(-25*time.Hour))
	addHomework(t, store, 2, "today", now.Add(-23*time.Hour))

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	sw := NewSweeper(store, discardLogger(), m)
	if err := sw.Sweep(ctx, now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if diff := cmp.Diff([]string{"recent", "upcoming"}, remainingSubjects(t, store, 1)); diff != "" {
		t.Errorf("guild 1 homework mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"today"}, remainingSubjects(t, store, 2)); diff != "" {
		t.Errorf("guild 2 homework mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(m.HomeworkPurgedTotal); got != 3 {
		t.Errorf("purged = %v, want 3", got)
	}

	// A second sweep at the same instant has nothing left to do.
	if err := sw.Sweep(ctx, now); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := testutil.ToFloat64(m.HomeworkPurgedTotal); got != 3 {
		t.Errorf("purged after second sweep = %v, want 3", got)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetOrCreateGuild(context.Background(), 1); err != nil {
		t.Fatalf("guild: %v", err)
	}
	addHomework(t, store, 1, "old", now.AddDate(0, -1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := NewSweeper(store, discardLogger(), nil)
	if err := sw.Sweep(ctx, now); err == nil {
		t.Fatal("expected error from cancelled sweep")
	}
	if diff := cmp.Diff([]string{"old"}, remainingSubjects(t, store, 1)); diff != "" {
		t.Errorf("homework mismatch (-want +got):\n%s", diff)
	}
}
