package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"homework_bot/internal/model"
	"homework_bot/internal/storage"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type mockSink struct {
	mu        sync.Mutex
	reminders []model.Reminder
	err       error
}

func (m *mockSink) SendNotification(_ context.Context, r model.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reminders = append(m.reminders, r)
	return nil
}

func (m *mockSink) sent() []model.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.Reminder, len(m.reminders))
	copy(cp, m.reminders)
	return cp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addHomework(t *testing.T, s storage.Storage, guildID uint64, subject string, due time.Time) model.Homework {
	t.Helper()
	hw := model.Homework{GuildID: guildID, Subject: subject, Title: subject + " task", Due: due, CreatedBy: 1}
	if err := s.CreateHomework(context.Background(), &hw); err != nil {
		t.Fatalf("create homework: %v", err)
	}
	return hw
}

func subscribe(t *testing.T, s storage.Storage, sub model.Subscription) {
	t.Helper()
	if err := s.SaveSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("save subscription: %v", err)
	}
}

func countdown(t *testing.T, d time.Duration) model.Schedule {
	t.Helper()
	sc, err := model.NewCountdownSchedule(d)
	if err != nil {
		t.Fatalf("countdown schedule: %v", err)
	}
	return sc
}

func cronSchedule(t *testing.T, expr string) model.Schedule {
	t.Helper()
	sc, err := model.NewCronSchedule(expr)
	if err != nil {
		t.Fatalf("cron schedule: %v", err)
	}
	return sc
}
