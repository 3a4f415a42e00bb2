package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"homework_bot/internal/metrics"
	"homework_bot/internal/model"
	"homework_bot/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu     sync.Mutex
	states map[string]model.TriggerState
	onSave func(model.TriggerState)
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]model.TriggerState)}
}

func (m *memStore) LoadTrigger(_ context.Context, key string) (*model.TriggerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", key, storage.ErrNotFound)
	}
	return &st, nil
}

func (m *memStore) SaveTrigger(_ context.Context, st model.TriggerState) error {
	m.mu.Lock()
	hook := m.onSave
	m.mu.Unlock()
	if hook != nil {
		hook(st)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Key] = st
	return nil
}

func (m *memStore) setOnSave(fn func(model.TriggerState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSave = fn
}

func (m *memStore) DeleteTrigger(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

func (m *memStore) get(key string) (model.TriggerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	return st, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	firings []Firing
}

func (r *recorder) handle(_ context.Context, f Firing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firings = append(r.firings, f)
	return nil
}

func (r *recorder) keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, len(r.firings))
	for i, f := range r.firings {
		keys[i] = f.Key
	}
	return keys
}

// wait blocks until all in-flight firings have returned.
func (s *Scheduler) wait() {
	s.wg.Wait()
}

var start = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{now: start}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(store, log, nil)
	s.SetClock(clock.Now)
	return s, store, clock
}

func TestScheduleOverwritesKey(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestScheduler(t)

	if err := s.ScheduleCron(ctx, "a", "0 18 * * *", SweepPayload(), MisfireSkip); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.ScheduleCron(ctx, "a", "30 7 * * *", SweepPayload(), MisfireSkip); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := s.ScheduleInterval(ctx, "b", time.Hour, SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule interval: %v", err)
	}

	if diff := cmp.Diff([]Key{"a", "b"}, s.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	next, ok := s.NextFire("a")
	if !ok {
		t.Fatal("trigger a must be live")
	}
	if want := time.Date(2026, 1, 6, 7, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
}

func TestScheduleRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestScheduler(t)

	if err := s.ScheduleCron(ctx, "a", "every day", SweepPayload(), MisfireSkip); err == nil {
		t.Error("expected error for malformed cron expression")
	}
	if err := s.ScheduleInterval(ctx, "b", 0, SweepPayload(), MisfireSkip); err == nil {
		t.Error("expected error for zero interval")
	}
	if len(s.Keys()) != 0 {
		t.Errorf("keys = %v, want none", s.Keys())
	}
}

func TestIntervalFiresImmediatelyThenEveryPeriod(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestScheduler(t)
	rec := &recorder{}
	s.Handle(JobRetentionSweep, rec.handle)

	if err := s.ScheduleInterval(ctx, "sweep", time.Hour, SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.fireDue(ctx)
	s.wait()
	clock.Advance(30 * time.Minute)
	s.fireDue(ctx)
	s.wait()
	clock.Advance(30 * time.Minute)
	s.fireDue(ctx)
	s.wait()

	if diff := cmp.Diff([]Key{"sweep", "sweep"}, rec.keys()); diff != "" {
		t.Errorf("firings mismatch (-want +got):\n%s", diff)
	}

	st, ok := store.get("sweep")
	if !ok {
		t.Fatal("trigger state must be persisted")
	}
	if st.NextFireAt == nil || !st.NextFireAt.Equal(start.Add(2*time.Hour)) {
		t.Errorf("persisted next fire = %v, want %v", st.NextFireAt, start.Add(2*time.Hour))
	}
	if st.LastFiredAt == nil || !st.LastFiredAt.Equal(start.Add(time.Hour)) {
		t.Errorf("persisted last fire = %v, want %v", st.LastFiredAt, start.Add(time.Hour))
	}
}

func TestOnceTriggerIsNotRearmed(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestScheduler(t)
	rec := &recorder{}
	s.Handle(JobNotification, rec.handle)

	at := start.Add(10 * time.Minute)
	if err := s.ScheduleOnce(ctx, "once", at, NotificationPayload(model.Notification{GuildID: 1}), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.fireDue(ctx)
	s.wait()
	if len(rec.keys()) != 0 {
		t.Fatal("trigger fired before its time")
	}

	clock.Advance(15 * time.Minute)
	s.fireDue(ctx)
	s.wait()

	if diff := cmp.Diff([]Key{"once"}, rec.keys()); diff != "" {
		t.Errorf("firings mismatch (-want +got):\n%s", diff)
	}
	if s.Has("once") {
		t.Error("fired one-shot trigger must be dropped")
	}
	st, _ := store.get("once")
	if !st.Completed() {
		t.Errorf("state = %+v, want completed", st)
	}

	// Re-registration after a restart must not fire it again.
	if err := s.ScheduleOnce(ctx, "once", at, NotificationPayload(model.Notification{GuildID: 1}), MisfireFireNow); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if s.Has("once") {
		t.Error("completed one-shot trigger was re-armed")
	}
}

func TestMisfire(t *testing.T) {
	tests := []struct {
		name     string
		persist  *time.Time
		register func(s *Scheduler) error
		wantLive bool
		wantNext time.Time
	}{
		{
			name: "past one-shot fires now",
			register: func(s *Scheduler) error {
				return s.ScheduleOnce(context.Background(), "k", start.Add(-time.Hour), SweepPayload(), MisfireFireNow)
			},
			wantLive: true,
			wantNext: start,
		},
		{
			name: "past one-shot is dropped on skip",
			register: func(s *Scheduler) error {
				return s.ScheduleOnce(context.Background(), "k", start.Add(-time.Hour), SweepPayload(), MisfireSkip)
			},
			wantLive: false,
		},
		{
			name:    "missed cron firing skips to next natural time",
			persist: ptr(start.Add(-2 * time.Hour)),
			register: func(s *Scheduler) error {
				return s.ScheduleCron(context.Background(), "k", "0 18 * * *", SweepPayload(), MisfireSkip)
			},
			wantLive: true,
			wantNext: time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC),
		},
		{
			name:    "missed cron firing fires now",
			persist: ptr(start.Add(-2 * time.Hour)),
			register: func(s *Scheduler) error {
				return s.ScheduleCron(context.Background(), "k", "0 18 * * *", SweepPayload(), MisfireFireNow)
			},
			wantLive: true,
			wantNext: start,
		},
		{
			name:    "future persisted firing is not a misfire",
			persist: ptr(start.Add(time.Hour)),
			register: func(s *Scheduler) error {
				return s.ScheduleCron(context.Background(), "k", "0 18 * * *", SweepPayload(), MisfireFireNow)
			},
			wantLive: true,
			wantNext: time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, _ := newTestScheduler(t)
			if tt.persist != nil {
				store.states["k"] = model.TriggerState{Key: "k", NextFireAt: tt.persist}
			}
			if err := tt.register(s); err != nil {
				t.Fatalf("register: %v", err)
			}
			next, live := s.NextFire("k")
			if live != tt.wantLive {
				t.Fatalf("live = %v, want %v", live, tt.wantLive)
			}
			if live && !next.Equal(tt.wantNext) {
				t.Errorf("next = %v, want %v", next, tt.wantNext)
			}
		})
	}
}

func TestPermanentErrorUnschedules(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestScheduler(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	s.metrics = m

	gone := errors.New("gone")
	s.Handle(JobNotification, func(context.Context, Firing) error {
		return Permanent(fmt.Errorf("send: %w", gone))
	})

	var (
		mu      sync.Mutex
		removed []Key
		causes  []error
	)
	s.OnUnscheduled(func(_ context.Context, key Key, p Payload, cause error) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, key)
		causes = append(causes, cause)
	})

	p := NotificationPayload(model.Notification{GuildID: 7, ChannelID: -100})
	if err := s.ScheduleInterval(ctx, "n", time.Minute, p, MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.fireDue(ctx)
	s.wait()

	if s.Has("n") {
		t.Error("trigger must be removed after a permanent failure")
	}
	if _, ok := store.get("n"); ok {
		t.Error("trigger state must be deleted after a permanent failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]Key{"n"}, removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	if len(causes) != 1 || !errors.Is(causes[0], gone) {
		t.Errorf("cause = %v, want wrapping %v", causes, gone)
	}
	if got := testutil.ToFloat64(m.JobFiringsTotal.WithLabelValues(string(JobNotification), metrics.ResultPermanent)); got != 1 {
		t.Errorf("permanent firings = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TriggersActive); got != 0 {
		t.Errorf("active triggers = %v, want 0", got)
	}
}

func TestTransientErrorAndPanicKeepTrigger(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	s.metrics = m

	calls := 0
	var mu sync.Mutex
	s.Handle(JobRetentionSweep, func(context.Context, Firing) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		panic("boom")
	})

	if err := s.ScheduleInterval(ctx, "sweep", time.Minute, SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.fireDue(ctx)
	s.wait()
	clock.Advance(time.Minute)
	s.fireDue(ctx)
	s.wait()

	if !s.Has("sweep") {
		t.Error("trigger must survive transient failures")
	}
	job := string(JobRetentionSweep)
	if got := testutil.ToFloat64(m.JobFiringsTotal.WithLabelValues(job, metrics.ResultError)); got != 1 {
		t.Errorf("error firings = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobFiringsTotal.WithLabelValues(job, metrics.ResultPanic)); got != 1 {
		t.Errorf("panic firings = %v, want 1", got)
	}
}

func TestTriggerDoesNotOverlap(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	s.Handle(JobRetentionSweep, func(context.Context, Firing) error {
		started <- struct{}{}
		<-release
		return nil
	})

	if err := s.ScheduleInterval(ctx, "sweep", time.Minute, SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.fireDue(ctx)
	<-started

	clock.Advance(5 * time.Minute)
	s.fireDue(ctx)
	close(release)
	s.wait()

	if n := len(started); n != 0 {
		t.Errorf("trigger overlapped itself: %d extra firings", n)
	}
}

func TestMissingHandlerIsAnError(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestScheduler(t)

	if err := s.ScheduleInterval(ctx, "sweep", time.Minute, SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.fireDue(ctx)
	s.wait()

	if !s.Has("sweep") {
		t.Error("trigger without handler must be kept")
	}
}

func TestUnschedule(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestScheduler(t)

	if err := s.ScheduleOnce(ctx, "k", start.Add(time.Hour), SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ok, err := s.Unschedule(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Unschedule() = %v, %v, want true, nil", ok, err)
	}
	if _, found := store.get("k"); found {
		t.Error("state must be deleted")
	}
	ok, err = s.Unschedule(ctx, "k")
	if err != nil || ok {
		t.Errorf("second Unschedule() = %v, %v, want false, nil", ok, err)
	}
}

func TestUnscheduleDuringFiringLeavesNoState(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle(JobNotification, rec.handle)

	p := NotificationPayload(model.Notification{GuildID: 1})
	if err := s.ScheduleOnce(ctx, "once", start, p, MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Remove the trigger while the firing's state is being saved.
	unscheduled := make(chan struct{})
	var once sync.Once
	store.setOnSave(func(model.TriggerState) {
		once.Do(func() {
			go func() {
				defer close(unscheduled)
				if _, err := s.Unschedule(ctx, "once"); err != nil {
					t.Errorf("unschedule: %v", err)
				}
			}()
		})
	})
	s.fireDue(ctx)
	<-unscheduled
	s.wait()
	store.setOnSave(nil)

	if st, found := store.get("once"); found {
		t.Fatalf("state written back after unschedule: %+v", st)
	}

	if err := s.ScheduleOnce(ctx, "once", start.Add(time.Hour), p, MisfireFireNow); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !s.Has("once") {
		t.Error("one-shot trigger re-added after removal was not scheduled")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.SetTickInterval(5 * time.Millisecond)
	s.SetClock(time.Now)

	fired := make(chan struct{}, 1)
	s.Handle(JobRetentionSweep, func(context.Context, Firing) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.ScheduleInterval(ctx, "sweep", time.Hour, SweepPayload(), MisfireFireNow); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("interval trigger did not fire")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("chat not found")
	err := fmt.Errorf("notify: %w", Permanent(base))

	if !IsPermanent(err) {
		t.Error("wrapped permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error must unwrap to its cause")
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
}

func ptr[T any](v T) *T { return &v }
