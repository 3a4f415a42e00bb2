// Package scheduler runs keyed triggers on cron, one-shot and fixed-interval
// schedules and delivers each firing to the handler registered for its job
// kind. Trigger firing times are persisted so missed firings can be caught
// up after a restart.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"homework_bot/internal/metrics"
	"homework_bot/internal/model"
	"homework_bot/internal/storage"
)

// Handler executes one firing. Returning an error wrapped with Permanent
// removes the trigger.
type Handler func(ctx context.Context, f Firing) error

// RemovalHook is called after a trigger was removed because its handler
// returned a permanent error.
type RemovalHook func(ctx context.Context, key Key, p Payload, cause error)

// StateStore persists trigger firing times. LoadTrigger must return an error
// wrapping storage.ErrNotFound for unknown keys.
type StateStore interface {
	LoadTrigger(ctx context.Context, key string) (*model.TriggerState, error)
	SaveTrigger(ctx context.Context, st model.TriggerState) error
	DeleteTrigger(ctx context.Context, key string) error
}

var errJobPanic = errors.New("job panicked")

// every is a fixed-interval schedule.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

type trigger struct {
	key      Key
	payload  Payload
	schedule cron.Schedule // nil for one-shot triggers
	next     time.Time
	running  bool
}

// Scheduler holds live triggers and fires them from a ticker loop.
type Scheduler struct {
	store   StateStore
	log     *slog.Logger
	metrics *metrics.Metrics
	tick    time.Duration
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	triggers map[Key]*trigger
	handlers map[JobKind]Handler
	hooks    []RemovalHook

	wg sync.WaitGroup
}

// New creates a Scheduler persisting trigger state in store. m may be nil.
func New(store StateStore, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:    store,
		log:      log,
		metrics:  m,
		tick:     1 * time.Second,
		timeout:  2 * time.Minute,
		now:      time.Now,
		triggers: make(map[Key]*trigger),
		handlers: make(map[JobKind]Handler),
	}
}

// SetTickInterval overrides the default 1-second due check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetJobTimeout overrides the default 2-minute limit of a single firing.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	s.timeout = d
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Handle registers the handler for a job kind.
func (s *Scheduler) Handle(kind JobKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// OnUnscheduled registers a hook run after a permanent handler failure
// removed a trigger.
func (s *Scheduler) OnUnscheduled(hook RemovalHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// ScheduleCron registers a trigger firing on a standard cron expression.
// An existing trigger with the same key is replaced.
func (s *Scheduler) ScheduleCron(ctx context.Context, key Key, expr string, p Payload, misfire MisfirePolicy) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return s.schedule(ctx, key, sched, sched.Next(s.now()), p, misfire)
}

// ScheduleOnce registers a trigger firing once at the given time.
// An existing trigger with the same key is replaced.
func (s *Scheduler) ScheduleOnce(ctx context.Context, key Key, at time.Time, p Payload, misfire MisfirePolicy) error {
	return s.schedule(ctx, key, nil, at, p, misfire)
}

// ScheduleInterval registers a trigger firing right away and then every d.
// An existing trigger with the same key is replaced.
func (s *Scheduler) ScheduleInterval(ctx context.Context, key Key, d time.Duration, p Payload, misfire MisfirePolicy) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %s", d)
	}
	return s.schedule(ctx, key, every(d), s.now(), p, misfire)
}

func (s *Scheduler) schedule(ctx context.Context, key Key, sched cron.Schedule, next time.Time, p Payload, misfire MisfirePolicy) error {
	now := s.now()

	// State writes happen under mu so a concurrent firing or Unschedule of the
	// same key cannot interleave with them.
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.LoadTrigger(ctx, string(key))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load trigger state: %w", err)
	}
	var lastFired *time.Time
	if st != nil {
		lastFired = st.LastFiredAt
		if sched == nil && st.Completed() {
			s.log.Debug("one-shot trigger already fired", "trigger", key)
			return nil
		}
	}

	missed := sched == nil && next.Before(now)
	if st != nil && st.NextFireAt != nil && st.NextFireAt.Before(now) {
		missed = true
	}
	if missed {
		s.log.Info("trigger misfired", "trigger", key, "policy", misfire.String())
		switch {
		case misfire == MisfireFireNow:
			next = now
		case sched == nil:
			delete(s.triggers, key)
			s.metrics.SetTriggers(len(s.triggers))
			if err := s.store.SaveTrigger(ctx, model.TriggerState{Key: string(key), LastFiredAt: &now}); err != nil {
				return fmt.Errorf("save trigger state: %w", err)
			}
			return nil
		default:
			next = sched.Next(now)
		}
	}

	if err := s.store.SaveTrigger(ctx, model.TriggerState{Key: string(key), NextFireAt: &next, LastFiredAt: lastFired}); err != nil {
		return fmt.Errorf("save trigger state: %w", err)
	}

	t := &trigger{key: key, payload: p, schedule: sched, next: next}
	if old, ok := s.triggers[key]; ok {
		t.running = old.running
	}
	s.triggers[key] = t
	s.metrics.SetTriggers(len(s.triggers))

	s.log.Debug("trigger scheduled", "trigger", key, "job", p.Kind, "next", next)
	return nil
}

// Unschedule removes a trigger and its persisted state. It reports whether
// the trigger was live.
func (s *Scheduler) Unschedule(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.triggers[key]
	delete(s.triggers, key)
	s.metrics.SetTriggers(len(s.triggers))

	if err := s.store.DeleteTrigger(ctx, string(key)); err != nil {
		return ok, fmt.Errorf("delete trigger state: %w", err)
	}
	return ok, nil
}

// Has reports whether a trigger with the given key is live.
func (s *Scheduler) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[key]
	return ok
}

// Keys returns the keys of all live triggers in ascending order.
func (s *Scheduler) Keys() []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.triggers))
	for k := range s.triggers {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// NextFire returns when the trigger fires next.
func (s *Scheduler) NextFire(key Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[key]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}

// Run starts the scheduler loop, blocking until ctx is cancelled and all
// in-flight firings have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.fireDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

type pending struct {
	t     *trigger
	f     Firing
	state model.TriggerState
}

func (s *Scheduler) fireDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()

	var due []pending
	s.mu.Lock()
	for _, t := range s.triggers {
		if t.running || t.next.After(now) {
			continue
		}
		f := Firing{Key: t.key, Payload: t.payload, ScheduledAt: t.next, FiredAt: now}
		fired := now
		st := model.TriggerState{Key: string(t.key), LastFiredAt: &fired}
		if t.schedule != nil {
			t.next = t.schedule.Next(now)
			next := t.next
			st.NextFireAt = &next
		}
		t.running = true
		due = append(due, pending{t: t, f: f, state: st})
	}

	slices.SortFunc(due, func(a, b pending) int {
		if c := a.f.ScheduledAt.Compare(b.f.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.f.Key, b.f.Key)
	})

	// Saved before mu is released: an Unschedule waiting on mu deletes the
	// state after us instead of having it written back.
	for _, p := range due {
		if err := s.store.SaveTrigger(ctx, p.state); err != nil {
			s.log.Error("save trigger state", "trigger", p.f.Key, "error", err)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		s.wg.Add(1)
		go s.execute(ctx, p.t, p.f)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *trigger, f Firing) {
	defer s.wg.Done()

	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.invoke(jobCtx, f)
	s.finish(t)

	result := metrics.ResultSuccess
	switch {
	case err == nil:
		s.log.Debug("job finished", "trigger", f.Key, "job", f.Payload.Kind, "took", time.Since(start))
	case IsPermanent(err):
		result = metrics.ResultPermanent
		s.log.Warn("job failed permanently, removing trigger", "trigger", f.Key, "job", f.Payload.Kind, "error", err)
		s.removeFailed(ctx, f, err)
	case errors.Is(err, errJobPanic):
		result = metrics.ResultPanic
		s.log.Error("job panicked", "trigger", f.Key, "job", f.Payload.Kind, "error", err)
	default:
		result = metrics.ResultError
		s.log.Error("job failed", "trigger", f.Key, "job", f.Payload.Kind, "error", err)
	}
	s.metrics.ObserveFiring(string(f.Payload.Kind), result, time.Since(start))
}

func (s *Scheduler) invoke(ctx context.Context, f Firing) (err error) {
	s.mu.Lock()
	h, ok := s.handlers[f.Payload.Kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for job kind %q", f.Payload.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errJobPanic, r)
		}
	}()
	return h(ctx, f)
}

// finish clears the running mark and drops a one-shot trigger that is still
// the live trigger for its key.
func (s *Scheduler) finish(t *trigger) {
	s.mu.Lock()
	cur, ok := s.triggers[t.key]
	if ok {
		cur.running = false
		if cur == t && t.schedule == nil {
			delete(s.triggers, t.key)
		}
	}
	count := len(s.triggers)
	s.mu.Unlock()
	s.metrics.SetTriggers(count)
}

func (s *Scheduler) removeFailed(ctx context.Context, f Firing, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.Unschedule(ctx, f.Key); err != nil {
		s.log.Error("unschedule failed trigger", "trigger", f.Key, "error", err)
	}

	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, f.Key, f.Payload, cause)
	}
}
