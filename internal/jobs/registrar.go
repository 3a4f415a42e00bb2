package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"homework_bot/internal/model"
	"homework_bot/internal/scheduler"
	"homework_bot/internal/storage"
)

// SweepKey is the trigger key of the retention sweep.
const SweepKey scheduler.Key = "retention-sweep"

// NotificationKey returns the trigger key of a guild's channel notification.
func NotificationKey(guildID uint64, channelID int64) scheduler.Key {
	return scheduler.Key(fmt.Sprintf("notification:%d:%d", guildID, channelID))
}

// Registrar keeps scheduler triggers and stored notifications in step.
type Registrar struct {
	store      storage.Storage
	sched      *scheduler.Scheduler
	log        *slog.Logger
	sweepEvery time.Duration
	now        func() time.Time
}

// NewRegistrar creates a Registrar and hooks it into sched so notifications
// whose trigger was dropped for a permanent failure are deleted as well.
func NewRegistrar(store storage.Storage, sched *scheduler.Scheduler, log *slog.Logger, sweepEvery time.Duration) *Registrar {
	r := &Registrar{
		store:      store,
		sched:      sched,
		log:        log,
		sweepEvery: sweepEvery,
		now:        time.Now,
	}
	sched.OnUnscheduled(r.onUnscheduled)
	return r
}

// SetClock replaces the time source used to stamp new notifications.
func (r *Registrar) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile registers a trigger for every stored notification and the
// retention sweep trigger. A notification that cannot be registered is
// logged and skipped. Calling Reconcile again leaves one trigger per key.
func (r *Registrar) Reconcile(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage not ready: %w", err)
	}

	guilds, err := r.store.ListGuilds(ctx)
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}

	registered := 0
	for _, g := range guilds {
		notifications, err := r.store.ListNotifications(ctx, g.ID)
		if err != nil {
			r.log.Error("list notifications", "guild_id", g.ID, "error", err)
			continue
		}
		for _, n := range notifications {
			if err := r.register(ctx, n); err != nil {
				r.log.Error("register notification", "guild_id", n.GuildID, "channel_id", n.ChannelID, "error", err)
				continue
			}
			registered++
		}
	}

	if !r.sched.Has(SweepKey) {
		if err := r.sched.ScheduleInterval(ctx, SweepKey, r.sweepEvery, scheduler.SweepPayload(), scheduler.MisfireFireNow); err != nil {
			return fmt.Errorf("register retention sweep: %w", err)
		}
	}

	r.log.Info("triggers reconciled", "guilds", len(guilds), "notifications", registered)
	return nil
}

// AddNotification stores a new notification and registers its trigger.
// It returns an error wrapping storage.ErrConflict when the guild already
// has a notification for the channel.
func (r *Registrar) AddNotification(ctx context.Context, n *model.Notification) error {
	if !n.Schedule.Valid() {
		return fmt.Errorf("%w: notification without schedule", model.ErrInvalidSchedule)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}

	if _, err := r.store.GetOrCreateGuild(ctx, n.GuildID); err != nil {
		return fmt.Errorf("ensure guild: %w", err)
	}
	if err := r.store.AddNotification(ctx, n); err != nil {
		return fmt.Errorf("add notification: %w", err)
	}

	// The row is new, so trigger state under its key belongs to an earlier
	// notification on the same channel.
	_, err := r.sched.Unschedule(ctx, NotificationKey(n.GuildID, n.ChannelID))
	if err == nil {
		err = r.register(ctx, *n)
	}
	if err != nil {
		if _, rbErr := r.store.RemoveNotification(ctx, n.GuildID, n.ChannelID); rbErr != nil {
			r.log.Error("roll back notification", "guild_id", n.GuildID, "channel_id", n.ChannelID, "error", rbErr)
		}
		return fmt.Errorf("register notification: %w", err)
	}

	r.log.Info("notification added", "guild_id", n.GuildID, "channel_id", n.ChannelID, "schedule", n.Schedule.String())
	return nil
}

// RemoveNotification unschedules and deletes a notification. It reports
// whether the notification existed.
func (r *Registrar) RemoveNotification(ctx context.Context, guildID uint64, channelID int64) (bool, error) {
	if _, err := r.sched.Unschedule(ctx, NotificationKey(guildID, channelID)); err != nil {
		return false, fmt.Errorf("unschedule notification: %w", err)
	}
	removed, err := r.store.RemoveNotification(ctx, guildID, channelID)
	if err != nil {
		return false, fmt.Errorf("remove notification: %w", err)
	}
	if removed {
		r.log.Info("notification removed", "guild_id", guildID, "channel_id", channelID)
	}
	return removed, nil
}

// ChannelRemoved drops every notification that targets the channel.
func (r *Registrar) ChannelRemoved(ctx context.Context, channelID int64) error {
	notifications, err := r.store.ListNotificationsByChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}

	var errs []error
	for _, n := range notifications {
		if _, err := r.RemoveNotification(ctx, n.GuildID, n.ChannelID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch consumes channel removal events until ctx is done or events is
// closed.
func (r *Registrar) Watch(ctx context.Context, events <-chan model.ChannelRemoved) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.log.Info("channel removed", "channel_id", ev.ChannelID)
			if err := r.ChannelRemoved(ctx, ev.ChannelID); err != nil {
				r.log.Error("remove channel notifications", "channel_id", ev.ChannelID, "error", err)
			}
		}
	}
}

func (r *Registrar) register(ctx context.Context, n model.Notification) error {
	key := NotificationKey(n.GuildID, n.ChannelID)
	payload := scheduler.NotificationPayload(n)

	switch n.Schedule.Kind() {
	case model.ScheduleCron:
		return r.sched.ScheduleCron(ctx, key, n.Schedule.Cron(), payload, scheduler.MisfireSkip)
	case model.ScheduleCountdown:
		return r.sched.ScheduleOnce(ctx, key, n.FireAt(), payload, scheduler.MisfireFireNow)
	}
	return fmt.Errorf("%w: notification %d/%d", model.ErrInvalidSchedule, n.GuildID, n.ChannelID)
}

func (r *Registrar) onUnscheduled(ctx context.Context, key scheduler.Key, p scheduler.Payload, cause error) {
	if p.Kind != scheduler.JobNotification {
		return
	}
	n := p.Notification
	removed, err := r.store.RemoveNotification(ctx, n.GuildID, n.ChannelID)
	if err != nil {
		r.log.Error("delete failed notification", "trigger", key, "error", err)
		return
	}
	if removed {
		r.log.Info("notification deleted after permanent failure", "guild_id", n.GuildID, "channel_id", n.ChannelID, "cause", cause)
	}
}
