// Package jobs contains the scheduled jobs of the bot and the registrar that
// keeps scheduler triggers in step with stored notifications.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"homework_bot/internal/metrics"
	"homework_bot/internal/model"
	"homework_bot/internal/scheduler"
	"homework_bot/internal/storage"
	"homework_bot/internal/subscription"
)

// Sink delivers reminders to chat channels. It returns an error wrapping
// model.ErrChannelNotFound when the target channel is gone for good.
type Sink interface {
	SendNotification(ctx context.Context, r model.Reminder) error
}

// Dispatcher builds and sends the reminder of a notification firing.
type Dispatcher struct {
	store   storage.Storage
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(store storage.Storage, sink Sink, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{store: store, sink: sink, log: log, metrics: m}
}

// Handle is the scheduler handler for notification triggers.
func (d *Dispatcher) Handle(ctx context.Context, f scheduler.Firing) error {
	if f.Payload.Kind != scheduler.JobNotification {
		return scheduler.Permanent(fmt.Errorf("unexpected payload %q", f.Payload.Kind))
	}
	return d.Dispatch(ctx, f.Payload.Notification, f.FiredAt)
}

// Dispatch sends the reminder for the homework due between now and the end
// of the notification's window. Members are mentioned when their
// subscription matches at least one item. An empty window sends nothing
// unless the guild opted in. A vanished channel is reported as a permanent
// error so the trigger gets removed.
func (d *Dispatcher) Dispatch(ctx context.Context, n model.Notification, now time.Time) error {
	log := d.log.With("guild_id", n.GuildID, "channel_id", n.ChannelID)

	// Schedules are validated when the notification is created, so this only
	// fails on a corrupted row. Keep the row for inspection.
	end, err := n.Schedule.Next(now)
	if err != nil {
		return fmt.Errorf("reminder window: %w", err)
	}

	guild, err := d.store.GetGuild(ctx, n.GuildID)
	if err != nil {
		return fmt.Errorf("get guild: %w", err)
	}

	homework, err := d.store.ListHomework(ctx, n.GuildID, now, end)
	if err != nil {
		return fmt.Errorf("list homework: %w", err)
	}

	if len(homework) == 0 && !guild.NotifyWhenEmpty {
		log.Debug("no homework in window, skipping reminder", "until", end)
		return nil
	}

	var mentions []uint64
	if len(homework) > 0 {
		subs, err := d.store.ListSubscriptions(ctx, n.GuildID)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		mentions = subscription.Mentions(subs, homework, guild.CaseSensitive)
	}

	reminder := model.Reminder{
		GuildID:     n.GuildID,
		ChannelID:   n.ChannelID,
		Homework:    homework,
		Mentions:    mentions,
		WindowStart: now,
		WindowEnd:   end,
	}
	if err := d.sink.SendNotification(ctx, reminder); err != nil {
		if errors.Is(err, model.ErrChannelNotFound) {
			d.metrics.ReminderSent(metrics.ResultPermanent)
			return scheduler.Permanent(fmt.Errorf("send reminder: %w", err))
		}
		d.metrics.ReminderSent(metrics.ResultError)
		return fmt.Errorf("send reminder: %w", err)
	}

	d.metrics.ReminderSent(metrics.ResultSuccess)
	log.Info("reminder sent", "homework", len(homework), "mentions", len(mentions))
	return nil
}
