// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"homework_bot/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a row with the same key already exists.
	ErrConflict = errors.New("already exists")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// Ping fails unless the database is reachable and fully migrated.
	Ping(ctx context.Context) error

	GetGuild(ctx context.Context, id uint64) (*model.Guild, error)
	GetOrCreateGuild(ctx context.Context, id uint64) (*model.Guild, error)
	UpdateGuild(ctx context.Context, id uint64, fn func(*model.Guild) error) (*model.Guild, error)
	ListGuilds(ctx context.Context) ([]model.Guild, error)

	CreateHomework(ctx context.Context, hw *model.Homework) error
	GetHomework(ctx context.Context, guildID uint64, id string) (*model.Homework, error)
	UpdateHomework(ctx context.Context, hw *model.Homework) error
	DeleteHomework(ctx context.Context, guildID uint64, id string) error
	ListHomework(ctx context.Context, guildID uint64, from, to time.Time) ([]model.Homework, error)
	DeleteHomeworkDueBefore(ctx context.Context, guildID uint64, cutoff time.Time) (int64, error)

	GetSubscription(ctx context.Context, guildID, memberID uint64) (*model.Subscription, error)
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, guildID, memberID uint64) error
	ListSubscriptions(ctx context.Context, guildID uint64) ([]model.Subscription, error)

	AddNotification(ctx context.Context, n *model.Notification) error
	RemoveNotification(ctx context.Context, guildID uint64, channelID int64) (bool, error)
	ListNotifications(ctx context.Context, guildID uint64) ([]model.Notification, error)
	ListNotificationsByChannel(ctx context.Context, channelID int64) ([]model.Notification, error)

	LoadTrigger(ctx context.Context, key string) (*model.TriggerState, error)
	SaveTrigger(ctx context.Context, st model.TriggerState) error
	DeleteTrigger(ctx context.Context, key string) error

	Close() error
}
