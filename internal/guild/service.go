// Package guild implements the homework, subscription and settings
// operations a guild's members perform through chat commands.
package guild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"homework_bot/internal/model"
	"homework_bot/internal/storage"
	"homework_bot/internal/subscription"
)

// ErrEmptyTitle is returned for homework without a title.
var ErrEmptyTitle = errors.New("homework title is required")

// Service applies member actions to a guild's stored state.
type Service struct {
	store   storage.Storage
	log     *slog.Logger
	minLead time.Duration
	now     func() time.Time
}

// NewService creates a Service. Due dates must lie more than minLead in the
// future when homework is added or edited.
func NewService(store storage.Storage, log *slog.Logger, minLead time.Duration) *Service {
	return &Service{store: store, log: log, minLead: minLead, now: time.Now}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// AddHomework validates and stores new homework posted by hw.CreatedBy.
func (s *Service) AddHomework(ctx context.Context, hw *model.Homework) error {
	now := s.now()
	hw.Title = strings.TrimSpace(hw.Title)
	hw.Subject = strings.TrimSpace(hw.Subject)
	if hw.Title == "" {
		return ErrEmptyTitle
	}
	if err := model.ValidateDue(hw.Due, now, s.minLead); err != nil {
		return err
	}

	if _, err := s.store.GetOrCreateGuild(ctx, hw.GuildID); err != nil {
		return fmt.Errorf("ensure guild: %w", err)
	}

	hw.ID = uuid.NewString()
	hw.CreatedAt = now
	hw.EditedAt = nil
	hw.EditedBy = nil
	if err := s.store.CreateHomework(ctx, hw); err != nil {
		return fmt.Errorf("create homework: %w", err)
	}

	s.log.Info("homework added", "guild_id", hw.GuildID, "homework_id", hw.ID, "subject", hw.Subject, "due", hw.Due)
	return nil
}

// EditHomework applies fn to stored homework and saves it stamped with the
// editor. The guild and ID of the homework cannot be changed.
func (s *Service) EditHomework(ctx context.Context, guildID uint64, id string, editor uint64, fn func(*model.Homework)) (*model.Homework, error) {
	hw, err := s.store.GetHomework(ctx, guildID, id)
	if err != nil {
		return nil, fmt.Errorf("get homework: %w", err)
	}

	fn(hw)
	hw.ID, hw.GuildID = id, guildID
	hw.Title = strings.TrimSpace(hw.Title)
	hw.Subject = strings.TrimSpace(hw.Subject)
	if hw.Title == "" {
		return nil, ErrEmptyTitle
	}

	now := s.now()
	if err := model.ValidateDue(hw.Due, now, s.minLead); err != nil {
		return nil, err
	}
	hw.EditedAt = &now
	hw.EditedBy = &editor

	if err := s.store.UpdateHomework(ctx, hw); err != nil {
		return nil, fmt.Errorf("update homework: %w", err)
	}
	s.log.Info("homework edited", "guild_id", guildID, "homework_id", id, "editor", editor)
	return hw, nil
}

// DeleteHomework removes homework by ID.
func (s *Service) DeleteHomework(ctx context.Context, guildID uint64, id string) error {
	if err := s.store.DeleteHomework(ctx, guildID, id); err != nil {
		return fmt.Errorf("delete homework: %w", err)
	}
	s.log.Info("homework deleted", "guild_id", guildID, "homework_id", id)
	return nil
}

// SubscribeAll subscribes a member to homework of every subject.
func (s *Service) SubscribeAll(ctx context.Context, guildID, memberID uint64) (*model.Subscription, error) {
	return s.mutate(ctx, guildID, memberID, func(sub *model.Subscription, _ bool) bool {
		subscription.SubscribeAll(sub)
		return true
	})
}

// IncludeSubjects limits a member's subscription to the given subjects plus
// the ones already included.
func (s *Service) IncludeSubjects(ctx context.Context, guildID, memberID uint64, subjects ...string) (*model.Subscription, error) {
	subjects = cleanSubjects(subjects)
	return s.mutate(ctx, guildID, memberID, func(sub *model.Subscription, caseSensitive bool) bool {
		subscription.Include(sub, caseSensitive, subjects...)
		return len(sub.Include) > 0
	})
}

// ExcludeSubjects subscribes a member to every subject except the given
// ones and the ones already excluded.
func (s *Service) ExcludeSubjects(ctx context.Context, guildID, memberID uint64, subjects ...string) (*model.Subscription, error) {
	subjects = cleanSubjects(subjects)
	return s.mutate(ctx, guildID, memberID, func(sub *model.Subscription, caseSensitive bool) bool {
		subscription.Exclude(sub, caseSensitive, subjects...)
		return true
	})
}

// RemoveSubjects takes subjects out of a member's active subject set. When
// nothing is left in include mode the subscription is deleted and nil is
// returned.
func (s *Service) RemoveSubjects(ctx context.Context, guildID, memberID uint64, subjects ...string) (*model.Subscription, error) {
	subjects = cleanSubjects(subjects)
	return s.mutate(ctx, guildID, memberID, func(sub *model.Subscription, caseSensitive bool) bool {
		return subscription.Remove(sub, caseSensitive, subjects...)
	})
}

// Unsubscribe deletes a member's subscription.
func (s *Service) Unsubscribe(ctx context.Context, guildID, memberID uint64) error {
	if err := s.store.DeleteSubscription(ctx, guildID, memberID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.log.Info("member unsubscribed", "guild_id", guildID, "member_id", memberID)
	return nil
}

// UpdateSettings atomically applies fn to the guild's settings.
func (s *Service) UpdateSettings(ctx context.Context, guildID uint64, fn func(*model.Guild)) (*model.Guild, error) {
	g, err := s.store.UpdateGuild(ctx, guildID, func(g *model.Guild) error {
		fn(g)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update guild: %w", err)
	}
	s.log.Info("guild settings updated", "guild_id", guildID,
		"retention", g.RetentionWindow, "notify_when_empty", g.NotifyWhenEmpty, "case_sensitive", g.CaseSensitive)
	return g, nil
}

// mutate loads the member's subscription (or starts an empty one), applies
// fn and saves the result. A false return from fn deletes the subscription.
func (s *Service) mutate(ctx context.Context, guildID, memberID uint64, fn func(*model.Subscription, bool) bool) (*model.Subscription, error) {
	g, err := s.store.GetOrCreateGuild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("ensure guild: %w", err)
	}

	exists := true
	sub, err := s.store.GetSubscription(ctx, guildID, memberID)
	if errors.Is(err, storage.ErrNotFound) {
		exists = false
		sub = &model.Subscription{GuildID: guildID, MemberID: memberID}
	} else if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	if !fn(sub, g.CaseSensitive) {
		if exists {
			if err := s.store.DeleteSubscription(ctx, guildID, memberID); err != nil {
				return nil, fmt.Errorf("delete subscription: %w", err)
			}
			s.log.Info("subscription dropped", "guild_id", guildID, "member_id", memberID)
		}
		return nil, nil
	}

	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

func cleanSubjects(subjects []string) []string {
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
