// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRetentionWindow is how long homework is kept after its due date
// for guilds that never changed the setting.
const DefaultRetentionWindow = 7 * 24 * time.Hour

// Domain errors shared between packages.
var (
	// ErrChannelNotFound reports that a notification's target channel no
	// longer exists or can no longer be written to.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrDueTooSoon reports a due date that violates the minimum lead time.
	ErrDueTooSoon = errors.New("due date is too soon")
)

// Guild is a community scope owning homework, subscriptions and notifications.
type Guild struct {
	ID              uint64
	RetentionWindow time.Duration
	NotifyWhenEmpty bool
	CaseSensitive   bool
	CreatedAt       time.Time
}

// Homework is a single assignment posted in a guild.
type Homework struct {
	ID        string
	GuildID   uint64
	Due       time.Time
	Subject   string
	Title     string
	Details   string
	CreatedAt time.Time
	CreatedBy uint64
	EditedAt  *time.Time
	EditedBy  *uint64
}

// ValidateDue checks that due lies strictly after now plus minLead.
func ValidateDue(due, now time.Time, minLead time.Duration) error {
	earliest := now.Add(minLead)
	if !due.After(earliest) {
		return fmt.Errorf("%w: must be after %s", ErrDueTooSoon, earliest.UTC().Format(time.RFC3339))
	}
	return nil
}

// Subscription is a member's rule for which homework subjects mention them.
// AnySubject and Include are mutually exclusive modes: when AnySubject is set
// only Exclude is used, otherwise only Include.
type Subscription struct {
	GuildID    uint64
	MemberID   uint64
	AnySubject bool
	Include    []string
	Exclude    []string
}

// Notification is a per-channel reminder configuration of a guild.
type Notification struct {
	GuildID   uint64
	ChannelID int64
	Schedule  Schedule
	CreatedAt time.Time
}

// FireAt returns the single firing time of a countdown notification.
func (n Notification) FireAt() time.Time {
	return n.CreatedAt.Add(n.Schedule.Countdown())
}

// Reminder is the outbound message produced by one notification firing.
type Reminder struct {
	GuildID     uint64
	ChannelID   int64
	Homework    []Homework
	Mentions    []uint64
	WindowStart time.Time
	WindowEnd   time.Time
}

// ChannelRemoved is raised when a chat channel the bot posted to disappears.
type ChannelRemoved struct {
	ChannelID int64
}

// TriggerState is the durable part of a scheduled trigger.
type TriggerState struct {
	Key         string
	NextFireAt  *time.Time
	LastFiredAt *time.Time
}

// Completed reports whether a one-shot trigger has already fired.
func (s TriggerState) Completed() bool {
	return s.NextFireAt == nil && s.LastFiredAt != nil
}
