package scheduler

import (
	"errors"
	"time"

	"homework_bot/internal/model"
)

// Key uniquely identifies a trigger.
type Key string

// JobKind selects the handler a trigger's firings are delivered to.
type JobKind string

// Supported job kinds.
const (
	JobNotification   JobKind = "notification"
	JobRetentionSweep JobKind = "retention-sweep"
)

// Payload is the data a trigger carries to its handler. Notification is
// only meaningful when Kind is JobNotification.
type Payload struct {
	Kind         JobKind
	Notification model.Notification
}

// NotificationPayload builds the payload of a notification trigger.
func NotificationPayload(n model.Notification) Payload {
	return Payload{Kind: JobNotification, Notification: n}
}

// SweepPayload builds the payload of the retention sweep trigger.
func SweepPayload() Payload {
	return Payload{Kind: JobRetentionSweep}
}

// MisfirePolicy decides what happens to a firing time that passed while the
// process was not running.
type MisfirePolicy int

// Supported misfire policies.
const (
	// MisfireFireNow fires once as soon as possible.
	MisfireFireNow MisfirePolicy = iota
	// MisfireSkip waits for the next regular firing time; a missed one-shot
	// trigger is dropped.
	MisfireSkip
)

func (p MisfirePolicy) String() string {
	if p == MisfireSkip {
		return "skip"
	}
	return "fire-now"
}

// Firing is one execution of a trigger handed to a Handler.
type Firing struct {
	Key         Key
	Payload     Payload
	ScheduledAt time.Time
	FiredAt     time.Time
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retriable: the scheduler removes
// the trigger instead of waiting for its next firing.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
