// Package subscription implements the subject matching engine that decides
// which subscribed members are mentioned by a reminder, and the mutators
// that keep a subscription's include and exclude modes apart.
package subscription

import (
	"slices"
	"strings"

	"homework_bot/internal/model"
)

// ShouldNotify reports whether any homework item satisfies the subscription.
// In any-subject mode an item qualifies unless its subject is excluded;
// otherwise it qualifies only if its subject is included. A missing subject
// is compared as the empty string.
func ShouldNotify(sub model.Subscription, homework []model.Homework, caseSensitive bool) bool {
	for _, hw := range homework {
		if matches(sub, hw.Subject, caseSensitive) {
			return true
		}
	}
	return false
}

// Mentions returns the members whose subscriptions qualify for the given
// homework, deduplicated and in ascending order.
func Mentions(subs []model.Subscription, homework []model.Homework, caseSensitive bool) []uint64 {
	if len(homework) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{}, len(subs))
	var members []uint64
	for _, sub := range subs {
		if _, ok := seen[sub.MemberID]; ok {
			continue
		}
		if ShouldNotify(sub, homework, caseSensitive) {
			seen[sub.MemberID] = struct{}{}
			members = append(members, sub.MemberID)
		}
	}
	slices.Sort(members)
	return members
}

func matches(sub model.Subscription, subject string, caseSensitive bool) bool {
	if sub.AnySubject {
		return !contains(sub.Exclude, subject, caseSensitive)
	}
	return contains(sub.Include, subject, caseSensitive)
}

func contains(set []string, subject string, caseSensitive bool) bool {
	return slices.ContainsFunc(set, func(s string) bool {
		return equal(s, subject, caseSensitive)
	})
}

func equal(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}
