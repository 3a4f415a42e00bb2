package subscription

import (
	"slices"

	"homework_bot/internal/model"
)

// SubscribeAll switches sub to any-subject mode with nothing excluded.
func SubscribeAll(sub *model.Subscription) {
	sub.AnySubject = true
	sub.Include = nil
	sub.Exclude = nil
}

// Include switches sub to include mode and adds subjects to the include set.
// Switching from any-subject mode drops the exclude set.
func Include(sub *model.Subscription, caseSensitive bool, subjects ...string) {
	if sub.AnySubject {
		sub.AnySubject = false
		sub.Exclude = nil
	}
	sub.Include = addAll(sub.Include, subjects, caseSensitive)
}

// Exclude switches sub to any-subject mode and adds subjects to the exclude
// set. Switching from include mode drops the include set.
func Exclude(sub *model.Subscription, caseSensitive bool, subjects ...string) {
	if !sub.AnySubject {
		sub.AnySubject = true
		sub.Include = nil
	}
	sub.Exclude = addAll(sub.Exclude, subjects, caseSensitive)
}

// Remove takes subjects out of the active set. It returns false when the
// subscription no longer means anything (include mode with nothing left)
// and should be deleted.
func Remove(sub *model.Subscription, caseSensitive bool, subjects ...string) bool {
	if sub.AnySubject {
		sub.Exclude = removeAll(sub.Exclude, subjects, caseSensitive)
		return true
	}
	sub.Include = removeAll(sub.Include, subjects, caseSensitive)
	return len(sub.Include) > 0
}

// Normalize repairs a subscription that has both sets populated by keeping
// the set that belongs to its mode. It returns false if the result is
// meaningless.
func Normalize(sub *model.Subscription) bool {
	if sub.AnySubject {
		sub.Include = nil
		return true
	}
	sub.Exclude = nil
	return len(sub.Include) > 0
}

func addAll(set, subjects []string, caseSensitive bool) []string {
	for _, s := range subjects {
		if !contains(set, s, caseSensitive) {
			set = append(set, s)
		}
	}
	return set
}

func removeAll(set, subjects []string, caseSensitive bool) []string {
	out := slices.DeleteFunc(slices.Clone(set), func(s string) bool {
		return contains(subjects, s, caseSensitive)
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
