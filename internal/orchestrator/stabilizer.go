package orchestrator

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signature computes a canonical signature for a detection count-map.
// Pairs are sorted by label so map iteration order never affects
// comparison. Zero and negative quantities are dropped.
func Signature(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}

	labels := make([]string, 0, len(counts))
	for label, qty := range counts {
		if qty <= 0 {
			continue
		}
		labels = append(labels, label)
	}
	if len(labels) == 0 {
		return ""
	}
	sort.Strings(labels)

	var b strings.Builder
	for i, label := range labels {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(label)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(counts[label]))
	}
	return b.String()
}

// HasItems reports whether at least one label has a positive quantity.
func HasItems(counts map[string]int) bool {
	for _, qty := range counts {
		if qty > 0 {
			return true
		}
	}
	return false
}

// IsStable reports whether the current signature matches the previous
// one and has been unchanged for at least the stability window. An
// empty signature never stabilizes: the kiosk must see at least one
// recognized item before a finalize decision is possible.
func IsStable(prevSignature, curSignature string, lastChangeAt, now time.Time, window time.Duration) bool {
	if curSignature == "" {
		return false
	}
	if curSignature != prevSignature {
		return false
	}
	return now.Sub(lastChangeAt) >= window
}
