package domain

import "fmt"

// SyncPriority orders sync items
type SyncPriority string

const (
	PriorityHigh   SyncPriority = "high"
	PriorityMedium SyncPriority = "medium"
	PriorityLow    SyncPriority = "low"
)

// Rank returns the scheduling rank of a priority.
// Lower number = scheduled first
func (p SyncPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority
func (p SyncPriority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ParsePriority parses a priority name; empty defaults to medium
func ParsePriority(s string) (SyncPriority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := SyncPriority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q: %w", s, ErrInvalidInput)
	}
	return p, nil
}
