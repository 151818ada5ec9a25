package models

import "time"

type DeliveryStatus string

const (
	StatusUnknown   DeliveryStatus = ""
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders the progression statuses. Failed and unknown have no rank.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

func (s DeliveryStatus) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

func (s DeliveryStatus) String() string {
	if s == StatusUnknown {
		return "unknown"
	}
	return string(s)
}

// CanTransition reports whether next may overwrite cur. Failed is a terminal
// override allowed only over pending and sent; nothing but a resend leaves it.
func CanTransition(cur, next DeliveryStatus) bool {
	if !next.Valid() {
		return false
	}
	if cur == StatusUnknown {
		return true
	}
	if next == StatusFailed {
		return cur == StatusPending || cur == StatusSent || cur == StatusFailed
	}
	if cur == StatusFailed {
		return false
	}
	return next.Rank() >= cur.Rank()
}

type StatusEntry struct {
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}
