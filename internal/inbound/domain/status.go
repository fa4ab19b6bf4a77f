package domain

import "strings"

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ParseStatus maps provider spellings to a canonical status.
func ParseStatus(raw string) (MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "server_ack", "serverack":
		return StatusSent, true
	case "delivered", "delivery", "delivery_ack":
		return StatusDelivered, true
	case "read", "played", "read_self", "readself":
		return StatusRead, true
	case "failed", "error":
		return StatusFailed, true
	default:
		return "", false
	}
}

// CanTransition reports whether a message in status from may move to to.
// Statuses only move forward along sent < delivered < read. Failed is terminal
// and can replace any status except read, since a read receipt proves delivery.
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return false
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from != StatusRead
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return true
	}
	return toRank > fromRank
}
