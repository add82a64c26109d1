// Package domain contains core concepts of the conference chat engine.
// This file defines Message events and delivery states.
// Messages are immutable once sent.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ImdnState is the per-participant delivery state of one message.
// It only moves forward (Sent -> DeliveredToUser -> Displayed) or ends in
// NotDelivered; it never regresses.
type ImdnState int

const (
	ImdnSent ImdnState = iota
	ImdnDeliveredToUser
	ImdnDisplayed
	ImdnNotDelivered
)

func (s ImdnState) String() string {
	switch s {
	case ImdnSent:
		return "Sent"
	case ImdnDeliveredToUser:
		return "DeliveredToUser"
	case ImdnDisplayed:
		return "Displayed"
	case ImdnNotDelivered:
		return "NotDelivered"
	default:
		return "Unknown"
	}
}

// CanAdvance reports whether moving from s to next is a legal forward
// move. Displayed and NotDelivered are terminal.
func (s ImdnState) CanAdvance(next ImdnState) bool {
	if s == ImdnDisplayed || s == ImdnNotDelivered {
		return false
	}
	if next == ImdnNotDelivered {
		return true
	}
	return next > s
}

// Message represents an immutable chat message. Per-recipient delivery
// states live in the IMDN aggregator, keyed by the message ID.
type Message struct {
	ID      uuid.UUID
	Author  Address
	Content string
	SentAt  time.Time
}
