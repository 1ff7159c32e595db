package transport

import (
	"context"
	"errors"
	"time"
)

// ErrSend marks a failed delivery attempt. Reminder sends tolerate it
// (duplicates are acceptable); escalation sends must be retried by the
// caller until it clears.
var ErrSend = errors.New("transport send failed")

// Inbound is a patient message as delivered into the core.
type Inbound struct {
	PatientID int64
	ChatID    int64
	Text      string
	SentAt    time.Time
}

// Handler receives inbound patient events from the transport loop.
type Handler interface {
	HandleMessage(ctx context.Context, msg Inbound)
	HandleConfirmTap(ctx context.Context, patientID int64)
}

// Transport delivers outbound messages with bounded timeouts.
type Transport interface {
	// SendToPatient posts to the patient's chat, optionally attaching the
	// confirm button.
	SendToPatient(ctx context.Context, patientID int64, text string, withConfirmKey bool) error
	// SendToCaregiver posts to a caregiver channel.
	SendToCaregiver(ctx context.Context, caregiverChatID int64, text string) error
}
