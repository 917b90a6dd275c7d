package retry

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Track identifies an independent retry pipeline
type Track string

const (
	// TrackPaymentFailure retries business declines
	TrackPaymentFailure Track = "payment_failure"
	// TrackPluginFailure retries plugin and infrastructure faults
	TrackPluginFailure Track = "plugin_failure"
)

// ErrNotificationNotFound is returned when completing or releasing an unknown notification
var ErrNotificationNotFound = errors.New("retry notification not found")

// Valid reports whether t is a known track
func (t Track) Valid() bool {
	return t == TrackPaymentFailure || t == TrackPluginFailure
}

// Notification is a durable request to re-run a payment at FireAt
type Notification struct {
	ID        uuid.UUID `json:"id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Track     Track     `json:"track"`
	// Attempt is the attempt count that triggered this retry
	Attempt    int       `json:"attempt"`
	FireAt     time.Time `json:"fire_at"`
	Deliveries int       `json:"deliveries"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewNotification builds a notification for a payment
func NewNotification(track Track, paymentID uuid.UUID, attempt int, fireAt time.Time) *Notification {
	return &Notification{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Track:     track,
		Attempt:   attempt,
		FireAt:    fireAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
}
