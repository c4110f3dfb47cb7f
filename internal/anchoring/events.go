package anchoring

import (
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
)

// Lifecycle event types published by the service.
const (
	EventRecordAnchored  = "record.anchored"
	EventRecordConfirmed = "record.confirmed"
	EventRecordFailed    = "record.failed"
)

// Event announces a record lifecycle change.
type Event struct {
	Type      string
	Record    records.Record
	Timestamp time.Time
}

// EventPublisher receives lifecycle events. Publish must not block.
type EventPublisher interface {
	Publish(event Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Event) {}
