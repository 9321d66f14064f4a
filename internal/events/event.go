// Package events carries batch and unit lifecycle notifications from the
// batch runner to the websocket hub and status tracking.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition
type EventType string

const (
	EventTypeBatchSubmitted EventType = "batch_submitted"
	EventTypeBatchCompleted EventType = "batch_completed"
	EventTypeBatchCancelled EventType = "batch_cancelled"

	EventTypeUnitStarted   EventType = "unit_started"
	EventTypeUnitProgress  EventType = "unit_progress"
	EventTypeUnitCompleted EventType = "unit_completed"
	EventTypeUnitFailed    EventType = "unit_failed"
)

// Event is anything the bus can route
type Event interface {
	Kind() EventType
	OccurredAt() time.Time
}

// Header is embedded by every concrete event
type Header struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Header) Kind() EventType       { return h.Type }
func (h *Header) OccurredAt() time.Time { return h.Timestamp }

func stamp(t EventType) Header {
	return Header{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC()}
}

// BatchEvent carries a batch's unit tallies at a transition
type BatchEvent struct {
	Header
	BatchID   string `json:"batchId"`
	Units     int    `json:"units"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// UnitEvent reports one unit starting, finishing, or advancing a day.
// Day, Days, Date, Equity and Trades are only set on progress events.
type UnitEvent struct {
	Header
	BatchID string `json:"batchId"`
	UnitID  string `json:"unitId"`
	Day     int    `json:"day,omitempty"`
	Days    int    `json:"days,omitempty"`
	Date    string `json:"date,omitempty"`
	Equity  string `json:"equity,omitempty"`
	Trades  int    `json:"trades,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewBatchEvent(t EventType, batchID string, units, completed, failed, cancelled int) *BatchEvent {
	return &BatchEvent{
		Header:    stamp(t),
		BatchID:   batchID,
		Units:     units,
		Completed: completed,
		Failed:    failed,
		Cancelled: cancelled,
	}
}

func NewUnitEvent(t EventType, batchID, unitID string) *UnitEvent {
	return &UnitEvent{Header: stamp(t), BatchID: batchID, UnitID: unitID}
}

// BatchOf returns the batch an event belongs to, or "" for foreign events
func BatchOf(ev Event) string {
	switch e := ev.(type) {
	case *BatchEvent:
		return e.BatchID
	case *UnitEvent:
		return e.BatchID
	}
	return ""
}
