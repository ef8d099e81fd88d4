package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Message is the immutable pipeline input. MessageID is assigned upstream and
// is not guaranteed unique across redeliveries.
type Message struct {
	MessageID string `json:"message_id"`
	Topic     string `json:"topic"`
	Body      []byte `json:"body"`
}

// Origin tells which backing an Event has.
type Origin int

const (
	OriginPayload Origin = iota + 1 // parsed from a message body
	OriginStore                     // loaded from or created in the store
)

func (o Origin) String() string {
	switch o {
	case OriginPayload:
		return "payload"
	case OriginStore:
		return "store"
	}
	return "unknown"
}

// Event is the canonical domain fact. Two events with the same EventID are
// the same fact.
type Event interface {
	EventID() string
	AggregationKey() string
	Fields() map[string]any
	Origin() Origin
}

// PayloadEvent is an Event backed by a decoded message payload.
type PayloadEvent struct {
	ID     string
	Key    string
	Values map[string]any
}

// NewPayloadEvent builds a transient event. values is owned by the event.
func NewPayloadEvent(id, key string, values map[string]any) *PayloadEvent {
	if values == nil {
		values = map[string]any{}
	}
	return &PayloadEvent{ID: id, Key: key, Values: values}
}

func (e *PayloadEvent) EventID() string        { return e.ID }
func (e *PayloadEvent) AggregationKey() string { return e.Key }
func (e *PayloadEvent) Fields() map[string]any { return e.Values }
func (e *PayloadEvent) Origin() Origin         { return OriginPayload }

// Status is the lifecycle state of a StoredEvent.
type Status int

const (
	StatusPending Status = iota + 1
	StatusCommitted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

const maxKeyLen = 255

// StoredEvent is the persisted form of an Event. It is owned by the store;
// the pipeline only holds a reference while the transaction is pending.
type StoredEvent struct {
	RecordID  string         `json:"record_id"`
	ID        string         `json:"event_id"`
	Key       string         `json:"aggregation_key"`
	Values    map[string]any `json:"fields"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewStoredEvent copies ev into a pending store record.
func NewStoredEvent(recordID string, ev Event, now time.Time) *StoredEvent {
	return &StoredEvent{
		RecordID:  recordID,
		ID:        ev.EventID(),
		Key:       ev.AggregationKey(),
		Values:    maps.Clone(ev.Fields()),
		Status:    StatusPending,
		CreatedAt: now,
	}
}

func (e *StoredEvent) EventID() string        { return e.ID }
func (e *StoredEvent) AggregationKey() string { return e.Key }
func (e *StoredEvent) Fields() map[string]any { return e.Values }
func (e *StoredEvent) Origin() Origin         { return OriginStore }

// Committed reports whether the record has been durably committed.
func (e *StoredEvent) Committed() bool { return e.Status == StatusCommitted }

// Validate is the store schema check for new records.
func (e *StoredEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if len(e.ID) > maxKeyLen {
		return fmt.Errorf("event id exceeds %d bytes", maxKeyLen)
	}
	if len(e.Key) > maxKeyLen {
		return fmt.Errorf("aggregation key exceeds %d bytes", maxKeyLen)
	}
	if _, err := json.Marshal(e.Values); err != nil {
		return fmt.Errorf("fields are not encodable: %w", err)
	}
	return nil
}

var (
	_ Event = (*PayloadEvent)(nil)
	_ Event = (*StoredEvent)(nil)
)
