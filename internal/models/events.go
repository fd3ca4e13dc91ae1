package models

import "encoding/json"

// EventKind enumerates the realtime envelope types pushed to clients.
type EventKind string

const (
	EventRideOffer        EventKind = "ride-offer"
	EventRideOfferRevoked EventKind = "ride-offer-revoked"
	EventRideAccepted     EventKind = "ride-accepted"
	EventDriverArriving   EventKind = "driver-arriving"
	EventRideStarted      EventKind = "ride-started"
	EventRideCompleted    EventKind = "ride-completed"
	EventRideCancelled    EventKind = "ride-cancelled"
	EventDriverLocation   EventKind = "driver-location-update"
	EventConnectionAck    EventKind = "connection-ack"
)

// Event is a realtime envelope. On the wire it is flattened to
// {"type": ..., <fields>...}, matching what the clients parse.
type Event struct {
	Type   EventKind
	Fields map[string]any
}

func NewEvent(kind EventKind, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: kind, Fields: fields}
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["type"] = string(e.Type)
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if t, ok := m["type"].(string); ok {
		e.Type = EventKind(t)
	}
	delete(m, "type")
	e.Fields = m
	return nil
}

// RideID is a convenience accessor used by dispatch bookkeeping and tests.
func (e Event) RideID() string {
	if v, ok := e.Fields["ride_id"].(string); ok {
		return v
	}
	return ""
}
