// Package medication implements the medication order aggregate and domain events.
package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventMedicationCreated     EventType = "MedicationCreated"
	EventMedicationActivated   EventType = "MedicationActivated"
	EventMedicationRescheduled EventType = "MedicationRescheduled"
	EventMedicationCompleted   EventType = "MedicationCompleted"
	EventMedicationCanceled    EventType = "MedicationCanceled"
)

// AggregateType is the outbox aggregate type for medication orders.
const AggregateType = "MedicationOrder"

// Event represents a domain event
type Event struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      EventType       `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Version        int             `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	PrescriptionID string          `json:"prescription_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ScheduleData is the schedule snapshot carried by every medication event.
// Consumers re-read the order before acting; the snapshot is for audit and routing.
type ScheduleData struct {
	MedicationID   string   `json:"medication_id"`
	PrescriptionID string   `json:"prescription_id"`
	Name           string   `json:"name"`
	FrequencyText  string   `json:"frequency_text"`
	DurationText   string   `json:"duration_text"`
	StartDate      string   `json:"start_date,omitempty"`
	EndDate        string   `json:"end_date,omitempty"`
	DosingTimes    []string `json:"dosing_times"`
	Status         Status   `json:"status"`
}

// RescheduledData lists which schedule inputs changed.
type RescheduledData struct {
	ScheduleData
	ChangedFields []string `json:"changed_fields"`
}

// DecodeEvent parses an event published through the outbox.
func DecodeEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
