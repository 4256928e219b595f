package outbox

import (
	"encoding/json"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

// Topics carry one event type each; the Kafka topic name equals EventType.
const (
	TopicEventCreated = "calendar.event.created.v1"
	TopicEventUpdated = "calendar.event.updated.v1"
	TopicEventDeleted = "calendar.event.deleted.v1"

	AggregateCalendarEvent = "calendar_event"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type calendarPayload struct {
	EventID     string    `json:"event_id"`
	ProviderID  string    `json:"provider_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	ClientName  string    `json:"client_name,omitempty"`
	ClientEmail string    `json:"client_email,omitempty"`
	ClientPhone string    `json:"client_phone,omitempty"`
	Location    string    `json:"location,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CalendarEvent builds the envelope for a mutation of ev. The aggregate id is the
// provider so every change to one calendar lands on the same partition.
func CalendarEvent(eventType string, ev model.Event, at time.Time) (Event, error) {
	payload, err := json.Marshal(calendarPayload{
		EventID:     ev.ID,
		ProviderID:  ev.ProviderID,
		Type:        string(ev.Type),
		Title:       ev.Title,
		StartTime:   ev.StartTime.UTC(),
		EndTime:     ev.EndTime.UTC(),
		ClientName:  ev.ClientName,
		ClientEmail: ev.ClientEmail,
		ClientPhone: ev.ClientPhone,
		Location:    ev.Location,
		OccurredAt:  at.UTC(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateCalendarEvent,
		AggregateID:   ev.ProviderID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
