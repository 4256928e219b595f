package model

import (
	"strings"
	"time"
)

type EventType string

const (
	EventTypeBooking EventType = "booking"
	EventTypeBlock   EventType = "block"
	EventTypeMeeting EventType = "meeting"
	EventTypeTask    EventType = "task"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeBooking, EventTypeBlock, EventTypeMeeting, EventTypeTask:
		return true
	}
	return false
}

// Event is one entry on a provider's calendar. ID, ProviderID and CreatedAt never
// change after the store creates the event.
type Event struct {
	ID          string
	ProviderID  string
	Type        EventType
	Title       string
	StartTime   time.Time
	EndTime     time.Time
	ClientName  string
	ClientEmail string
	ClientPhone string
	Notes       string
	Location    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e Event) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(e.ProviderID) == "" {
		fields["provider_id"] = "is required"
	}
	if !e.Type.Valid() {
		fields["type"] = "must be one of booking, block, meeting, task"
	}
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		fields["start_time"] = "start_time and end_time are required"
	} else if !e.StartTime.Before(e.EndTime) {
		fields["end_time"] = "must be after start_time"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Overlaps reports whether [start,end) intersects the event under half-open semantics.
func (e Event) Overlaps(start, end time.Time) bool {
	return Overlaps(e.StartTime, e.EndTime, start, end)
}

// Overlaps reports whether [aStart,aEnd) and [bStart,bEnd) share an instant.
// Back-to-back intervals (aEnd == bStart) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// EventPatch carries the mutable fields of an update; nil means unchanged.
type EventPatch struct {
	Type        *EventType
	Title       *string
	StartTime   *time.Time
	EndTime     *time.Time
	ClientName  *string
	ClientEmail *string
	ClientPhone *string
	Notes       *string
	Location    *string
}

// Apply returns e with the patch merged in. It does not validate.
func (p EventPatch) Apply(e Event) Event {
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.StartTime != nil {
		e.StartTime = p.StartTime.UTC()
	}
	if p.EndTime != nil {
		e.EndTime = p.EndTime.UTC()
	}
	if p.ClientName != nil {
		e.ClientName = *p.ClientName
	}
	if p.ClientEmail != nil {
		e.ClientEmail = *p.ClientEmail
	}
	if p.ClientPhone != nil {
		e.ClientPhone = *p.ClientPhone
	}
	if p.Notes != nil {
		e.Notes = *p.Notes
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	return e
}

// MovesInterval reports whether applying the patch can change the event's time range.
func (p EventPatch) MovesInterval() bool {
	return p.StartTime != nil || p.EndTime != nil
}

// TimeSlot is a candidate interval offered to clients. Formatted is display only.
type TimeSlot struct {
	Start     time.Time
	End       time.Time
	Formatted string
}

// BookingRequest is a client's intent to reserve [Date Time, +DurationMinutes).
type BookingRequest struct {
	ProviderID      string `json:"provider_id" validate:"required,max=128"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int    `json:"duration_minutes" validate:"gt=0,lte=1440"`
	ClientName      string `json:"client_name" validate:"required,max=200"`
	ClientEmail     string `json:"client_email" validate:"required,email,max=320"`
	ClientPhone     string `json:"client_phone" validate:"required,max=40"`
	Notes           string `json:"notes,omitempty" validate:"max=2000"`
	Location        string `json:"location,omitempty" validate:"max=500"`
}
