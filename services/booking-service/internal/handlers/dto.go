package handlers

import (
	"strings"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
)

type slotItem struct {
	Time      string `json:"time"`
	Formatted string `json:"formatted"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func toSlotItems(slots []model.TimeSlot) []slotItem {
	out := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotItem{
			Time:      s.Start.UTC().Format("15:04"),
			Formatted: s.Formatted,
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
		})
	}
	return out
}

type eventResponse struct {
	ID          string `json:"id"`
	ProviderID  string `json:"provider_id"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	ClientName  string `json:"client_name,omitempty"`
	ClientEmail string `json:"client_email,omitempty"`
	ClientPhone string `json:"client_phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Location    string `json:"location,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toEventResponse(ev model.Event) eventResponse {
	return eventResponse{
		ID:          ev.ID,
		ProviderID:  ev.ProviderID,
		Type:        string(ev.Type),
		Title:       ev.Title,
		StartTime:   ev.StartTime.UTC().Format(time.RFC3339),
		EndTime:     ev.EndTime.UTC().Format(time.RFC3339),
		ClientName:  ev.ClientName,
		ClientEmail: ev.ClientEmail,
		ClientPhone: ev.ClientPhone,
		Notes:       ev.Notes,
		Location:    ev.Location,
		CreatedAt:   ev.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   ev.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createEventRequest struct {
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	ClientName  string    `json:"client_name"`
	ClientEmail string    `json:"client_email"`
	ClientPhone string    `json:"client_phone"`
	Notes       string    `json:"notes"`
	Location    string    `json:"location"`
}

func (r createEventRequest) event(providerID string) model.Event {
	typ := model.EventType(r.Type)
	if r.Type == "" {
		typ = model.EventTypeBlock
	}
	return model.Event{
		ProviderID:  providerID,
		Type:        typ,
		Title:       r.Title,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		ClientName:  r.ClientName,
		ClientEmail: r.ClientEmail,
		ClientPhone: r.ClientPhone,
		Notes:       r.Notes,
		Location:    r.Location,
	}
}

type patchEventRequest struct {
	Type        *string    `json:"type"`
	Title       *string    `json:"title"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	ClientName  *string    `json:"client_name"`
	ClientEmail *string    `json:"client_email"`
	ClientPhone *string    `json:"client_phone"`
	Notes       *string    `json:"notes"`
	Location    *string    `json:"location"`
}

func (r patchEventRequest) patch() model.EventPatch {
	p := model.EventPatch{
		Title:       r.Title,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		ClientName:  r.ClientName,
		ClientEmail: r.ClientEmail,
		ClientPhone: r.ClientPhone,
		Notes:       r.Notes,
		Location:    r.Location,
	}
	if r.Type != nil {
		t := model.EventType(*r.Type)
		p.Type = &t
	}
	return p
}

type workingHoursRequest struct {
	Working bool   `json:"working"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type workingHoursResponse struct {
	ProviderID string `json:"provider_id"`
	Weekday    string `json:"weekday"`
	Working    bool   `json:"working"`
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
}

func toWorkingHoursResponse(providerID string, h scheduling.Hours) workingHoursResponse {
	resp := workingHoursResponse{ProviderID: providerID, Weekday: strings.ToLower(h.Weekday.String()), Working: h.Working}
	if h.Working {
		resp.Start = scheduling.FormatClock(h.StartMinute)
		resp.End = scheduling.FormatClock(h.EndMinute)
	}
	return resp
}
