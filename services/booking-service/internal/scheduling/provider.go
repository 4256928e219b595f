package scheduling

import (
	"context"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

const minutesPerDay = 24 * 60

// Window is the bookable part of one UTC day. Working is false on days off, in which
// case Start and End are zero.
type Window struct {
	Working bool
	Start   time.Time
	End     time.Time
}

// Provider resolves a provider's working-hours policy for a day.
type Provider interface {
	WorkingHours(ctx context.Context, providerID string, day time.Time) (Window, error)
}

// Writer is implemented by providers whose policy can be edited at runtime.
type Writer interface {
	UpsertWorkingHours(ctx context.Context, providerID string, h Hours) error
	// ListWorkingHours returns the effective policy for all seven weekdays, sunday first.
	ListWorkingHours(ctx context.Context, providerID string) ([]Hours, error)
}

// Hours is the weekly policy for one weekday, in minutes after midnight UTC.
type Hours struct {
	Weekday     time.Weekday
	Working     bool
	StartMinute int
	EndMinute   int
}

func FullDay(weekday time.Weekday) Hours {
	return Hours{Weekday: weekday, Working: true, StartMinute: 0, EndMinute: minutesPerDay}
}

func (h Hours) Validate() error {
	fields := map[string]string{}
	if h.Weekday < time.Sunday || h.Weekday > time.Saturday {
		fields["weekday"] = "must be between 0 (sunday) and 6 (saturday)"
	}
	if h.Working {
		if h.StartMinute < 0 || h.StartMinute >= minutesPerDay {
			fields["start"] = "must be within the day"
		}
		if h.EndMinute <= h.StartMinute || h.EndMinute > minutesPerDay {
			fields["end"] = "must be after start and no later than 24:00"
		}
	}
	if len(fields) > 0 {
		return &model.ValidationError{Fields: fields}
	}
	return nil
}

// On places the policy on the UTC calendar day containing day.
func (h Hours) On(day time.Time) Window {
	if !h.Working {
		return Window{}
	}
	d := Midnight(day)
	return Window{
		Working: true,
		Start:   d.Add(time.Duration(h.StartMinute) * time.Minute),
		End:     d.Add(time.Duration(h.EndMinute) * time.Minute),
	}
}

// Midnight returns 00:00 UTC of t's UTC calendar day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
