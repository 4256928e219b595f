package scheduling

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lanceboard/lanceboard/libs/grpcx"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// 2024-06-03 is a Monday.
var monday = time.Date(2024, 6, 3, 15, 4, 0, 0, time.UTC)

func TestParseClock(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"09:00", 540, true},
		{"00:00", 0, true},
		{"24:00", 1440, true},
		{"17:30", 1050, true},
		{"9", 0, false},
		{"09:7", 0, false},
		{"24:01", 0, false},
		{"10:60", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseClock(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseClock(%q) should fail", tc.in)
		}
	}
	if FormatClock(570) != "09:30" {
		t.Fatalf("FormatClock(570) = %q", FormatClock(570))
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{"mon": time.Monday, "Sunday": time.Sunday, "6": time.Saturday, " fri ": time.Friday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q) = %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"mo", "7", "monx", "funday"} {
		if _, err := ParseWeekday(in); err == nil {
			t.Fatalf("ParseWeekday(%q) should fail", in)
		}
	}
}

func TestStaticProvider(t *testing.T) {
	p, err := NewStaticProvider(StaticConfig{StartMinute: 540, EndMinute: 1020, Days: []time.Weekday{time.Monday, time.Tuesday}})
	if err != nil {
		t.Fatalf("NewStaticProvider: %v", err)
	}
	w, _ := p.WorkingHours(context.Background(), "p1", monday)
	if !w.Working || !w.Start.Equal(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)) || !w.End.Equal(time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected monday window: %+v", w)
	}
	sunday, _ := p.WorkingHours(context.Background(), "p1", monday.AddDate(0, 0, -1))
	if sunday.Working {
		t.Fatalf("sunday should be off: %+v", sunday)
	}

	if _, err := NewStaticProvider(StaticConfig{StartMinute: 600, EndMinute: 540}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFullDayDefault(t *testing.T) {
	w, _ := FullDayProvider().WorkingHours(context.Background(), "p1", monday)
	if !w.Start.Equal(Midnight(monday)) || w.End.Sub(w.Start) != 24*time.Hour {
		t.Fatalf("unexpected full day window: %+v", w)
	}
}

func TestMemoryProviderOverrides(t *testing.T) {
	p := NewMemoryProvider(nil)
	ctx := context.Background()
	if err := p.UpsertWorkingHours(ctx, "p1", Hours{Weekday: time.Monday}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	w, _ := p.WorkingHours(ctx, "p1", monday)
	if w.Working {
		t.Fatalf("override should close monday: %+v", w)
	}
	other, _ := p.WorkingHours(ctx, "p2", monday)
	if !other.Working {
		t.Fatalf("other providers keep the fallback: %+v", other)
	}
	err := p.UpsertWorkingHours(ctx, "p1", Hours{Weekday: time.Monday, Working: true, StartMinute: 600, EndMinute: 600})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	week, err := p.ListWorkingHours(ctx, "p1")
	if err != nil || len(week) != 7 {
		t.Fatalf("list: %v %d", err, len(week))
	}
	if week[time.Monday].Working || !week[time.Tuesday].Working || week[time.Tuesday].EndMinute != minutesPerDay {
		t.Fatalf("unexpected week: %+v", week)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	backend := NewMemoryProvider(nil)
	_ = backend.UpsertWorkingHours(context.Background(), "p1", Hours{Weekday: time.Monday, Working: true, StartMinute: 540, EndMinute: 720})
	_ = backend.UpsertWorkingHours(context.Background(), "p1", Hours{Weekday: time.Tuesday})

	lis := bufconn.Listen(1 << 20)
	srv := grpcx.NewServer()
	RegisterGRPCServer(srv, backend)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGRPCProvider("passthrough:///bufnet", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewGRPCProvider: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	w, err := client.WorkingHours(ctx, "p1", monday)
	if err != nil {
		t.Fatalf("WorkingHours: %v", err)
	}
	if !w.Working || w.Start.Hour() != 9 || w.End.Hour() != 12 {
		t.Fatalf("unexpected window: %+v", w)
	}

	off, err := client.WorkingHours(ctx, "p1", monday.AddDate(0, 0, 1))
	if err != nil || off.Working {
		t.Fatalf("tuesday should be off: %+v %v", off, err)
	}

	if _, err := client.WorkingHours(ctx, "", monday); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGRPCUnreachableIsUnavailable(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	_ = lis.Close()

	client, err := NewGRPCProvider("passthrough:///bufnet", 200*time.Millisecond,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewGRPCProvider: %v", err)
	}
	defer client.Close()

	if _, err := client.WorkingHours(context.Background(), "p1", monday); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
