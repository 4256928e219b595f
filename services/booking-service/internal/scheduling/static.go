package scheduling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lanceboard/lanceboard/libs/config"
)

// StaticProvider applies the same weekly policy to every provider.
type StaticProvider struct {
	week [7]Hours
}

type StaticConfig struct {
	StartMinute int
	EndMinute   int
	// Days lists the working weekdays; empty means every day.
	Days []time.Weekday
}

// StaticConfigFromEnv reads WORKDAY_START, WORKDAY_END ("HH:MM", "24:00" allowed) and
// WORKDAYS ("mon,tue,..."). Unset values describe a full day, every day.
func StaticConfigFromEnv() (StaticConfig, error) {
	start, err := ParseClock(config.String("WORKDAY_START", "00:00"))
	if err != nil {
		return StaticConfig{}, fmt.Errorf("WORKDAY_START: %w", err)
	}
	end, err := ParseClock(config.String("WORKDAY_END", "24:00"))
	if err != nil {
		return StaticConfig{}, fmt.Errorf("WORKDAY_END: %w", err)
	}
	var days []time.Weekday
	for _, raw := range config.List("WORKDAYS", "") {
		wd, err := ParseWeekday(raw)
		if err != nil {
			return StaticConfig{}, fmt.Errorf("WORKDAYS: %w", err)
		}
		days = append(days, wd)
	}
	return StaticConfig{StartMinute: start, EndMinute: end, Days: days}, nil
}

func NewStaticProvider(cfg StaticConfig) (*StaticProvider, error) {
	working := map[time.Weekday]bool{}
	for _, d := range cfg.Days {
		working[d] = true
	}
	p := &StaticProvider{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		h := Hours{
			Weekday:     wd,
			Working:     len(cfg.Days) == 0 || working[wd],
			StartMinute: cfg.StartMinute,
			EndMinute:   cfg.EndMinute,
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		p.week[wd] = h
	}
	return p, nil
}

// FullDayProvider is the policy used when none is configured.
func FullDayProvider() *StaticProvider {
	p := &StaticProvider{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		p.week[wd] = FullDay(wd)
	}
	return p
}

func (p *StaticProvider) Hours(weekday time.Weekday) Hours {
	return p.week[weekday]
}

func (p *StaticProvider) WorkingHours(_ context.Context, _ string, day time.Time) (Window, error) {
	return p.week[day.UTC().Weekday()].On(day), nil
}

// ParseClock converts "HH:MM" into minutes after midnight. "24:00" is the end of day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || len(mm) != 2 || h < 0 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	total := h*60 + m
	if total > minutesPerDay {
		return 0, fmt.Errorf("invalid clock %q (past 24:00)", s)
	}
	return total, nil
}

// FormatClock is the inverse of ParseClock.
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekday accepts 0-6 (sunday first) or an English day name of at least three letters.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday %d out of range", n)
		}
		return time.Weekday(n), nil
	}
	if len(s) >= 3 {
		if wd, ok := weekdayNames[s[:3]]; ok && strings.HasPrefix(strings.ToLower(wd.String()), s) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
