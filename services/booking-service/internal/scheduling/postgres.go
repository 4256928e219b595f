package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lanceboard/lanceboard/libs/db"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

// PostgresProvider reads per-provider policies from provider_working_hours. Weekdays
// without a row use the fallback policy.
type PostgresProvider struct {
	pool     *db.Pool
	fallback *StaticProvider
}

func NewPostgresProvider(pool *db.Pool, fallback *StaticProvider) *PostgresProvider {
	if fallback == nil {
		fallback = FullDayProvider()
	}
	return &PostgresProvider{pool: pool, fallback: fallback}
}

func (p *PostgresProvider) WorkingHours(ctx context.Context, providerID string, day time.Time) (Window, error) {
	h, err := p.get(ctx, providerID, day.UTC().Weekday())
	if err != nil {
		return Window{}, err
	}
	return h.On(day), nil
}

func (p *PostgresProvider) get(ctx context.Context, providerID string, weekday time.Weekday) (Hours, error) {
	h := Hours{Weekday: weekday}
	err := p.pool.QueryRow(ctx, `
		SELECT is_working, start_minute, end_minute
		FROM provider_working_hours
		WHERE provider_id = $1 AND weekday = $2
	`, providerID, int(weekday)).Scan(&h.Working, &h.StartMinute, &h.EndMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.fallback.Hours(weekday), nil
	}
	if err != nil {
		return Hours{}, model.Unavailable("working hours", err)
	}
	return h, nil
}

// ListWorkingHours returns the effective policy for all seven weekdays, sunday first.
func (p *PostgresProvider) ListWorkingHours(ctx context.Context, providerID string) ([]Hours, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT weekday, is_working, start_minute, end_minute
		FROM provider_working_hours
		WHERE provider_id = $1
		ORDER BY weekday ASC
	`, providerID)
	if err != nil {
		return nil, model.Unavailable("list working hours", err)
	}
	defer rows.Close()

	week := make([]Hours, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		week[wd] = p.fallback.Hours(wd)
	}
	for rows.Next() {
		var h Hours
		var weekday int
		if err := rows.Scan(&weekday, &h.Working, &h.StartMinute, &h.EndMinute); err != nil {
			return nil, model.Unavailable("list working hours", err)
		}
		if weekday < 0 || weekday > 6 {
			continue
		}
		h.Weekday = time.Weekday(weekday)
		week[weekday] = h
	}
	if rows.Err() != nil {
		return nil, model.Unavailable("list working hours", rows.Err())
	}
	return week, nil
}

func (p *PostgresProvider) UpsertWorkingHours(ctx context.Context, providerID string, h Hours) error {
	if providerID == "" {
		return model.NewValidationError("provider_id", "is required")
	}
	if err := h.Validate(); err != nil {
		return err
	}
	start, end := h.StartMinute, h.EndMinute
	if !h.Working {
		start, end = 0, minutesPerDay
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO provider_working_hours (provider_id, weekday, is_working, start_minute, end_minute)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id, weekday) DO UPDATE
		SET is_working = EXCLUDED.is_working,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			updated_at = now()
	`, providerID, int(h.Weekday), h.Working, start, end)
	if err != nil {
		return model.Unavailable("upsert working hours", err)
	}
	return nil
}
