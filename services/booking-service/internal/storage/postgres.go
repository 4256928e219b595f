package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lanceboard/lanceboard/libs/db"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/outbox"
)

const eventColumns = `id::text, provider_id, event_type, title, start_time, end_time,
	client_name, client_email, client_phone, notes, location, created_at, updated_at`

// PostgresStore keeps calendars in calendar_events. WithinProvider serializes writers
// per provider with a transaction-scoped advisory lock; the table's exclusion
// constraint rejects overlaps that bypass it.
type PostgresStore struct {
	pool   *db.Pool
	outbox *outbox.Repository
	now    func() time.Time
}

func NewPostgresStore(pool *db.Pool, ob *outbox.Repository) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		outbox: ob,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	var created model.Event
	err := s.WithinProvider(ctx, ev.ProviderID, func(ctx context.Context, tx Tx) error {
		var err error
		created, err = tx.Create(ctx, ev)
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Event{}, model.ErrNotFound
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = $1`, id))
	if err != nil {
		return model.Event{}, classify("get event", err)
	}
	return ev, nil
}

func (s *PostgresStore) ListByProvider(ctx context.Context, providerID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM calendar_events
		WHERE provider_id = $1
		ORDER BY start_time ASC, id ASC
	`, providerID)
	if err != nil {
		return nil, classify("list events", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, classify("list events", err)
	}
	return events, nil
}

func (s *PostgresStore) FindOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Event, error) {
	events, err := findOverlapping(ctx, s.pool, providerID, start, end)
	if err != nil {
		return nil, classify("find overlapping", err)
	}
	return events, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Event{}, model.ErrNotFound
	}
	var providerID string
	err := s.pool.QueryRow(ctx, `SELECT provider_id FROM calendar_events WHERE id = $1`, id).Scan(&providerID)
	if err != nil {
		return model.Event{}, classify("update event", err)
	}

	var updated model.Event
	err = s.WithinProvider(ctx, providerID, func(ctx context.Context, tx Tx) error {
		var err error
		updated, err = tx.Update(ctx, id, patch)
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, classify("delete event", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev, err := scanEvent(tx.QueryRow(ctx, `DELETE FROM calendar_events WHERE id = $1 RETURNING `+eventColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("delete event", err)
	}
	if err := s.record(ctx, tx, outbox.TopicEventDeleted, ev); err != nil {
		return false, classify("delete event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, classify("delete event", err)
	}
	return true, nil
}

func (s *PostgresStore) WithinProvider(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error {
	if providerID == "" {
		return model.NewValidationError("provider_id", "is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, providerID); err != nil {
		return classify("lock provider calendar", err)
	}
	if err := fn(ctx, &postgresTx{store: s, tx: tx, providerID: providerID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *PostgresStore) record(ctx context.Context, tx pgx.Tx, topic string, ev model.Event) error {
	if s.outbox == nil {
		return nil
	}
	evt, err := outbox.CalendarEvent(topic, ev, s.now())
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, evt)
}

type postgresTx struct {
	store      *PostgresStore
	tx         pgx.Tx
	providerID string
}

func (t *postgresTx) FindOverlapping(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	events, err := findOverlapping(ctx, t.tx, t.providerID, start, end)
	if err != nil {
		return nil, classify("find overlapping", err)
	}
	return events, nil
}

func (t *postgresTx) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	ev, err := prepareCreate(t.providerID, ev)
	if err != nil {
		return model.Event{}, err
	}
	created, err := scanEvent(t.tx.QueryRow(ctx, `
		INSERT INTO calendar_events
			(provider_id, event_type, title, start_time, end_time, client_name, client_email, client_phone, notes, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+eventColumns,
		ev.ProviderID, string(ev.Type), ev.Title, ev.StartTime, ev.EndTime,
		ev.ClientName, ev.ClientEmail, ev.ClientPhone, ev.Notes, ev.Location))
	if err != nil {
		return model.Event{}, classify("create event", err)
	}
	if err := t.store.record(ctx, t.tx, outbox.TopicEventCreated, created); err != nil {
		return model.Event{}, classify("create event", err)
	}
	return created, nil
}

func (t *postgresTx) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Event{}, model.ErrNotFound
	}
	current, err := scanEvent(t.tx.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM calendar_events
		WHERE id = $1 AND provider_id = $2
		FOR UPDATE
	`, id, t.providerID))
	if err != nil {
		return model.Event{}, classify("update event", err)
	}

	merged := patch.Apply(current)
	if err := merged.Validate(); err != nil {
		return model.Event{}, err
	}
	updated, err := scanEvent(t.tx.QueryRow(ctx, `
		UPDATE calendar_events
		SET event_type = $3,
			title = $4,
			start_time = $5,
			end_time = $6,
			client_name = $7,
			client_email = $8,
			client_phone = $9,
			notes = $10,
			location = $11,
			updated_at = now()
		WHERE id = $1 AND provider_id = $2
		RETURNING `+eventColumns,
		id, t.providerID, string(merged.Type), merged.Title, merged.StartTime, merged.EndTime,
		merged.ClientName, merged.ClientEmail, merged.ClientPhone, merged.Notes, merged.Location))
	if err != nil {
		return model.Event{}, classify("update event", err)
	}
	if err := t.store.record(ctx, t.tx, outbox.TopicEventUpdated, updated); err != nil {
		return model.Event{}, classify("update event", err)
	}
	return updated, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func findOverlapping(ctx context.Context, q querier, providerID string, start, end time.Time) ([]model.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT `+eventColumns+`
		FROM calendar_events
		WHERE provider_id = $1
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC, id ASC
	`, providerID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]model.Event, error) {
	defer rows.Close()
	events := []model.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var ev model.Event
	var eventType string
	err := row.Scan(
		&ev.ID,
		&ev.ProviderID,
		&eventType,
		&ev.Title,
		&ev.StartTime,
		&ev.EndTime,
		&ev.ClientName,
		&ev.ClientEmail,
		&ev.ClientPhone,
		&ev.Notes,
		&ev.Location,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return model.Event{}, err
	}
	ev.Type = model.EventType(eventType)
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return ev, nil
}

// classify maps pgx errors onto the model taxonomy. Anything the server did not
// answer with a SQLSTATE is an infrastructure failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01":
			return fmt.Errorf("%s: %w", op, model.ErrConflict)
		case "23514":
			if pgErr.ConstraintName == "calendar_events_type_chk" {
				return model.NewValidationError("type", "must be one of booking, block, meeting, task")
			}
			return model.NewValidationError("end_time", "must be after start_time")
		case "40001", "40P01", "53300", "57P01":
			return model.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return model.Unavailable(op, err)
}
