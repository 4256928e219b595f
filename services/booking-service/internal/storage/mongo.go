package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var errLeaseHeld = errors.New("provider calendar lease held by another writer")

// MongoStore keeps calendars in a calendar_events collection. Mongo has no exclusion
// constraint, so every write goes through WithinProvider, which holds a lease document
// in calendar_locks for the provider.
type MongoStore struct {
	events   *mongo.Collection
	locks    *mongo.Collection
	leaseTTL time.Duration
	lockWait time.Duration
	now      func() time.Time
	newID    func() string
}

type MongoOptions struct {
	// LeaseTTL bounds how long a crashed writer can block a calendar.
	LeaseTTL time.Duration
	// LockWait is how long WithinProvider retries a held lease before giving up.
	LockWait time.Duration
}

func NewMongoStore(database *mongo.Database, opts MongoOptions) *MongoStore {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	return &MongoStore{
		events:   database.Collection("calendar_events"),
		locks:    database.Collection("calendar_locks"),
		leaseTTL: opts.LeaseTTL,
		lockWait: opts.LockWait,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// EnsureIndexes creates the indexes the queries rely on. Safe to call on every start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "start_time", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("calendar_events indexes: %w", err)
	}
	_, err = s.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(60),
	})
	if err != nil {
		return fmt.Errorf("calendar_locks indexes: %w", err)
	}
	return nil
}

type eventDoc struct {
	ID          string    `bson:"_id"`
	ProviderID  string    `bson:"provider_id"`
	Type        string    `bson:"type"`
	Title       string    `bson:"title"`
	StartTime   time.Time `bson:"start_time"`
	EndTime     time.Time `bson:"end_time"`
	ClientName  string    `bson:"client_name"`
	ClientEmail string    `bson:"client_email"`
	ClientPhone string    `bson:"client_phone"`
	Notes       string    `bson:"notes"`
	Location    string    `bson:"location"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func toDoc(ev model.Event) eventDoc {
	return eventDoc{
		ID:          ev.ID,
		ProviderID:  ev.ProviderID,
		Type:        string(ev.Type),
		Title:       ev.Title,
		StartTime:   ev.StartTime,
		EndTime:     ev.EndTime,
		ClientName:  ev.ClientName,
		ClientEmail: ev.ClientEmail,
		ClientPhone: ev.ClientPhone,
		Notes:       ev.Notes,
		Location:    ev.Location,
		CreatedAt:   ev.CreatedAt,
		UpdatedAt:   ev.UpdatedAt,
	}
}

func (d eventDoc) event() model.Event {
	return model.Event{
		ID:          d.ID,
		ProviderID:  d.ProviderID,
		Type:        model.EventType(d.Type),
		Title:       d.Title,
		StartTime:   d.StartTime.UTC(),
		EndTime:     d.EndTime.UTC(),
		ClientName:  d.ClientName,
		ClientEmail: d.ClientEmail,
		ClientPhone: d.ClientPhone,
		Notes:       d.Notes,
		Location:    d.Location,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func (s *MongoStore) Create(ctx context.Context, ev model.Event) (model.Event, error) {
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

func (s *MongoStore) Get(ctx context.Context, id string) (model.Event, error) {
	var doc eventDoc
	if err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return model.Event{}, mongoErr("get event", err)
	}
	return doc.event(), nil
}

func (s *MongoStore) ListByProvider(ctx context.Context, providerID string) ([]model.Event, error) {
	return s.find(ctx, "list events", bson.M{"provider_id": providerID})
}

func (s *MongoStore) FindOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Event, error) {
	return s.find(ctx, "find overlapping", overlapFilter(providerID, start, end))
}

func overlapFilter(providerID string, start, end time.Time) bson.M {
	return bson.M{
		"provider_id": providerID,
		"start_time":  bson.M{"$lt": end.UTC()},
		"end_time":    bson.M{"$gt": start.UTC()},
	}
}

func (s *MongoStore) find(ctx context.Context, op string, filter bson.M) ([]model.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoErr(op, err)
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mongoErr(op, err)
	}
	events := make([]model.Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, d.event())
	}
	return events, nil
}

func (s *MongoStore) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Event{}, err
	}
	var updated model.Event
	err = s.WithinProvider(ctx, current.ProviderID, func(ctx context.Context, tx Tx) error {
		var err error
		updated, err = tx.Update(ctx, id, patch)
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return updated, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.events.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, mongoErr("delete event", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) WithinProvider(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error {
	if providerID == "" {
		return model.NewValidationError("provider_id", "is required")
	}
	owner, err := s.acquire(ctx, providerID)
	if err != nil {
		return err
	}
	defer s.release(ctx, providerID, owner)

	tx := &mongoTx{store: s, providerID: providerID, updated: map[string]model.Event{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.flush(ctx, owner)
}

// acquire takes the provider's lease, or an expired one, retrying while another
// writer holds it.
func (s *MongoStore) acquire(ctx context.Context, providerID string) (string, error) {
	owner := s.newID()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		now := s.now()
		_, err := s.locks.UpdateOne(ctx,
			bson.M{"_id": providerID, "expires_at": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(s.leaseTTL)}},
			options.Update().SetUpsert(true),
		)
		switch {
		case err == nil:
			return struct{}{}, nil
		case mongo.IsDuplicateKeyError(err):
			return struct{}{}, errLeaseHeld
		default:
			return struct{}{}, backoff.Permanent(mongoErr("acquire lease", err))
		}
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(s.lockWait))
	if errors.Is(err, errLeaseHeld) {
		return "", model.Unavailable("acquire lease", err)
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

func (s *MongoStore) release(ctx context.Context, providerID, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = s.locks.DeleteOne(ctx, bson.M{"_id": providerID, "owner": owner})
}

// mongoTx buffers writes and applies them in flush, after confirming the lease is
// still held.
type mongoTx struct {
	store      *MongoStore
	providerID string
	created    []model.Event
	updated    map[string]model.Event
}

func (t *mongoTx) FindOverlapping(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	events, err := t.store.FindOverlapping(ctx, t.providerID, start, end)
	if err != nil {
		return nil, err
	}
	return t.overlay(events, start, end, ""), nil
}

// overlay applies the buffered writes to a stored result set.
func (t *mongoTx) overlay(stored []model.Event, start, end time.Time, skipID string) []model.Event {
	out := []model.Event{}
	for _, ev := range stored {
		if pending, ok := t.updated[ev.ID]; ok {
			ev = pending
		}
		if ev.ID != skipID && ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	for id, ev := range t.updated {
		if id == skipID || !ev.Overlaps(start, end) || indexOf(out, id) >= 0 {
			continue
		}
		out = append(out, ev)
	}
	for _, ev := range t.created {
		if ev.ID != skipID && ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out
}

func (t *mongoTx) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	ev, err := prepareCreate(t.providerID, ev)
	if err != nil {
		return model.Event{}, err
	}
	ev.StartTime = ev.StartTime.Truncate(time.Millisecond)
	ev.EndTime = ev.EndTime.Truncate(time.Millisecond)

	clash, err := t.FindOverlapping(ctx, ev.StartTime, ev.EndTime)
	if err != nil {
		return model.Event{}, err
	}
	if len(clash) > 0 {
		return model.Event{}, model.ErrConflict
	}

	now := t.store.now().Truncate(time.Millisecond)
	ev.ID = t.store.newID()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	t.created = append(t.created, ev)
	return ev, nil
}

func (t *mongoTx) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	current, ok := t.updated[id]
	if !ok {
		if i := indexOf(t.created, id); i >= 0 {
			current = t.created[i]
		} else {
			stored, err := t.store.Get(ctx, id)
			if err != nil {
				return model.Event{}, err
			}
			if stored.ProviderID != t.providerID {
				return model.Event{}, model.ErrNotFound
			}
			current = stored
		}
	}

	merged := patch.Apply(current)
	merged.StartTime = merged.StartTime.Truncate(time.Millisecond)
	merged.EndTime = merged.EndTime.Truncate(time.Millisecond)
	if err := merged.Validate(); err != nil {
		return model.Event{}, err
	}
	if patch.MovesInterval() {
		stored, err := t.store.FindOverlapping(ctx, t.providerID, merged.StartTime, merged.EndTime)
		if err != nil {
			return model.Event{}, err
		}
		if len(t.overlay(stored, merged.StartTime, merged.EndTime, id)) > 0 {
			return model.Event{}, model.ErrConflict
		}
	}
	merged.UpdatedAt = t.store.now().Truncate(time.Millisecond)

	if i := indexOf(t.created, id); i >= 0 {
		t.created[i] = merged
	} else {
		t.updated[id] = merged
	}
	return merged, nil
}

// flush renews the lease and applies the buffered writes before the renewed lease
// runs out. Without multi-document transactions the writes are not fenced: a writer
// that stalls past the deadline mid-flush may leave part of its writes behind after
// another writer took the lease. The deadline keeps that window to one LeaseTTL.
func (t *mongoTx) flush(ctx context.Context, owner string) error {
	if len(t.created) == 0 && len(t.updated) == 0 {
		return nil
	}
	s := t.store
	renewed := s.now()
	res, err := s.locks.UpdateOne(ctx,
		bson.M{"_id": t.providerID, "owner": owner},
		bson.M{"$set": bson.M{"expires_at": renewed.Add(s.leaseTTL)}},
	)
	if err != nil {
		return mongoErr("renew lease", err)
	}
	if res.MatchedCount == 0 {
		return model.Unavailable("renew lease", errors.New("lease expired before commit"))
	}

	ctx, cancel := context.WithDeadline(ctx, renewed.Add(s.leaseTTL))
	defer cancel()

	if len(t.created) > 0 {
		docs := make([]any, 0, len(t.created))
		for _, ev := range t.created {
			docs = append(docs, toDoc(ev))
		}
		if _, err := s.events.InsertMany(ctx, docs); err != nil {
			return mongoErr("create event", err)
		}
	}
	for id, ev := range t.updated {
		res, err := s.events.ReplaceOne(ctx, bson.M{"_id": id, "provider_id": t.providerID}, toDoc(ev))
		if err != nil {
			return mongoErr("update event", err)
		}
		if res.MatchedCount == 0 {
			return model.ErrNotFound
		}
	}
	return nil
}

func mongoErr(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return model.ErrNotFound
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return model.Unavailable(op, err)
	}
}
