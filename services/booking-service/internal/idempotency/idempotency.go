// Package idempotency remembers the outcome of requests sent with an Idempotency-Key
// so a retried submission replays the first response instead of booking twice.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var ErrInProgress = errors.New("a request with this idempotency key is still in progress")

// Record is the response replayed for a completed key.
type Record struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

// Claim is held by the request currently executing under a key.
type Claim struct {
	Scope string
	Key   string
	token string
}

type Store interface {
	// Begin claims (scope, key). When a previous request already completed, its
	// record is returned with done set and no claim is taken. A claim held by a
	// request still running yields ErrInProgress.
	Begin(ctx context.Context, scope, key string) (claim Claim, rec Record, done bool, err error)
	// Complete stores rec as the final outcome of the claim.
	Complete(ctx context.Context, claim Claim, rec Record) error
	// Abandon releases the claim without an outcome so the client may retry.
	Abandon(ctx context.Context, claim Claim) error
}

type Options struct {
	// PendingTTL bounds how long a crashed request keeps its key claimed.
	PendingTTL time.Duration
	// RecordTTL is how long completed outcomes are replayed.
	RecordTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.PendingTTL <= 0 {
		o.PendingTTL = 30 * time.Second
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = 24 * time.Hour
	}
	return o
}
