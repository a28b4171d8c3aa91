/*
Package idempotency deduplicates retried write attempts.

PURPOSE:
  Every mutating core operation accepts a client-supplied idempotency key.
  Keys are scoped per (write-operation-kind, caller): the same key from a
  different caller, or for a different operation, is an independent key.

OUTCOMES:
  REPLAY   - a prior record exists with a matching request hash; the caller
             must return the stored response unchanged.
  CONFLICT - a prior record exists with a DIFFERENT hash for the same key;
             the operation is not re-executed.
  PROCEED  - no prior record; the caller runs the operation and persists
             the response against the key atomically with its own writes.
*/
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// RECORD - Stored first response for a key
// =============================================================================

// Scope identifies the write-operation kind a key applies to.
type Scope string

const (
	ScopeLeaveSubmit    Scope = "leave.submit"
	ScopeOvertimeSubmit Scope = "overtime.submit"
	ScopeAdjustment     Scope = "ledger.adjust"
)

// Record is the stored response descriptor for one (scope, caller, key).
type Record struct {
	Scope       Scope
	Caller      string
	Key         string
	RequestHash string

	ResponseStatus int
	ResponseBody   []byte

	CreatedAt time.Time
}

// Store persists idempotency records.
// (Scope, Caller, Key) is unique; Put on an existing key fails.
type Store interface {
	Get(ctx context.Context, scope Scope, caller, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
}

// =============================================================================
// GUARD
// =============================================================================

type Outcome int

const (
	Proceed Outcome = iota
	Replay
	Conflict
)

// Decision is the result of CheckOrReserve.
type Decision struct {
	Outcome Outcome
	Stored  Record // populated for Replay
}

type Guard struct {
	store Store
	now   func() time.Time
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

// HashBody returns the canonical hash of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CheckOrReserve decides whether the caller should replay, proceed, or fail.
// An empty key always proceeds: idempotency is opt-in per request.
func (g *Guard) CheckOrReserve(ctx context.Context, scope Scope, caller, key, requestHash string) (Decision, error) {
	if key == "" {
		return Decision{Outcome: Proceed}, nil
	}

	rec, ok, err := g.store.Get(ctx, scope, caller, key)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Outcome: Proceed}, nil
	}
	if rec.RequestHash != requestHash {
		return Decision{Outcome: Conflict}, core.Faultf(core.CodeConflict,
			"idempotency key %q reused with a different request body", key)
	}
	return Decision{Outcome: Replay, Stored: rec}, nil
}

// SaveResponse persists the response for a completed operation.
// Call it with the transaction-scoped store so the record commits atomically
// with the operation's own writes. A no-op for empty keys.
func (g *Guard) SaveResponse(ctx context.Context, store Store, scope Scope, caller, key, requestHash string, status int, body []byte) error {
	if key == "" {
		return nil
	}
	return store.Put(ctx, Record{
		Scope:          scope,
		Caller:         caller,
		Key:            key,
		RequestHash:    requestHash,
		ResponseStatus: status,
		ResponseBody:   body,
		CreatedAt:      g.now().UTC(),
	})
}
