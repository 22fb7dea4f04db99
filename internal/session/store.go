package session

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("session update conflict: retries exhausted")

	// ErrListUnsupported is returned by backends that cannot enumerate sessions.
	ErrListUnsupported = errors.New("session listing not supported by this store")

	// ErrTrifecta is returned by Commit when the commit would activate all three conditions.
	ErrTrifecta = errors.New("commit would complete the trifecta")
)

// UpdateFunc inspects and may mutate the current record. Returning false
// discards any mutation. It may be invoked more than once per Update when an
// optimistic store retries, so it must derive everything from rec.
type UpdateFunc func(rec *Record) (commit bool, err error)

// Store persists session records.
//
// Update is the only mutation path. It must be atomic per session: no two
// UpdateFuncs for the same session observe the same version and both commit.
// Updates on different sessions must not contend.
type Store interface {
	// Name identifies the backend in logs and health output.
	Name() string

	// Load returns the stored record, or nil if the session was never seen.
	Load(ctx context.Context, sessionID string) (*Record, error)

	// Update runs fn against the latest record, creating and persisting an
	// empty record first when the session is new. It returns the record as
	// stored after the call.
	Update(ctx context.Context, sessionID string, fn UpdateFunc) (*Record, error)

	Close() error
}

// Lister is implemented by stores that can enumerate sessions.
type Lister interface {
	List(ctx context.Context) ([]*Record, error)
}
