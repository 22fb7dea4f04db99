package session

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
	"go.uber.org/zap"
)

// DefaultStoreTimeout bounds every store operation issued by the Tracker.
const DefaultStoreTimeout = 2 * time.Second

// Tracker is the domain logic over session records: it answers whether a
// condition would complete the trifecta and commits condition additions.
type Tracker struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Store   Store
	Timeout time.Duration // per store operation (default 2s)
	Logger  *zap.Logger
}

// NewTracker creates a Tracker over the given store.
func NewTracker(cfg TrackerConfig) *Tracker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   cfg.Store,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// StoreName returns the backing store's name.
func (t *Tracker) StoreName() string {
	return t.store.Name()
}

// Outcome is the result of CheckAndCommit.
type Outcome struct {
	Before  condition.Set
	Record  *Record // state after the call; unchanged when Blocked
	Blocked bool
}

// GetOrCreate returns the session record, persisting an empty one for new sessions.
func (t *Tracker) GetOrCreate(ctx context.Context, sessionID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rec, err := t.store.Update(ctx, sessionID, func(*Record) (bool, error) {
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("GetOrCreate: %w", err)
	}
	return rec, nil
}

// WouldComplete reports whether adding c to the session's committed
// conditions would activate all three.
func (t *Tracker) WouldComplete(ctx context.Context, sessionID string, c condition.Condition) (bool, error) {
	if !c.Valid() {
		return false, fmt.Errorf("WouldComplete: %w: %v", condition.ErrUnknownCondition, c)
	}
	rec, err := t.GetOrCreate(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("WouldComplete: %w", err)
	}
	return rec.Active.With(c).Complete(), nil
}

// Commit adds c to the session, appends a history entry and increments the
// call count in one atomic store update. It refuses with ErrTrifecta when the
// commit would activate all three conditions.
func (t *Tracker) Commit(ctx context.Context, sessionID, tool string, c condition.Condition) (*Record, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("Commit: %w: %v", condition.ErrUnknownCondition, c)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rec, err := t.store.Update(ctx, sessionID, func(rec *Record) (bool, error) {
		if rec.Active.With(c).Complete() {
			return false, ErrTrifecta
		}
		rec.apply(tool, c, t.now())
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	return rec, nil
}

// CheckAndCommit performs the completion check and the conditional commit as
// one linearized step per session. A blocked call leaves the record untouched.
func (t *Tracker) CheckAndCommit(ctx context.Context, sessionID, tool string, c condition.Condition) (*Outcome, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("CheckAndCommit: %w: %v", condition.ErrUnknownCondition, c)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var out Outcome
	rec, err := t.store.Update(ctx, sessionID, func(rec *Record) (bool, error) {
		out.Before = rec.Active
		out.Blocked = rec.Active.With(c).Complete()
		if out.Blocked {
			return false, nil
		}
		rec.apply(tool, c, t.now())
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("CheckAndCommit: %w", err)
	}
	if !out.Blocked {
		t.logger.Debug("session condition committed",
			zap.String("session_id", sessionID),
			zap.String("tool_name", tool),
			zap.Strings("active_conditions", rec.Active.Names()),
			zap.Int64("version", rec.Version),
		)
	}
	out.Record = rec
	return &out, nil
}

// Snapshot returns the serializable view of a session.
func (t *Tracker) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	rec, err := t.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("Snapshot: %w", err)
	}
	return NewSnapshot(rec), nil
}

// List returns snapshots of every known session when the store can enumerate.
func (t *Tracker) List(ctx context.Context) ([]*Snapshot, error) {
	lister, ok := t.store.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	recs, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	out := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewSnapshot(rec))
	}
	return out, nil
}
