package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Not durable and not shared
// across instances, but linearizable per session within the process.
type MemoryStore struct {
	sessions sync.Map // map[string]*memoryEntry
}

// memoryEntry guards one session. lock is a one-slot semaphore so waiters can
// give up when their context ends.
type memoryEntry struct {
	lock chan struct{}
	rec  *Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) entry(sessionID string) *memoryEntry {
	if v, ok := s.sessions.Load(sessionID); ok {
		return v.(*memoryEntry)
	}
	fresh := &memoryEntry{
		lock: make(chan struct{}, 1),
		rec:  NewRecord(sessionID, time.Now().UTC()),
	}
	v, _ := s.sessions.LoadOrStore(sessionID, fresh)
	return v.(*memoryEntry)
}

func (e *memoryEntry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *memoryEntry) release() { <-e.lock }

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return nil, nil
	}
	e := v.(*memoryEntry)
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn UpdateFunc) (*Record, error) {
	e := s.entry(sessionID)
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	working := e.rec.Clone()
	commit, err := fn(working)
	if err != nil {
		return nil, err
	}
	if commit {
		working.Version = e.rec.Version + 1
		e.rec = working
	}
	return e.rec.Clone(), nil
}

// List returns every session ordered by creation time.
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	var err error
	s.sessions.Range(func(_, v any) bool {
		e := v.(*memoryEntry)
		if err = e.acquire(ctx); err != nil {
			return false
		}
		out = append(out, e.rec.Clone())
		e.release()
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
