package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
	"go.uber.org/zap"
)

func newTestTracker(store Store) *Tracker {
	return NewTracker(TrackerConfig{Store: store, Timeout: time.Second, Logger: zap.NewNop()})
}

func TestTracker_GetOrCreate_FreshSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		tr := newTestTracker(store)
		rec, err := tr.GetOrCreate(context.Background(), "S1")
		if err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
		if rec.SessionID != "S1" || rec.Active != 0 || rec.CallCount != 0 || len(rec.History) != 0 {
			t.Fatalf("expected fresh record, got %+v", rec)
		}

		again, err := tr.GetOrCreate(context.Background(), "S1")
		if err != nil {
			t.Fatal(err)
		}
		if !again.CreatedAt.Equal(rec.CreatedAt) {
			t.Fatal("created_at must be set once")
		}
	})
}

func TestTracker_CommitIsIdempotentOnConditions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		tr := newTestTracker(store)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := tr.Commit(ctx, "S1", "read_db", condition.PrivateData); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
		}
		rec, err := tr.GetOrCreate(ctx, "S1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Active.Len() != 1 {
			t.Fatalf("expected 1 active condition, got %v", rec.Active.Names())
		}
		if rec.CallCount != 3 || len(rec.History) != 3 {
			t.Fatalf("expected 3 calls recorded, got count=%d history=%d", rec.CallCount, len(rec.History))
		}
	})
}

func TestTracker_CommitRefusesTrifecta(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		tr := newTestTracker(store)
		ctx := context.Background()
		if _, err := tr.Commit(ctx, "S1", "read_db", condition.PrivateData); err != nil {
			t.Fatal(err)
		}
		if _, err := tr.Commit(ctx, "S1", "fetch_webpage", condition.UntrustedContent); err != nil {
			t.Fatal(err)
		}
		_, err := tr.Commit(ctx, "S1", "send_email", condition.ExfiltrationVector)
		if !errors.Is(err, ErrTrifecta) {
			t.Fatalf("expected ErrTrifecta, got %v", err)
		}
		rec, err := tr.GetOrCreate(ctx, "S1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Active.Complete() || rec.CallCount != 2 {
			t.Fatalf("refused commit changed state: %+v", rec)
		}
	})
}

func TestTracker_CommitRejectsInvalidCondition(t *testing.T) {
	tr := newTestTracker(NewMemoryStore())
	_, err := tr.Commit(context.Background(), "S1", "x", condition.None)
	if !errors.Is(err, condition.ErrUnknownCondition) {
		t.Fatalf("expected ErrUnknownCondition, got %v", err)
	}
}

func TestTracker_WouldComplete(t *testing.T) {
	tr := newTestTracker(NewMemoryStore())
	ctx := context.Background()

	done, err := tr.WouldComplete(ctx, "S1", condition.ExfiltrationVector)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("empty session cannot complete the trifecta")
	}

	_, _ = tr.Commit(ctx, "S1", "read_db", condition.PrivateData)
	_, _ = tr.Commit(ctx, "S1", "fetch_webpage", condition.UntrustedContent)

	for c, want := range map[condition.Condition]bool{
		condition.PrivateData:        false,
		condition.UntrustedContent:   false,
		condition.ExfiltrationVector: true,
	} {
		got, err := tr.WouldComplete(ctx, "S1", c)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("WouldComplete(%v) = %v, want %v", c, got, want)
		}
	}
}

func TestTracker_CheckAndCommit_BlockLeavesRecordUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		tr := newTestTracker(store)
		ctx := context.Background()
		_, _ = tr.Commit(ctx, "S1", "read_db", condition.PrivateData)
		_, _ = tr.Commit(ctx, "S1", "send_email", condition.ExfiltrationVector)
		before, err := tr.GetOrCreate(ctx, "S1")
		if err != nil {
			t.Fatal(err)
		}

		out, err := tr.CheckAndCommit(ctx, "S1", "fetch_webpage", condition.UntrustedContent)
		if err != nil {
			t.Fatal(err)
		}
		if !out.Blocked {
			t.Fatal("expected block")
		}
		if out.Before != before.Active || out.Record.Active != before.Active {
			t.Fatalf("blocked call changed conditions: before=%v after=%v", out.Before.Names(), out.Record.Active.Names())
		}
		if len(out.Record.History) != len(before.History) || out.Record.Version != before.Version {
			t.Fatal("blocked call appended history or bumped version")
		}
	})
}

// Two concurrent calls on a fresh session carrying distinct conditions both
// commit; a third completing call afterwards is blocked.
func TestTracker_ConcurrentDistinctConditionsThenBlock(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		tr := newTestTracker(store)
		ctx := context.Background()

		var wg sync.WaitGroup
		outs := make([]*Outcome, 2)
		errs := make([]error, 2)
		calls := []struct {
			tool string
			c    condition.Condition
		}{
			{"read_db", condition.PrivateData},
			{"fetch_webpage", condition.UntrustedContent},
		}
		for i, call := range calls {
			wg.Add(1)
			go func(i int, tool string, c condition.Condition) {
				defer wg.Done()
				outs[i], errs[i] = tr.CheckAndCommit(ctx, "S1", tool, c)
			}(i, call.tool, call.c)
		}
		wg.Wait()

		for i := range calls {
			if errs[i] != nil {
				t.Fatalf("call %d failed: %v", i, errs[i])
			}
			if outs[i].Blocked {
				t.Fatalf("call %d unexpectedly blocked", i)
			}
		}
		// Linearized: exactly one of the two saw the other's condition.
		if outs[0].Before.Len()+outs[1].Before.Len() != 1 {
			t.Fatalf("calls were not linearized: before sets %v and %v",
				outs[0].Before.Names(), outs[1].Before.Names())
		}

		third, err := tr.CheckAndCommit(ctx, "S1", "send_email", condition.ExfiltrationVector)
		if err != nil {
			t.Fatal(err)
		}
		if !third.Blocked {
			t.Fatal("third call must be blocked")
		}
		if third.Record.Active.Len() != 2 {
			t.Fatalf("expected 2 active conditions, got %v", third.Record.Active.Names())
		}
	})
}

// With one condition active, racing the two missing ones must let exactly one through.
func TestTracker_RaceForLastConditionAllowsOne(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		for round := 0; round < 10; round++ {
			tr := newTestTracker(store)
			ctx := context.Background()
			id := "race-" + string(rune('a'+round))
			if _, err := tr.Commit(ctx, id, "read_db", condition.PrivateData); err != nil {
				t.Fatal(err)
			}

			var wg sync.WaitGroup
			start := make(chan struct{})
			results := make(chan *Outcome, 2)
			for _, c := range []condition.Condition{condition.UntrustedContent, condition.ExfiltrationVector} {
				wg.Add(1)
				go func(c condition.Condition) {
					defer wg.Done()
					<-start
					out, err := tr.CheckAndCommit(ctx, id, c.String(), c)
					if err != nil {
						t.Errorf("CheckAndCommit: %v", err)
						return
					}
					results <- out
				}(c)
			}
			close(start)
			wg.Wait()
			close(results)

			allowed := 0
			for out := range results {
				if !out.Blocked {
					allowed++
				}
			}
			if allowed != 1 {
				t.Fatalf("round %d: expected exactly one allowed, got %d", round, allowed)
			}
			rec, err := tr.GetOrCreate(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Active.Complete() {
				t.Fatalf("round %d: trifecta reached through race", round)
			}
		}
	})
}

func TestTracker_Snapshot(t *testing.T) {
	tr := newTestTracker(NewMemoryStore())
	ctx := context.Background()
	_, _ = tr.Commit(ctx, "S1", "fetch_webpage", condition.UntrustedContent)
	_, _ = tr.Commit(ctx, "S1", "read_db", condition.PrivateData)

	snap, err := tr.Snapshot(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(snap.ActiveConditions, []string{"private_data", "untrusted_content"}) {
		t.Errorf("active = %v", snap.ActiveConditions)
	}
	if !reflect.DeepEqual(snap.MissingConditions, []string{"exfiltration_vector"}) {
		t.Errorf("missing = %v", snap.MissingConditions)
	}
	if snap.ConditionsMet != 2 || snap.ConditionsTotal != 3 || snap.TrifectaComplete {
		t.Errorf("unexpected counts %+v", snap)
	}
	if snap.CallCount != 2 || len(snap.ToolHistory) != 2 || snap.ToolHistory[0].Tool != "fetch_webpage" {
		t.Errorf("unexpected history %+v", snap.ToolHistory)
	}
}

func TestTracker_SnapshotFreshSessionHasEmptySlices(t *testing.T) {
	tr := newTestTracker(NewMemoryStore())
	snap, err := tr.Snapshot(context.Background(), "new")
	if err != nil {
		t.Fatal(err)
	}
	if snap.ActiveConditions == nil || snap.ToolHistory == nil {
		t.Fatal("snapshot slices must be non-nil so they encode as []")
	}
	if len(snap.MissingConditions) != 3 {
		t.Fatalf("expected all 3 missing, got %v", snap.MissingConditions)
	}
}

func TestTracker_List(t *testing.T) {
	tr := newTestTracker(NewMemoryStore())
	ctx := context.Background()
	_, _ = tr.GetOrCreate(ctx, "a")
	_, _ = tr.GetOrCreate(ctx, "b")

	snaps, err := tr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

// failingStore always errors, standing in for an unreachable backend.
type failingStore struct{ err error }

func (f *failingStore) Name() string { return "failing" }
func (f *failingStore) Load(context.Context, string) (*Record, error) {
	return nil, f.err
}
func (f *failingStore) Update(context.Context, string, UpdateFunc) (*Record, error) {
	return nil, f.err
}
func (f *failingStore) Close() error { return nil }

func TestTracker_ListUnsupported(t *testing.T) {
	tr := newTestTracker(&failingStore{err: errors.New("down")})
	if _, err := tr.List(context.Background()); !errors.Is(err, ErrListUnsupported) {
		t.Fatalf("expected ErrListUnsupported, got %v", err)
	}
}

func TestTracker_StoreErrorsPropagate(t *testing.T) {
	down := errors.New("connection refused")
	tr := newTestTracker(&failingStore{err: down})
	ctx := context.Background()

	if _, err := tr.GetOrCreate(ctx, "S1"); !errors.Is(err, down) {
		t.Errorf("GetOrCreate: expected store error, got %v", err)
	}
	if _, err := tr.Commit(ctx, "S1", "read_db", condition.PrivateData); !errors.Is(err, down) {
		t.Errorf("Commit: expected store error, got %v", err)
	}
	if _, err := tr.CheckAndCommit(ctx, "S1", "read_db", condition.PrivateData); !errors.Is(err, down) {
		t.Errorf("CheckAndCommit: expected store error, got %v", err)
	}
}
