package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetLatestRoundTrip(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "op-1", 1, map[string]any{"phase": "preflight"}); err != nil {
		t.Fatalf("Save step 1: %v", err)
	}
	if _, err := s.Save(ctx, "op-1", 2, map[string]any{"phase": "plan"}); err != nil {
		t.Fatalf("Save step 2: %v", err)
	}

	latest, err := s.GetLatest(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a latest checkpoint, got nil")
	}
	if latest.Step != 2 {
		t.Errorf("latest.Step = %d, want 2", latest.Step)
	}
}

func TestGetLatestWithNoCheckpointsReturnsNil(t *testing.T) {
	s := tempStore(t)
	latest, err := s.GetLatest(context.Background(), "no-such-operation")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil latest, got %+v", latest)
	}
}

func TestSaveRejectsNonIncreasingStep(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "op-1", 5, map[string]any{"phase": "apply"}); err != nil {
		t.Fatalf("Save step 5: %v", err)
	}
	if _, err := s.Save(ctx, "op-1", 5, map[string]any{"phase": "apply-again"}); err == nil {
		t.Fatal("expected Save to reject a repeated step")
	}
	if _, err := s.Save(ctx, "op-1", 3, map[string]any{"phase": "stale"}); err == nil {
		t.Fatal("expected Save to reject a lower step")
	}
}

func TestSaveAllowsIndependentOperationsToInterleave(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "op-a", 1, "a1"); err != nil {
		t.Fatalf("Save op-a/1: %v", err)
	}
	if _, err := s.Save(ctx, "op-b", 1, "b1"); err != nil {
		t.Fatalf("Save op-b/1: %v", err)
	}
	if _, err := s.Save(ctx, "op-a", 2, "a2"); err != nil {
		t.Fatalf("Save op-a/2: %v", err)
	}

	latestA, err := s.GetLatest(ctx, "op-a")
	if err != nil {
		t.Fatalf("GetLatest op-a: %v", err)
	}
	if latestA.Step != 2 {
		t.Errorf("op-a latest step = %d, want 2", latestA.Step)
	}
	latestB, err := s.GetLatest(ctx, "op-b")
	if err != nil {
		t.Fatalf("GetLatest op-b: %v", err)
	}
	if latestB.Step != 1 {
		t.Errorf("op-b latest step = %d, want 1", latestB.Step)
	}
}

func TestSaveRejectsOversizedState(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	huge := strings.Repeat("x", DefaultMaxStateBytes+1)
	if _, err := s.Save(ctx, "op-1", 1, huge); err == nil {
		t.Fatal("expected Save to reject a state payload over the size cap")
	}
}

func TestSaveRespectsCustomMaxStateBytes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := Open(dbPath, WithMaxStateBytes(16))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Save(context.Background(), "op-1", 1, "this string is definitely over sixteen bytes"); err == nil {
		t.Fatal("expected Save to reject state over the custom cap")
	}
}

func TestListReturnsSummariesOrderedByStep(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	for _, step := range []int{1, 2, 3} {
		if _, err := s.Save(ctx, "op-1", step, map[string]any{"step": step}); err != nil {
			t.Fatalf("Save step %d: %v", step, err)
		}
	}

	summaries, err := s.List(ctx, "op-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("got %d summaries, want 3", len(summaries))
	}
	for i, want := range []int{1, 2, 3} {
		if summaries[i].Step != want {
			t.Errorf("summaries[%d].Step = %d, want %d", i, summaries[i].Step, want)
		}
	}
}

func TestGetReturnsNotFoundForMissingID(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Get(context.Background(), 9999); err == nil {
		t.Fatal("expected error for missing checkpoint id")
	}
}

func TestDeleteAllRemovesEveryCheckpointForOperation(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "op-1", 1, "a"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, "op-1", 2, "b"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, "op-2", 1, "c"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.DeleteAll(ctx, "op-1"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	latest, err := s.GetLatest(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest != nil {
		t.Errorf("expected op-1 checkpoints to be gone, found %+v", latest)
	}

	latestOther, err := s.GetLatest(ctx, "op-2")
	if err != nil {
		t.Fatalf("GetLatest op-2: %v", err)
	}
	if latestOther == nil {
		t.Error("expected op-2 checkpoints to survive deleting op-1's")
	}
}
