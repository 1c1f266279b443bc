package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

func TestRunStore_CRUD(t *testing.T) {
	s := NewRunStore()
	ctx := context.Background()
	reg := registry.Default()

	st := engine.NewRunState(reg)
	if err := s.Create(ctx, st); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID != st.ID || len(loaded.Stages) != reg.Len() {
		t.Fatalf("loaded run does not match: %+v", loaded)
	}

	// Stored state is isolated from the caller's copy.
	st.Stages[registry.StageSelection].Status = engine.StatusInProgress
	loaded, _ = s.Load(ctx, st.ID)
	if loaded.Stages[registry.StageSelection].Status != engine.StatusIdle {
		t.Error("store shares state with caller")
	}

	if err := s.Delete(ctx, st.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, st.ID); !errors.Is(err, engine.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := s.Delete(ctx, st.ID); !errors.Is(err, engine.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on double delete, got %v", err)
	}
}

func TestRunStore_ListNewestFirst(t *testing.T) {
	s := NewRunStore()
	ctx := context.Background()
	reg := registry.Default()

	var ids []uuid.UUID
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		st := engine.NewRunState(reg)
		st.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, st); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, st.ID)
	}

	runs, err := s.List(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[4] {
		t.Error("newest run should come first")
	}

	runs, err = s.List(ctx, 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != ids[0] {
		t.Errorf("offset past all but the oldest should return it, got %d runs", len(runs))
	}

	runs, err = s.List(ctx, 10, 99)
	if err != nil || runs != nil {
		t.Errorf("offset beyond the end should return nothing, got %v, %v", runs, err)
	}
}
