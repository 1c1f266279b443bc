package artifact

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte(`{"a":1}`), KindFileBased, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != ContentID([]byte(`{"a":1}`)) {
		t.Errorf("ref ID is not content-addressed")
	}
	if ref.Size != 7 {
		t.Errorf("got size %d, want 7", ref.Size)
	}

	data, err := s.Get(ctx, ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("got %q", data)
	}
}

func TestMemoryStore_IdenticalContentSharesID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r1, _ := s.Put(ctx, []byte(`{"a":1}`), KindFileBased, nil)
	r2, _ := s.Put(ctx, []byte(`{"a":1}`), KindFileBased, nil)

	if r1.ID != r2.ID {
		t.Fatal("identical content must share an ID")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 payload, got %d", s.Len())
	}

	// Two refs were taken; the payload survives one release.
	if err := s.Release(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, r1.ID); err != nil {
		t.Fatal("payload should survive while a ref remains")
	}

	if err := s.Release(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, r1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after final release, got %v", err)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRef_Same(t *testing.T) {
	a := &Ref{ID: "x", Kind: KindFileBased}
	b := &Ref{ID: "x", Kind: KindFileBased}
	c := &Ref{ID: "y", Kind: KindFileBased}

	if !a.Same(b) {
		t.Error("refs with equal IDs should be the same artifact")
	}
	if a.Same(c) {
		t.Error("refs with different IDs should differ")
	}
	if a.Same(nil) {
		t.Error("nil ref is never the same")
	}
}

func TestRef_CloneIsDeep(t *testing.T) {
	orig := &Ref{ID: "x", Kind: KindFileBased, Warnings: []string{"w"}}
	c := orig.Clone()
	c.Warnings[0] = "changed"

	if orig.Warnings[0] != "w" {
		t.Error("clone shares warning slice with original")
	}

	var nilRef *Ref
	if nilRef.Clone() != nil {
		t.Error("cloning nil should return nil")
	}
}
