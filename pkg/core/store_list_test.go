package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestListSortFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	idA, err := s.InsertWithID(ctx, "aaa00000-0000-0000-0000-000000000001", "A", nil, nil, 10, 20)
	if err != nil {
		t.Fatalf("InsertWithID(A) error = %v", err)
	}
	idB, err := s.InsertWithID(ctx, "aaa00000-0000-0000-0000-000000000002", "B", nil, nil, 20, 10)
	if err != nil {
		t.Fatalf("InsertWithID(B) error = %v", err)
	}

	if err := s.SetAccessStats(ctx, idA, floatPtr(5), 9); err != nil {
		t.Fatalf("SetAccessStats(A) error = %v", err)
	}
	if err := s.SetAccessStats(ctx, idB, floatPtr(1), 2); err != nil {
		t.Fatalf("SetAccessStats(B) error = %v", err)
	}

	cases := []struct {
		name   string
		field  SortField
		wantID string
	}{
		{"created_at", SortByCreatedAt, idB},
		{"updated_at", SortByUpdatedAt, idA},
		{"last_accessed", SortByLastAccessed, idA},
		{"access_count", SortByAccessCount, idA},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := s.List(ctx, "", tc.field, 10, 0, nil, nil)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(out) != 2 {
				t.Fatalf("List() returned %d rows, want 2", len(out))
			}
			if out[0].ID != tc.wantID {
				t.Errorf("List(%v)[0].ID = %s, want %s", tc.field, out[0].ID, tc.wantID)
			}
		})
	}
}

func TestListFiltersAndBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fact := json.RawMessage(`{"type":"fact"}`)
	note := json.RawMessage(`{"type":"note"}`)

	if _, err := s.InsertWithID(ctx, "bbb00000-0000-0000-0000-000000000001", "old fact", nil, fact, 10, 10); err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}
	midID, err := s.InsertWithID(ctx, "bbb00000-0000-0000-0000-000000000002", "mid fact", nil, fact, 20, 20)
	if err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}
	if _, err := s.InsertWithID(ctx, "bbb00000-0000-0000-0000-000000000003", "new fact", nil, fact, 30, 30); err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}
	if _, err := s.InsertWithID(ctx, "bbb00000-0000-0000-0000-000000000004", "a note", nil, note, 20, 20); err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}

	out, err := s.List(ctx, "fact", SortByCreatedAt, 10, 0, nil, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("List(typeFilter=fact) returned %d rows, want 3", len(out))
	}

	before := 25.0
	after := 15.0
	out, err = s.List(ctx, "fact", SortByCreatedAt, 10, 0, &before, &after)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 1 || out[0].ID != midID {
		t.Fatalf("List(before=25,after=15) = %+v, want only %s", out, midID)
	}

	out, err = s.List(ctx, "fact", SortByCreatedAt, 1, 1, nil, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 1 || out[0].ID != midID {
		t.Fatalf("List(limit=1,offset=1) = %+v, want only %s", out, midID)
	}
}

func TestRelated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	source, err := s.Insert(ctx, "source", []float32{1, 0, 0}, nil, 0, true)
	if err != nil {
		t.Fatalf("Insert(source) error = %v", err)
	}
	near, err := s.Insert(ctx, "near", []float32{0.9, 0.1, 0}, nil, 0, true)
	if err != nil {
		t.Fatalf("Insert(near) error = %v", err)
	}
	if _, err := s.Insert(ctx, "far", []float32{0, 1, 0}, nil, 0, true); err != nil {
		t.Fatalf("Insert(far) error = %v", err)
	}

	out, err := s.Related(ctx, source.ID, 10)
	if err != nil {
		t.Fatalf("Related() error = %v", err)
	}
	for _, m := range out {
		if m.ID == source.ID {
			t.Errorf("Related() included the source row itself")
		}
	}
	if len(out) != 2 {
		t.Fatalf("Related() returned %d rows, want 2", len(out))
	}
	if out[0].ID != near.ID {
		t.Errorf("Related()[0].ID = %s, want %s (nearest neighbor)", out[0].ID, near.ID)
	}

	noVec, err := s.Insert(ctx, "no vector", nil, nil, 0, true)
	if err != nil {
		t.Fatalf("Insert(no vector) error = %v", err)
	}
	if _, err := s.Related(ctx, noVec.ID, 10); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("Related(no vector) error = %v, want ErrInvalidVector", err)
	}
}

func TestBackfillEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Insert(ctx, "has vector", []float32{1, 0, 0}, nil, 0, true); err != nil {
		t.Fatalf("Insert(has vector) error = %v", err)
	}
	if _, err := s.Insert(ctx, "missing one", nil, nil, 0, true); err != nil {
		t.Fatalf("Insert(missing one) error = %v", err)
	}
	if _, err := s.Insert(ctx, "missing two", nil, nil, 0, true); err != nil {
		t.Fatalf("Insert(missing two) error = %v", err)
	}

	n, err := s.BackfillEmbeddings(ctx, 10)
	if err != nil {
		t.Fatalf("BackfillEmbeddings() with no embedder error = %v", err)
	}
	if n != 0 {
		t.Errorf("BackfillEmbeddings() with no embedder processed = %d, want 0", n)
	}

	s.SetEmbedder(&fakeCoreEmbedder{dim: 3})

	n, err = s.BackfillEmbeddings(ctx, 1)
	if err != nil {
		t.Fatalf("BackfillEmbeddings() error = %v", err)
	}
	if n != 2 {
		t.Errorf("BackfillEmbeddings() processed = %d, want 2", n)
	}

	withVector, total, err := s.EmbeddingStats(ctx)
	if err != nil {
		t.Fatalf("EmbeddingStats() error = %v", err)
	}
	if total != 3 {
		t.Errorf("EmbeddingStats() total = %d, want 3", total)
	}
	if withVector != 3 {
		t.Errorf("EmbeddingStats() withVector = %d, want 3", withVector)
	}
}

func TestDeleteBeforeAndByType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fact := json.RawMessage(`{"type":"fact"}`)
	note := json.RawMessage(`{"type":"note"}`)

	if _, err := s.InsertWithID(ctx, "ccc00000-0000-0000-0000-000000000001", "old", nil, fact, 10, 10); err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}
	if _, err := s.InsertWithID(ctx, "ccc00000-0000-0000-0000-000000000002", "new", nil, fact, 30, 30); err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}
	if _, err := s.InsertWithID(ctx, "ccc00000-0000-0000-0000-000000000003", "a note", nil, note, 30, 30); err != nil {
		t.Fatalf("InsertWithID() error = %v", err)
	}

	n, err := s.DeleteBefore(ctx, 20)
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteBefore() removed = %d, want 1", n)
	}
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Count() after DeleteBefore = %d, want 2", count)
	}

	n, err = s.DeleteByType(ctx, "note")
	if err != nil {
		t.Fatalf("DeleteByType() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteByType() removed = %d, want 1", n)
	}
	count, err = s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() after DeleteByType = %d, want 1", count)
	}
}

func TestTypeDistribution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fact := json.RawMessage(`{"type":"fact"}`)
	note := json.RawMessage(`{"type":"note"}`)

	if _, err := s.Insert(ctx, "1", nil, fact, 0, true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := s.Insert(ctx, "2", nil, fact, 0, true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := s.Insert(ctx, "3", nil, note, 0, true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := s.Insert(ctx, "4", nil, nil, 0, true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	dist, err := s.TypeDistribution(ctx)
	if err != nil {
		t.Fatalf("TypeDistribution() error = %v", err)
	}
	if dist["fact"] != 2 {
		t.Errorf("TypeDistribution()[\"fact\"] = %d, want 2", dist["fact"])
	}
	if dist["note"] != 1 {
		t.Errorf("TypeDistribution()[\"note\"] = %d, want 1", dist["note"])
	}
	if len(dist) != 2 {
		t.Errorf("TypeDistribution() = %v, want exactly 2 keys (untyped row excluded)", dist)
	}
}

func TestVacuumRunsWithoutError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Insert(ctx, "note", nil, nil, 0, true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Delete(ctx, mustFirstID(ctx, t, s)); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
}

func TestVectorDimensionEnforcement(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig(mustTestDBPath(t))
	config.VectorDim = 3

	s, err := NewWithConfig(config)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.Insert(ctx, "ok", []float32{1, 0, 0}, nil, 0, true); err != nil {
		t.Fatalf("Insert() with matching dimension error = %v", err)
	}

	if _, err := s.Insert(ctx, "bad", []float32{1, 0}, nil, 0, true); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("Insert() with mismatched dimension error = %v, want ErrInvalidVector", err)
	}

	res, err := s.Insert(ctx, "to update", []float32{1, 0, 0}, nil, 0, true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Update(ctx, res.ID, nil, []float32{1, 0}, nil, false); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("Update() with mismatched dimension error = %v, want ErrInvalidVector", err)
	}
}

func floatPtr(f float64) *float64 { return &f }

type fakeCoreEmbedder struct{ dim int }

func (f *fakeCoreEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func (f *fakeCoreEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeCoreEmbedder) Dim() int { return f.dim }

func mustFirstID(ctx context.Context, t *testing.T, s *Store) string {
	t.Helper()
	out, err := s.List(ctx, "", SortByCreatedAt, 1, 0, nil, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("List() returned %d rows, want 1", len(out))
	}
	return out[0].ID
}

func mustTestDBPath(t *testing.T) string {
	t.Helper()
	dbPath := fmt.Sprintf("test_dim_%d.db", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = os.Remove(dbPath)
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
	})
	return dbPath
}
