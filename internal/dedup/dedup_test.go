package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tgdigest/internal/model"
	"tgdigest/internal/storage"
	logx "tgdigest/pkg/logx"
)

func newStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dedup.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop()), st
}

func TestRecordBatchThenUnseen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, st := newStore(t)

	a101 := model.Identity{ChannelID: "A", MessageID: 101}
	a103 := model.Identity{ChannelID: "A", MessageID: 103}
	a104 := model.Identity{ChannelID: "A", MessageID: 104}

	if err := d.RecordBatch(ctx, []model.Identity{a101, a103, a101}, model.Cursor{ChannelID: "A", LastSeenID: 105}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	got, err := d.Unseen(ctx, []model.Identity{a104, a103, a101})
	if err != nil {
		t.Fatalf("Unseen: %v", err)
	}
	if diff := cmp.Diff([]model.Identity{a104}, got); diff != "" {
		t.Fatalf("Unseen mismatch (-want +got):\n%s", diff)
	}
	if n, _ := d.Count(ctx); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	cur, _ := st.Cursors(ctx)
	if cur["A"].LastSeenID != 105 {
		t.Fatalf("cursor = %+v, want 105", cur["A"])
	}
}

func TestRecordBatchIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newStore(t)
	id := model.Identity{ChannelID: "A", MessageID: 1}
	for i := 0; i < 3; i++ {
		if err := d.RecordBatch(ctx, []model.Identity{id}); err != nil {
			t.Fatalf("RecordBatch #%d: %v", i, err)
		}
	}
	if n, _ := d.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newStore(t)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now.Add(-40 * 24 * time.Hour) }
	if err := d.RecordBatch(ctx, []model.Identity{{ChannelID: "A", MessageID: 1}}); err != nil {
		t.Fatalf("RecordBatch old: %v", err)
	}
	d.now = func() time.Time { return now }
	if err := d.RecordBatch(ctx, []model.Identity{{ChannelID: "A", MessageID: 2}}); err != nil {
		t.Fatalf("RecordBatch new: %v", err)
	}

	n, err := d.Prune(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	ok, _ := d.HasNotified(ctx, model.Identity{ChannelID: "A", MessageID: 2})
	if !ok {
		t.Fatalf("recent record should survive prune")
	}
}
