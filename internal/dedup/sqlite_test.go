package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"alertbot/internal/market"
	"alertbot/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func newSQLiteStore(t *testing.T, retention time.Duration) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:    "sqlite",
		Path:      filepath.Join(t.TempDir(), "dedup.db"),
		Retention: retention,
	}, nopLogger())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteFilterAndMark(t *testing.T) {
	t.Parallel()
	st := newSQLiteStore(t, time.Hour)
	ctx := context.Background()

	fresh, err := st.FilterNew(ctx, "u1", market.CategoryTransfer, []string{"w1", "w2"})
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 2 {
		t.Fatalf("fresh = %v, want both", fresh)
	}

	if err := st.MarkDelivered(ctx, "u1", market.CategoryTransfer, []string{"w1"}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	fresh, err = st.FilterNew(ctx, "u1", market.CategoryTransfer, []string{"w1", "w2"})
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 1 || fresh[0] != "w2" {
		t.Fatalf("fresh = %v, want [w2]", fresh)
	}
}

func TestSQLiteMarkIdempotent(t *testing.T) {
	t.Parallel()
	st := newSQLiteStore(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.MarkDelivered(ctx, "u1", market.CategoryNews, []string{"n1"}); err != nil {
			t.Fatalf("MarkDelivered #%d: %v", i, err)
		}
	}
	fresh, err := st.FilterNew(ctx, "u1", market.CategoryNews, []string{"n1"})
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("fresh = %v, want none", fresh)
	}
}

func TestSQLiteScopeIndependence(t *testing.T) {
	t.Parallel()
	st := newSQLiteStore(t, time.Hour)
	ctx := context.Background()

	if err := st.MarkDelivered(ctx, "u1", market.CategoryNews, []string{"n1"}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	fresh, err := st.FilterNew(ctx, "g1", market.CategoryNews, []string{"n1"})
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatal("group scope suppressed by user delivery")
	}
}

func TestSQLiteExpiredRecordsRedeliver(t *testing.T) {
	t.Parallel()
	// Zero-ish retention: everything written is immediately expired.
	st := newSQLiteStore(t, time.Millisecond)
	ctx := context.Background()

	if err := st.MarkDelivered(ctx, "u1", market.CategoryNews, []string{"n1"}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	fresh, err := st.FilterNew(ctx, "u1", market.CategoryNews, []string{"n1"})
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatal("expired record must not suppress redelivery")
	}
}
