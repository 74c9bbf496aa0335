//go:build integration

package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flotilla-net/flotilla/internal/testutil"
)

func TestPostgresObligation_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	o := &Obligation{
		ID:          "obl_pgtest001",
		Type:        TypeRoutingRevenue,
		FromPeer:    "0x1111111111111111111111111111111111111111",
		ToPeer:      "0x2222222222222222222222222222222222222222",
		Amount:      5000,
		WindowID:    "win_20260901",
		Status:      StatusPending,
		EvidenceRef: "receipt:abc",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "obl_pgtest001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Type != TypeRoutingRevenue || got.Amount != 5000 {
		t.Errorf("got type=%s amount=%d, want routing_revenue/5000", got.Type, got.Amount)
	}
	if got.Status != StatusPending {
		t.Errorf("got status %s, want pending", got.Status)
	}
	if got.EvidenceRef != "receipt:abc" {
		t.Errorf("got evidence ref %q", got.EvidenceRef)
	}
}

func TestPostgresObligation_GetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "obl_missing"); !errors.Is(err, ErrObligationNotFound) {
		t.Errorf("got %v, want ErrObligationNotFound", err)
	}
}

func TestPostgresObligation_UpdateStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	o := &Obligation{
		ID: "obl_pgtest002", Type: TypeDataFee,
		FromPeer: "0x1111111111111111111111111111111111111111",
		ToPeer:   "0x2222222222222222222222222222222222222222",
		Amount:   100, WindowID: "win_a", Status: StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.UpdateStatus(ctx, o.ID, StatusPending, StatusNetted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// Stale compare-and-swap must fail.
	if err := store.UpdateStatus(ctx, o.ID, StatusPending, StatusSettled); !errors.Is(err, ErrBadTransition) {
		t.Errorf("got %v, want ErrBadTransition", err)
	}

	if err := store.UpdateStatus(ctx, "obl_missing", StatusPending, StatusNetted); !errors.Is(err, ErrObligationNotFound) {
		t.Errorf("got %v, want ErrObligationNotFound", err)
	}
}

func TestPostgresObligation_ListByWindow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	for i, status := range []Status{StatusPending, StatusNetted, StatusPending} {
		o := &Obligation{
			ID: "obl_win_" + string(rune('a'+i)), Type: TypePriorityFee,
			FromPeer: "0x1111111111111111111111111111111111111111",
			ToPeer:   "0x2222222222222222222222222222222222222222",
			Amount:   int64(100 * (i + 1)), WindowID: "win_list", Status: status,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	pending, err := store.ListByWindow(ctx, "win_list", []Status{StatusPending})
	if err != nil {
		t.Fatalf("ListByWindow failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("got %d pending obligations, want 2", len(pending))
	}

	all, err := store.ListByWindow(ctx, "win_list", nil)
	if err != nil {
		t.Fatalf("ListByWindow failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d obligations, want 3", len(all))
	}
}

func TestPostgresObligation_ListByPeer(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	peer := "0x3333333333333333333333333333333333333333"
	other := "0x4444444444444444444444444444444444444444"

	for i := 0; i < 3; i++ {
		o := &Obligation{
			ID: "obl_peer_" + string(rune('a'+i)), Type: TypePenalty,
			FromPeer: peer, ToPeer: other,
			Amount: 50, WindowID: "win_p", Status: StatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		}
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.ListByPeer(ctx, peer, 2)
	if err != nil {
		t.Fatalf("ListByPeer failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d obligations, want limit 2", len(got))
	}
}
