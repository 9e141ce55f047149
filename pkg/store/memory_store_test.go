package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"datamarket/pkg/domain"
)

func newPendingUpload(t *testing.T, s *MemoryStore, owner string) domain.Upload {
	t.Helper()
	u, err := s.CreateUpload(context.Background(), domain.Upload{
		OwnerID:      owner,
		FileName:     "data.csv",
		MediaType:    "text/csv",
		SizeBytes:    2048,
		StoragePath:  "uploads/" + owner + "/data.csv",
		Status:       domain.StatusPending,
		TokensEarned: 5,
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	return u
}

func TestMemoryStoreTransitionGuardsCurrentStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u := newPendingUpload(t, s, "owner-1")

	got, err := s.TransitionUpload(ctx, u.ID, domain.StatusPending, domain.StatusApproved)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	_, err = s.TransitionUpload(ctx, u.ID, domain.StatusPending, domain.StatusRejected)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected status mismatch, got %v", err)
	}
	if _, err := s.TransitionUpload(ctx, "missing", domain.StatusPending, domain.StatusApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreGetUploadWithStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u := newPendingUpload(t, s, "owner-1")

	if _, ok, _ := s.GetUploadWithStatus(ctx, u.ID, domain.StatusApproved); ok {
		t.Fatalf("pending upload must not match approved filter")
	}
	if _, ok, _ := s.GetUploadWithStatus(ctx, u.ID, domain.StatusPending); !ok {
		t.Fatalf("pending upload should match pending filter")
	}
}

func TestMemoryStoreCreditWalletConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreditWallet(ctx, "owner-1", "upload", 7); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, "owner-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != workers*7 {
		t.Fatalf("balance = %d, want %d", w.Balance, workers*7)
	}
	entries, err := s.ListWalletEntries(ctx, "owner-1", 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != workers {
		t.Fatalf("entries = %d, want %d", len(entries), workers)
	}
	if entries[0].BalanceAfter != workers*7 {
		t.Fatalf("newest entry balance = %d, want %d", entries[0].BalanceAfter, workers*7)
	}
}

func TestMemoryStoreCreditWalletRejectsNegative(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.CreditWallet(context.Background(), "owner-1", "upload", -1); err == nil {
		t.Fatalf("expected negative credit to fail")
	}
}

func TestMemoryStoreGetWalletDefaultsToZero(t *testing.T) {
	w, err := NewMemoryStore().GetWallet(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 0 || w.OwnerID != "nobody" {
		t.Fatalf("unexpected wallet: %+v", w)
	}
}

func TestMemoryStoreListUploadsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, owner := range []string{"a", "b", "a"} {
		_, err := s.CreateUpload(ctx, domain.Upload{
			OwnerID:   owner,
			FileName:  "f",
			MediaType: "text/plain",
			Status:    domain.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create upload: %v", err)
		}
	}

	all, _ := s.ListUploads(ctx, UploadFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(all))
	}
	if !all[0].CreatedAt.After(all[1].CreatedAt) {
		t.Fatalf("expected newest first")
	}
	mine, _ := s.ListUploads(ctx, UploadFilter{OwnerID: "a"})
	if len(mine) != 2 {
		t.Fatalf("expected 2 uploads for owner a, got %d", len(mine))
	}
	approved, _ := s.ListUploads(ctx, UploadFilter{Status: domain.StatusApproved})
	if len(approved) != 0 {
		t.Fatalf("expected no approved uploads, got %d", len(approved))
	}
}

func TestMemoryStorePurchasesJoinUploads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u := newPendingUpload(t, s, "owner-1")

	if _, err := s.CreatePurchase(ctx, domain.Purchase{BuyerID: "buyer-1", UploadID: "missing", Price: 1}); err == nil {
		t.Fatalf("expected purchase of unknown upload to fail")
	}
	p, err := s.CreatePurchase(ctx, domain.Purchase{BuyerID: "buyer-1", UploadID: u.ID, Price: 1})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	items, err := s.ListPurchases(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	if len(items) != 1 || items[0].ID != p.ID || items[0].Upload == nil || items[0].Upload.ID != u.ID {
		t.Fatalf("unexpected purchases: %+v", items)
	}
	if ok, _ := s.HasPurchase(ctx, "buyer-1", u.ID); !ok {
		t.Fatalf("expected HasPurchase to be true")
	}
	if items, _ := s.ListPurchases(ctx, "buyer-2"); len(items) != 0 {
		t.Fatalf("expected no purchases for buyer-2")
	}
}

func TestMemoryStoreAdmins(t *testing.T) {
	s := NewMemoryStore("admin-1", " ")
	if ok, _ := s.IsAdmin(context.Background(), "admin-1"); !ok {
		t.Fatalf("expected seeded admin")
	}
	if ok, _ := s.IsAdmin(context.Background(), "user-1"); ok {
		t.Fatalf("unexpected admin")
	}
}
