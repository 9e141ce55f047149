package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"datamarket/pkg/domain"
)

// MemoryStore keeps marketplace state in-process. It backs local runs
// without Postgres and the workflow tests.
type MemoryStore struct {
	mu        sync.RWMutex
	uploads   map[string]domain.Upload
	wallets   map[string]domain.Wallet
	entries   map[string][]domain.WalletEntry // owner ID -> entries, oldest first
	purchases []domain.Purchase
	admins    map[string]struct{}
	now       func() time.Time
}

// NewMemoryStore initializes an empty in-memory store. adminIDs are seeded
// into the admins set.
func NewMemoryStore(adminIDs ...string) *MemoryStore {
	m := &MemoryStore{
		uploads: make(map[string]domain.Upload),
		wallets: make(map[string]domain.Wallet),
		entries: make(map[string][]domain.WalletEntry),
		admins:  make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			m.admins[id] = struct{}{}
		}
	}
	return m
}

// CreateUpload stores a new upload.
func (m *MemoryStore) CreateUpload(_ context.Context, u domain.Upload) (domain.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, exists := m.uploads[u.ID]; exists {
		return domain.Upload{}, fmt.Errorf("upload %s already exists", u.ID)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.uploads[u.ID] = u
	return u, nil
}

// GetUpload returns an upload by ID.
func (m *MemoryStore) GetUpload(_ context.Context, id string) (domain.Upload, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[id]
	return u, ok, nil
}

// GetUploadWithStatus returns an upload only when it has the given status.
func (m *MemoryStore) GetUploadWithStatus(_ context.Context, id string, status domain.UploadStatus) (domain.Upload, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[id]
	if !ok || u.Status != status {
		return domain.Upload{}, false, nil
	}
	return u, true, nil
}

// ListUploads returns matching uploads newest first.
func (m *MemoryStore) ListUploads(_ context.Context, filter UploadFilter) ([]domain.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Upload, 0, len(m.uploads))
	for _, u := range m.uploads {
		if filter.OwnerID != "" && u.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		if filter.MediaType != "" && u.MediaType != filter.MediaType {
			continue
		}
		if filter.StoragePath != "" && u.StoragePath != filter.StoragePath {
			continue
		}
		res = append(res, u)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// TransitionUpload moves the upload from one status to another.
func (m *MemoryStore) TransitionUpload(_ context.Context, id string, from, to domain.UploadStatus) (domain.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return domain.Upload{}, ErrNotFound
	}
	if u.Status != from {
		return u, fmt.Errorf("%w: upload %s is %s, expected %s", ErrStatusMismatch, id, u.Status, from)
	}
	u.Status = to
	m.uploads[id] = u
	return u, nil
}

// CreditWallet adds amount to the owner's balance under the store lock.
func (m *MemoryStore) CreditWallet(_ context.Context, ownerID, uploadID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w := m.wallets[ownerID]
	w.OwnerID = ownerID
	w.Balance += amount
	w.UpdatedAt = now
	m.wallets[ownerID] = w
	m.entries[ownerID] = append(m.entries[ownerID], domain.WalletEntry{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		UploadID:     uploadID,
		Amount:       amount,
		BalanceAfter: w.Balance,
		CreatedAt:    now,
	})
	return w.Balance, nil
}

// GetWallet returns the owner's wallet, zero valued when never credited.
func (m *MemoryStore) GetWallet(_ context.Context, ownerID string) (domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[ownerID]
	if !ok {
		return domain.Wallet{OwnerID: ownerID}, nil
	}
	return w, nil
}

// ListWalletEntries returns ledger entries newest first.
func (m *MemoryStore) ListWalletEntries(_ context.Context, ownerID string, limit int) ([]domain.WalletEntry, error) {
	if limit <= 0 {
		limit = defaultWalletEntryLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[ownerID]
	res := make([]domain.WalletEntry, 0, min(len(src), limit))
	for i := len(src) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, src[i])
	}
	return res, nil
}

// CreatePurchase appends a purchase.
func (m *MemoryStore) CreatePurchase(_ context.Context, p domain.Purchase) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[p.UploadID]; !ok {
		return domain.Purchase{}, fmt.Errorf("upload %s does not exist", p.UploadID)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = m.now()
	}
	m.purchases = append(m.purchases, p)
	return p, nil
}

// ListPurchases returns purchases newest first joined with their uploads.
func (m *MemoryStore) ListPurchases(_ context.Context, buyerID string) ([]domain.PurchaseWithUpload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.PurchaseWithUpload, 0, len(m.purchases))
	for i := len(m.purchases) - 1; i >= 0; i-- {
		p := m.purchases[i]
		if buyerID != "" && p.BuyerID != buyerID {
			continue
		}
		item := domain.PurchaseWithUpload{Purchase: p}
		if u, ok := m.uploads[p.UploadID]; ok {
			item.Upload = &u
		}
		res = append(res, item)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].PurchaseDate.After(res[j].PurchaseDate)
	})
	return res, nil
}

// HasPurchase reports whether buyerID bought uploadID.
func (m *MemoryStore) HasPurchase(_ context.Context, buyerID, uploadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.purchases {
		if p.BuyerID == buyerID && p.UploadID == uploadID {
			return true, nil
		}
	}
	return false, nil
}

// IsAdmin reports whether userID was seeded as administrator.
func (m *MemoryStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.admins[userID]
	return ok, nil
}
