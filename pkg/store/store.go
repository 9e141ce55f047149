package store

import (
	"context"
	"errors"

	"datamarket/pkg/domain"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusMismatch is returned when a guarded transition finds the
	// upload in a status other than the expected one.
	ErrStatusMismatch = errors.New("upload status mismatch")
)

// UploadFilter narrows ListUploads. Empty fields do not filter.
type UploadFilter struct {
	OwnerID     string
	Status      domain.UploadStatus
	MediaType   string
	StoragePath string
}

// Store defines persistence operations for uploads, wallets and purchases.
type Store interface {
	// uploads
	CreateUpload(ctx context.Context, u domain.Upload) (domain.Upload, error)
	GetUpload(ctx context.Context, id string) (domain.Upload, bool, error)
	GetUploadWithStatus(ctx context.Context, id string, status domain.UploadStatus) (domain.Upload, bool, error)
	ListUploads(ctx context.Context, filter UploadFilter) ([]domain.Upload, error)
	// TransitionUpload moves an upload from one status to another in a single
	// conditional update. It returns ErrNotFound or ErrStatusMismatch.
	TransitionUpload(ctx context.Context, id string, from, to domain.UploadStatus) (domain.Upload, error)

	// wallets
	// CreditWallet atomically adds amount to the owner's balance, records a
	// ledger entry for uploadID and returns the new balance.
	CreditWallet(ctx context.Context, ownerID, uploadID string, amount int64) (int64, error)
	GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error)
	ListWalletEntries(ctx context.Context, ownerID string, limit int) ([]domain.WalletEntry, error)

	// purchases
	CreatePurchase(ctx context.Context, p domain.Purchase) (domain.Purchase, error)
	ListPurchases(ctx context.Context, buyerID string) ([]domain.PurchaseWithUpload, error)
	HasPurchase(ctx context.Context, buyerID, uploadID string) (bool, error)

	// admins
	IsAdmin(ctx context.Context, userID string) (bool, error)
}
