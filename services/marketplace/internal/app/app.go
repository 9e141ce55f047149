package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"datamarket/internal/util"
	"datamarket/pkg/domain"
	"datamarket/pkg/storage"
	"datamarket/pkg/store"
	"datamarket/pkg/tokens"
	"datamarket/pkg/workflow"
	"datamarket/services/marketplace/internal/metrics"
)

const defaultPresignExpiry = 15 * time.Minute

// Config holds runtime dependencies for the marketplace application.
type Config struct {
	Store             store.Store
	Objects           storage.ObjectStore
	Metrics           *metrics.Workflow
	AllowedMediaTypes []string
	PresignExpiry     time.Duration
	// Now overrides the clock used for object keys.
	Now func() time.Time
}

// App implements the marketplace workflows on top of the datastore and
// object storage.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	metrics       *metrics.Workflow
	allowedTypes  map[string]struct{}
	presignExpiry time.Duration
	now           func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMediaTypes))
	for _, mt := range cfg.AllowedMediaTypes {
		if mt = normalizeMediaType(mt); mt != "" {
			allowed[mt] = struct{}{}
		}
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		metrics:       cfg.Metrics,
		allowedTypes:  allowed,
		presignExpiry: expiry,
		now:           now,
	}, nil
}

// IsAdmin reports whether userID is listed in the admins table.
func (a *App) IsAdmin(ctx context.Context, userID string) (bool, error) {
	ok, err := a.store.IsAdmin(ctx, userID)
	if err != nil {
		return false, &DependencyError{Op: "check admin", Err: err}
	}
	return ok, nil
}

// CreateUploadInput describes a file already placed in object storage.
type CreateUploadInput struct {
	OwnerID     string
	FileName    string
	MediaType   string
	SizeBytes   int64
	StoragePath string
	// TokensEarned is the client's own estimate. The stored value is always
	// computed by tokens.Calculate.
	TokensEarned *int64
}

// CreateUpload records a pending upload with its computed token reward.
func (a *App) CreateUpload(ctx context.Context, in CreateUploadInput) (domain.Upload, error) {
	var missing []string
	if strings.TrimSpace(in.OwnerID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(in.FileName) == "" {
		missing = append(missing, "file_name")
	}
	if strings.TrimSpace(in.MediaType) == "" {
		missing = append(missing, "file_type")
	}
	if in.SizeBytes == 0 {
		missing = append(missing, "file_size")
	}
	if strings.TrimSpace(in.StoragePath) == "" {
		missing = append(missing, "storage_path")
	}
	if len(missing) > 0 {
		a.metrics.ObserveUpload(metrics.OutcomeInvalid)
		return domain.Upload{}, missingFields(missing...)
	}
	if in.SizeBytes < 0 {
		a.metrics.ObserveUpload(metrics.OutcomeInvalid)
		return domain.Upload{}, invalid("file size must be positive", "file_size")
	}

	earned := tokens.Calculate(in.SizeBytes, in.MediaType)
	if in.TokensEarned != nil && *in.TokensEarned != earned {
		util.LoggerFromContext(ctx).Debug("client token estimate ignored",
			"client_tokens", *in.TokensEarned, "tokens", earned)
	}
	upload, err := a.store.CreateUpload(ctx, domain.Upload{
		OwnerID:      in.OwnerID,
		FileName:     in.FileName,
		MediaType:    in.MediaType,
		SizeBytes:    in.SizeBytes,
		StoragePath:  in.StoragePath,
		Status:       domain.StatusPending,
		TokensEarned: earned,
	})
	if err != nil {
		a.metrics.ObserveUpload(metrics.OutcomeFailed)
		return domain.Upload{}, &DependencyError{Op: "create upload", Err: err}
	}
	a.metrics.ObserveUpload(metrics.OutcomeSuccess)
	return upload, nil
}

// UploadFile stores the file content and records the pending upload. The
// object is removed again if the record cannot be written.
func (a *App) UploadFile(ctx context.Context, ownerID, filename, mediaType string, r io.Reader, size int64) (domain.Upload, error) {
	if strings.TrimSpace(filename) == "" {
		return domain.Upload{}, missingFields("file_name")
	}
	if size <= 0 {
		return domain.Upload{}, invalid("file is empty", "file")
	}
	mt := normalizeMediaType(mediaType)
	if mt == "" || mt == "application/octet-stream" {
		mt = normalizeMediaType(mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))))
	}
	if !a.mediaTypeAllowed(mt) {
		a.metrics.ObserveUpload(metrics.OutcomeInvalid)
		return domain.Upload{}, invalid("unsupported file type", "file_type")
	}

	key := a.storageKey(ownerID, filename)
	if err := a.objects.Put(ctx, key, r, size, mt); err != nil {
		a.metrics.ObserveUpload(metrics.OutcomeFailed)
		return domain.Upload{}, &DependencyError{Op: "store file", Err: err}
	}
	upload, err := a.CreateUpload(ctx, CreateUploadInput{
		OwnerID:     ownerID,
		FileName:    filepath.Base(filename),
		MediaType:   mt,
		SizeBytes:   size,
		StoragePath: key,
	})
	if err != nil {
		if delErr := a.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("remove orphaned object failed", "key", key, "err", delErr)
		}
		return domain.Upload{}, err
	}
	return upload, nil
}

// ListUploads returns uploads newest first.
func (a *App) ListUploads(ctx context.Context, filter store.UploadFilter) ([]domain.Upload, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("unknown status", "status")
	}
	uploads, err := a.store.ListUploads(ctx, filter)
	if err != nil {
		return nil, &DependencyError{Op: "list uploads", Err: err}
	}
	return uploads, nil
}

// Listing is an approved upload as shown in the marketplace.
type Listing struct {
	domain.Upload
	SizeMB float64 `json:"size_mb"`
	Price  float64 `json:"price"`
}

func listingFor(u domain.Upload) Listing {
	return Listing{
		Upload: u,
		SizeMB: tokens.SizeMB(u.SizeBytes),
		Price:  tokens.PriceForSize(u.SizeBytes),
	}
}

// ListListings returns approved uploads, optionally of one media type.
func (a *App) ListListings(ctx context.Context, mediaType string) ([]Listing, error) {
	uploads, err := a.store.ListUploads(ctx, store.UploadFilter{
		Status:    domain.StatusApproved,
		MediaType: strings.TrimSpace(mediaType),
	})
	if err != nil {
		return nil, &DependencyError{Op: "list listings", Err: err}
	}
	res := make([]Listing, 0, len(uploads))
	for _, u := range uploads {
		res = append(res, listingFor(u))
	}
	return res, nil
}

// GetListing returns one approved upload.
func (a *App) GetListing(ctx context.Context, id string) (Listing, error) {
	u, ok, err := a.store.GetUploadWithStatus(ctx, id, domain.StatusApproved)
	if err != nil {
		return Listing{}, &DependencyError{Op: "get listing", Err: err}
	}
	if !ok {
		return Listing{}, ErrNotFound
	}
	return listingFor(u), nil
}

// ApproveInput names the upload to approve and the credit to apply.
type ApproveInput struct {
	UploadID     string
	OwnerID      string
	TokensEarned *int64
}

// ApproveResult is returned after a successful approval.
type ApproveResult struct {
	Upload     domain.Upload
	NewBalance int64
}

const (
	stepMarkApproved = "mark-approved"
	stepCreditWallet = "credit-wallet"
)

// Approve marks a pending upload approved and credits the owner's wallet
// with the upload's reward. The request's owner and reward must match the
// stored upload. If the credit fails, the upload is moved back to pending.
func (a *App) Approve(ctx context.Context, in ApproveInput) (ApproveResult, error) {
	var missing []string
	if strings.TrimSpace(in.UploadID) == "" {
		missing = append(missing, "upload_id")
	}
	if strings.TrimSpace(in.OwnerID) == "" {
		missing = append(missing, "user_id")
	}
	if in.TokensEarned == nil {
		missing = append(missing, "tokens_earned")
	}
	if len(missing) > 0 {
		a.metrics.ObserveDecision("approve", metrics.OutcomeInvalid)
		return ApproveResult{}, missingFields(missing...)
	}
	if *in.TokensEarned < 0 {
		a.metrics.ObserveDecision("approve", metrics.OutcomeInvalid)
		return ApproveResult{}, invalid("tokens_earned must not be negative", "tokens_earned")
	}
	amount := *in.TokensEarned
	// Owner and reward are immutable, so checking them before the
	// transition cannot race with it.
	current, err := a.lookupUpload(ctx, "approve", in.UploadID)
	if err != nil {
		return ApproveResult{}, err
	}
	if current.OwnerID != strings.TrimSpace(in.OwnerID) {
		a.metrics.ObserveDecision("approve", metrics.OutcomeInvalid)
		return ApproveResult{}, invalid("user_id does not own this upload", "user_id")
	}
	if current.TokensEarned != amount {
		a.metrics.ObserveDecision("approve", metrics.OutcomeInvalid)
		return ApproveResult{}, invalid(
			fmt.Sprintf("tokens_earned must equal the upload reward of %d", current.TokensEarned), "tokens_earned")
	}
	logger := util.LoggerFromContext(ctx).With("upload_id", in.UploadID, "owner_id", current.OwnerID)

	var res ApproveResult
	saga := workflow.New("approve upload").
		Then(workflow.Step{
			Name: stepMarkApproved,
			Run: func(ctx context.Context) error {
				u, err := a.store.TransitionUpload(ctx, in.UploadID, domain.StatusPending, domain.StatusApproved)
				if err != nil {
					return err
				}
				res.Upload = u
				return nil
			},
			Rollback: func(ctx context.Context) error {
				_, err := a.store.TransitionUpload(ctx, in.UploadID, domain.StatusApproved, domain.StatusPending)
				return err
			},
		}).
		Then(workflow.Step{
			Name: stepCreditWallet,
			Run: func(ctx context.Context) error {
				balance, err := a.store.CreditWallet(ctx, current.OwnerID, current.ID, current.TokensEarned)
				if err != nil {
					return err
				}
				res.NewBalance = balance
				return nil
			},
		})

	err = saga.Run(ctx)
	if err == nil {
		a.metrics.ObserveDecision("approve", metrics.OutcomeSuccess)
		a.metrics.AddTokensCredited(amount)
		logger.Info("upload approved", "tokens", amount, "balance", res.NewBalance)
		return res, nil
	}

	var stepErr *workflow.StepError
	if !errors.As(err, &stepErr) {
		a.metrics.ObserveDecision("approve", metrics.OutcomeFailed)
		return ApproveResult{}, &DependencyError{Op: "approve upload", Err: err}
	}
	if stepErr.Step == stepMarkApproved {
		return ApproveResult{}, a.transitionError("approve", "approve upload", stepErr.Err)
	}
	if !stepErr.Compensated() {
		a.metrics.ObserveDecision("approve", metrics.OutcomeInconsistent)
		logger.Error("wallet credit failed and approval could not be reverted",
			"err", stepErr.Err, "rollback_err", stepErr.RollbackError())
		return ApproveResult{}, &DependencyError{
			Op:  "credit wallet",
			Err: errors.Join(stepErr.Err, fmt.Errorf("revert approval: %w", stepErr.RollbackError()), ErrCompensationFailed),
		}
	}
	a.metrics.ObserveDecision("approve", metrics.OutcomeCompensated)
	logger.Warn("wallet credit failed, approval reverted", "err", stepErr.Err)
	return ApproveResult{}, &DependencyError{Op: "credit wallet", Err: stepErr.Err}
}

// RejectInput names the upload to reject. StoragePath is optional; when set
// it must match the upload's own path.
type RejectInput struct {
	UploadID    string
	StoragePath string
}

// Reject marks a pending upload rejected and removes its stored object.
// Object removal failures are logged and never returned.
func (a *App) Reject(ctx context.Context, in RejectInput) (domain.Upload, error) {
	if strings.TrimSpace(in.UploadID) == "" {
		a.metrics.ObserveDecision("reject", metrics.OutcomeInvalid)
		return domain.Upload{}, missingFields("upload_id")
	}
	current, err := a.lookupUpload(ctx, "reject", in.UploadID)
	if err != nil {
		return domain.Upload{}, err
	}
	if p := strings.TrimPrefix(strings.TrimSpace(in.StoragePath), "/"); p != "" && p != current.StoragePath {
		a.metrics.ObserveDecision("reject", metrics.OutcomeInvalid)
		return domain.Upload{}, invalid("storage_path does not belong to this upload", "storage_path")
	}
	u, err := a.store.TransitionUpload(ctx, in.UploadID, domain.StatusPending, domain.StatusRejected)
	if err != nil {
		return domain.Upload{}, a.transitionError("reject", "reject upload", err)
	}
	a.metrics.ObserveDecision("reject", metrics.OutcomeSuccess)

	logger := util.LoggerFromContext(ctx).With("upload_id", u.ID)
	if u.StoragePath != "" {
		if err := a.objects.Delete(ctx, u.StoragePath); err != nil {
			a.metrics.ObserveStorageCleanup(metrics.OutcomeFailed)
			logger.Warn("delete rejected file failed", "storage_path", u.StoragePath, "err", err)
		} else {
			a.metrics.ObserveStorageCleanup(metrics.OutcomeSuccess)
		}
	}
	logger.Info("upload rejected")
	return u, nil
}

// lookupUpload loads the upload an admin decision refers to.
func (a *App) lookupUpload(ctx context.Context, action, id string) (domain.Upload, error) {
	u, ok, err := a.store.GetUpload(ctx, id)
	if err != nil {
		a.metrics.ObserveDecision(action, metrics.OutcomeFailed)
		return domain.Upload{}, &DependencyError{Op: "get upload", Err: err}
	}
	if !ok {
		a.metrics.ObserveDecision(action, metrics.OutcomeNotFound)
		return domain.Upload{}, ErrNotFound
	}
	return u, nil
}

func (a *App) transitionError(action, op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.metrics.ObserveDecision(action, metrics.OutcomeNotFound)
		return ErrNotFound
	case errors.Is(err, store.ErrStatusMismatch):
		a.metrics.ObserveDecision(action, metrics.OutcomeConflict)
		return fmt.Errorf("%w: %v", ErrStatusConflict, err)
	default:
		a.metrics.ObserveDecision(action, metrics.OutcomeFailed)
		return &DependencyError{Op: op, Err: err}
	}
}

// PurchaseInput describes a buyer acquiring an approved upload.
type PurchaseInput struct {
	BuyerID  string
	UploadID string
	Price    *float64
}

// PurchaseResult is the recorded purchase and its download location.
type PurchaseResult struct {
	Purchase    domain.Purchase
	DownloadURL string
}

// Purchase records a purchase of an approved upload. Repeat purchases are
// allowed.
func (a *App) Purchase(ctx context.Context, in PurchaseInput) (PurchaseResult, error) {
	var missing []string
	if strings.TrimSpace(in.BuyerID) == "" {
		missing = append(missing, "buyer_id")
	}
	if strings.TrimSpace(in.UploadID) == "" {
		missing = append(missing, "upload_id")
	}
	if in.Price == nil || *in.Price == 0 {
		missing = append(missing, "price")
	}
	if len(missing) > 0 {
		a.metrics.ObservePurchase(metrics.OutcomeInvalid)
		return PurchaseResult{}, missingFields(missing...)
	}
	if *in.Price < 0 {
		a.metrics.ObservePurchase(metrics.OutcomeInvalid)
		return PurchaseResult{}, invalid("price must be positive", "price")
	}

	u, ok, err := a.store.GetUploadWithStatus(ctx, in.UploadID, domain.StatusApproved)
	if err != nil {
		a.metrics.ObservePurchase(metrics.OutcomeFailed)
		return PurchaseResult{}, &DependencyError{Op: "get upload", Err: err}
	}
	if !ok {
		a.metrics.ObservePurchase(metrics.OutcomeNotFound)
		return PurchaseResult{}, ErrNotFound
	}
	p, err := a.store.CreatePurchase(ctx, domain.Purchase{
		BuyerID:  in.BuyerID,
		UploadID: u.ID,
		Price:    *in.Price,
		Metadata: domain.PurchaseMetadata{FileName: u.FileName, FileType: u.MediaType},
	})
	if err != nil {
		a.metrics.ObservePurchase(metrics.OutcomeFailed)
		return PurchaseResult{}, &DependencyError{Op: "create purchase", Err: err}
	}
	a.metrics.ObservePurchase(metrics.OutcomeSuccess)
	util.LoggerFromContext(ctx).Info("purchase recorded",
		"purchase_id", p.ID, "upload_id", u.ID, "buyer_id", in.BuyerID, "price", p.Price)
	return PurchaseResult{Purchase: p, DownloadURL: "/downloads/" + u.StoragePath}, nil
}

// ListPurchases returns purchases newest first with their uploads.
func (a *App) ListPurchases(ctx context.Context, buyerID string) ([]domain.PurchaseWithUpload, error) {
	purchases, err := a.store.ListPurchases(ctx, buyerID)
	if err != nil {
		return nil, &DependencyError{Op: "list purchases", Err: err}
	}
	return purchases, nil
}

// DownloadURL returns a pre-signed URL for the object at storagePath. The
// requester must own the upload or have purchased it.
func (a *App) DownloadURL(ctx context.Context, requesterID, storagePath string) (string, error) {
	storagePath = strings.TrimPrefix(strings.TrimSpace(storagePath), "/")
	if storagePath == "" {
		return "", missingFields("path")
	}
	uploads, err := a.store.ListUploads(ctx, store.UploadFilter{StoragePath: storagePath})
	if err != nil {
		return "", &DependencyError{Op: "find upload", Err: err}
	}
	if len(uploads) == 0 {
		return "", ErrNotFound
	}
	u := uploads[0]
	if u.OwnerID != requesterID {
		bought, err := a.store.HasPurchase(ctx, requesterID, u.ID)
		if err != nil {
			return "", &DependencyError{Op: "check purchase", Err: err}
		}
		if !bought {
			return "", ErrForbidden
		}
	}
	url, err := a.objects.PresignGet(ctx, u.StoragePath, a.presignExpiry)
	if err != nil {
		return "", &DependencyError{Op: "presign download", Err: err}
	}
	return url, nil
}

// WalletView is a wallet with its most recent ledger entries.
type WalletView struct {
	Wallet  domain.Wallet        `json:"wallet"`
	Entries []domain.WalletEntry `json:"entries"`
}

// GetWallet returns the owner's balance and recent credits.
func (a *App) GetWallet(ctx context.Context, ownerID string, limit int) (WalletView, error) {
	w, err := a.store.GetWallet(ctx, ownerID)
	if err != nil {
		return WalletView{}, &DependencyError{Op: "get wallet", Err: err}
	}
	entries, err := a.store.ListWalletEntries(ctx, ownerID, limit)
	if err != nil {
		return WalletView{}, &DependencyError{Op: "list wallet entries", Err: err}
	}
	return WalletView{Wallet: w, Entries: entries}, nil
}

func (a *App) mediaTypeAllowed(mt string) bool {
	if len(a.allowedTypes) == 0 {
		return mt != ""
	}
	_, ok := a.allowedTypes[mt]
	return ok
}

func (a *App) storageKey(ownerID, filename string) string {
	return fmt.Sprintf("uploads/%s/%d-%s", ownerID, a.now().UnixMilli(), sanitizeFilename(filename))
}

func normalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mt
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
