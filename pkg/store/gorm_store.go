package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"datamarket/pkg/domain"
	"datamarket/pkg/store/migrations"
)

const migrateLockID int64 = 51733173

const defaultWalletEntryLimit = 100

// gooseUp applies the embedded migrations on db.
var gooseUp = func(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and applies the embedded migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(ctx context.Context, sqlDB *sql.DB) error {
		if err := gooseUp(ctx, sqlDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(context.Context, *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(ctx, sqlDB)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUpload inserts a new upload row.
func (s *GormStore) CreateUpload(ctx context.Context, u domain.Upload) (domain.Upload, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	model := uploadToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Upload{}, err
	}
	return uploadFromModel(model), nil
}

// GetUpload retrieves an upload by ID.
func (s *GormStore) GetUpload(ctx context.Context, id string) (domain.Upload, bool, error) {
	var model UploadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, err
	}
	return uploadFromModel(model), true, nil
}

// GetUploadWithStatus retrieves an upload only when it is in status.
func (s *GormStore) GetUploadWithStatus(ctx context.Context, id string, status domain.UploadStatus) (domain.Upload, bool, error) {
	var model UploadModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, string(status)).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, err
	}
	return uploadFromModel(model), true, nil
}

// ListUploads returns uploads newest first.
func (s *GormStore) ListUploads(ctx context.Context, filter UploadFilter) ([]domain.Upload, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		tx = tx.Where("user_id = ?", owner)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if mt := strings.TrimSpace(filter.MediaType); mt != "" {
		tx = tx.Where("file_type = ?", mt)
	}
	if filter.StoragePath != "" {
		tx = tx.Where("storage_path = ?", filter.StoragePath)
	}
	var models []UploadModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Upload, 0, len(models))
	for _, m := range models {
		res = append(res, uploadFromModel(m))
	}
	return res, nil
}

// TransitionUpload updates status only while the row still has status from.
func (s *GormStore) TransitionUpload(ctx context.Context, id string, from, to domain.UploadStatus) (domain.Upload, error) {
	var updated []UploadModel
	res := s.db.WithContext(ctx).
		Model(&updated).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return domain.Upload{}, res.Error
	}
	if res.RowsAffected == 1 && len(updated) == 1 {
		return uploadFromModel(updated[0]), nil
	}
	current, ok, err := s.GetUpload(ctx, id)
	if err != nil {
		return domain.Upload{}, err
	}
	if !ok {
		return domain.Upload{}, ErrNotFound
	}
	return current, fmt.Errorf("%w: upload %s is %s, expected %s", ErrStatusMismatch, id, current.Status, from)
}

// CreditWallet calls the add_tokens_to_wallet function, which upserts the
// balance and writes the ledger entry in one statement.
func (s *GormStore) CreditWallet(ctx context.Context, ownerID, uploadID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}
	var balance int64
	err := s.db.WithContext(ctx).
		Raw("SELECT add_tokens_to_wallet(?, ?, ?, ?)", ownerID, amount, uploadID, uuid.NewString()).
		Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetWallet returns the owner's wallet; owners never credited have balance 0.
func (s *GormStore) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	var model WalletModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Wallet{OwnerID: ownerID}, nil
		}
		return domain.Wallet{}, err
	}
	return domain.Wallet{OwnerID: model.UserID, Balance: model.Balance, UpdatedAt: model.UpdatedAt}, nil
}

// ListWalletEntries returns the latest ledger entries of an owner.
func (s *GormStore) ListWalletEntries(ctx context.Context, ownerID string, limit int) ([]domain.WalletEntry, error) {
	if limit <= 0 {
		limit = defaultWalletEntryLimit
	}
	var models []WalletEntryModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.WalletEntry, 0, len(models))
	for _, m := range models {
		res = append(res, domain.WalletEntry{
			ID:           m.ID,
			OwnerID:      m.UserID,
			UploadID:     m.UploadID,
			Amount:       m.Amount,
			BalanceAfter: m.BalanceAfter,
			CreatedAt:    m.CreatedAt,
		})
	}
	return res, nil
}

// CreatePurchase inserts an immutable purchase row.
func (s *GormStore) CreatePurchase(ctx context.Context, p domain.Purchase) (domain.Purchase, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = time.Now().UTC()
	}
	model, err := purchaseToModel(p)
	if err != nil {
		return domain.Purchase{}, err
	}
	if err := s.db.WithContext(ctx).Omit("Upload").Create(&model).Error; err != nil {
		return domain.Purchase{}, err
	}
	return p, nil
}

// ListPurchases returns purchases newest first with their uploads joined.
func (s *GormStore) ListPurchases(ctx context.Context, buyerID string) ([]domain.PurchaseWithUpload, error) {
	tx := s.db.WithContext(ctx).Preload("Upload").Order("purchase_date DESC")
	if buyer := strings.TrimSpace(buyerID); buyer != "" {
		tx = tx.Where("buyer_id = ?", buyer)
	}
	var models []PurchaseModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.PurchaseWithUpload, 0, len(models))
	for _, m := range models {
		p, err := purchaseFromModel(m)
		if err != nil {
			return nil, err
		}
		item := domain.PurchaseWithUpload{Purchase: p}
		if m.Upload != nil {
			u := uploadFromModel(*m.Upload)
			item.Upload = &u
		}
		res = append(res, item)
	}
	return res, nil
}

// HasPurchase reports whether buyerID bought uploadID at least once.
func (s *GormStore) HasPurchase(ctx context.Context, buyerID, uploadID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&PurchaseModel{}).
		Where("buyer_id = ? AND upload_id = ?", buyerID, uploadID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsAdmin checks the admins table.
func (s *GormStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AdminModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SeedAdmins inserts the given user IDs into the admins table, skipping
// existing rows.
func (s *GormStore) SeedAdmins(ctx context.Context, userIDs ...string) error {
	now := time.Now().UTC()
	rows := make([]AdminModel, 0, len(userIDs))
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			rows = append(rows, AdminModel{UserID: id, CreatedAt: now})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func uploadToModel(u domain.Upload) UploadModel {
	return UploadModel{
		ID:           u.ID,
		UserID:       u.OwnerID,
		FileName:     u.FileName,
		FileType:     u.MediaType,
		FileSize:     u.SizeBytes,
		StoragePath:  u.StoragePath,
		Status:       string(u.Status),
		TokensEarned: u.TokensEarned,
		CreatedAt:    u.CreatedAt,
	}
}

func uploadFromModel(m UploadModel) domain.Upload {
	return domain.Upload{
		ID:           m.ID,
		OwnerID:      m.UserID,
		FileName:     m.FileName,
		MediaType:    m.FileType,
		SizeBytes:    m.FileSize,
		StoragePath:  m.StoragePath,
		Status:       domain.UploadStatus(m.Status),
		TokensEarned: m.TokensEarned,
		CreatedAt:    m.CreatedAt,
	}
}

func purchaseToModel(p domain.Purchase) (PurchaseModel, error) {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return PurchaseModel{}, fmt.Errorf("marshal purchase metadata: %w", err)
	}
	return PurchaseModel{
		ID:           p.ID,
		BuyerID:      p.BuyerID,
		UploadID:     p.UploadID,
		Price:        p.Price,
		Metadata:     meta,
		PurchaseDate: p.PurchaseDate,
	}, nil
}

func purchaseFromModel(m PurchaseModel) (domain.Purchase, error) {
	var meta domain.PurchaseMetadata
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.Purchase{}, fmt.Errorf("unmarshal purchase metadata: %w", err)
		}
	}
	return domain.Purchase{
		ID:           m.ID,
		BuyerID:      m.BuyerID,
		UploadID:     m.UploadID,
		Price:        m.Price,
		Metadata:     meta,
		PurchaseDate: m.PurchaseDate,
	}, nil
}
