package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Tables are created by the goose
// migrations in migrations/.
type UploadModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	FileName     string    `gorm:"not null"`
	FileType     string    `gorm:"not null"`
	FileSize     int64     `gorm:"not null"`
	StoragePath  string    `gorm:"not null"`
	Status       string    `gorm:"not null;index"`
	TokensEarned int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (UploadModel) TableName() string { return "uploads" }

type WalletModel struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (WalletModel) TableName() string { return "wallets" }

type WalletEntryModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	UploadID     string    `gorm:"not null"`
	Amount       int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (WalletEntryModel) TableName() string { return "wallet_entries" }

type PurchaseModel struct {
	ID           string         `gorm:"primaryKey"`
	BuyerID      string         `gorm:"not null;index"`
	UploadID     string         `gorm:"not null;index"`
	Price        float64        `gorm:"not null"`
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	PurchaseDate time.Time      `gorm:"not null"`
	Upload       *UploadModel   `gorm:"foreignKey:UploadID;references:ID"`
}

func (PurchaseModel) TableName() string { return "purchases" }

type AdminModel struct {
	UserID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (AdminModel) TableName() string { return "admins" }
