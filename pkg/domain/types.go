package domain

import "time"

type UploadStatus string

const (
	StatusPending  UploadStatus = "pending"
	StatusApproved UploadStatus = "approved"
	StatusRejected UploadStatus = "rejected"
)

// Valid reports whether s is a known upload status.
func (s UploadStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Upload is a contributed dataset file and its review state.
// Status is the only field that changes after creation.
type Upload struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"user_id"`
	FileName     string       `json:"file_name"`
	MediaType    string       `json:"file_type"`
	SizeBytes    int64        `json:"file_size"`
	StoragePath  string       `json:"storage_path"`
	Status       UploadStatus `json:"status"`
	TokensEarned int64        `json:"tokens_earned"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Wallet is the accumulated token balance of a contributor.
type Wallet struct {
	OwnerID   string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletEntry is one credit applied to a wallet.
type WalletEntry struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"user_id"`
	UploadID     string    `json:"upload_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// PurchaseMetadata is a snapshot of the upload taken at purchase time.
type PurchaseMetadata struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
}

type Purchase struct {
	ID           string           `json:"id"`
	BuyerID      string           `json:"buyer_id"`
	UploadID     string           `json:"upload_id"`
	Price        float64          `json:"price"`
	Metadata     PurchaseMetadata `json:"metadata"`
	PurchaseDate time.Time        `json:"purchase_date"`
}

// PurchaseWithUpload joins a purchase with the current state of its upload.
type PurchaseWithUpload struct {
	Purchase
	Upload *Upload `json:"uploads,omitempty"`
}

// User is the principal resolved from an access token.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Role  UserRole `json:"role"`
}

// IsAdmin reports whether the auth service marked the user as administrator.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
