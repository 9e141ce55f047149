package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"datamarket/pkg/domain"
)

var uploadColumns = []string{
	"id", "user_id", "file_name", "file_type", "file_size",
	"storage_path", "status", "tokens_earned", "created_at",
}

func newStoreWithMock(t *testing.T) (*GormStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return &GormStore{db: gdb}, mock, db
}

func uploadRow(rows *sqlmock.Rows, id, owner, status string, created time.Time) *sqlmock.Rows {
	return rows.AddRow(id, owner, "data.csv", "text/csv", int64(2048),
		"uploads/"+owner+"/data.csv", status, int64(5), created)
}

// metadataArg matches a JSONB purchase metadata argument by its decoded value.
type metadataArg struct {
	want domain.PurchaseMetadata
}

func (m metadataArg) Match(v driver.Value) bool {
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return false
	}
	var got domain.PurchaseMetadata
	return json.Unmarshal(raw, &got) == nil && got == m.want
}

func TestGormTransitionUpload_Success(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE "uploads" SET "status"=.* WHERE id = .* AND status = .* RETURNING`).
		WithArgs("approved", "u1", "pending").
		WillReturnRows(uploadRow(sqlmock.NewRows(uploadColumns), "u1", "alice", "approved", created))

	got, err := s.TransitionUpload(context.Background(), "u1", domain.StatusPending, domain.StatusApproved)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "u1" || got.OwnerID != "alice" || got.Status != domain.StatusApproved || got.TokensEarned != 5 {
		t.Fatalf("unexpected upload: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormTransitionUpload_StatusMismatch(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE "uploads" SET "status"=.* RETURNING`).
		WithArgs("approved", "u1", "pending").
		WillReturnRows(sqlmock.NewRows(uploadColumns))
	mock.ExpectQuery(`SELECT \* FROM "uploads" WHERE id = `).
		WillReturnRows(uploadRow(sqlmock.NewRows(uploadColumns), "u1", "alice", "rejected", time.Now()))

	got, err := s.TransitionUpload(context.Background(), "u1", domain.StatusPending, domain.StatusApproved)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("want ErrStatusMismatch, got %v", err)
	}
	if got.Status != domain.StatusRejected {
		t.Fatalf("expected current row to be returned, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormTransitionUpload_NotFound(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE "uploads" SET "status"=.* RETURNING`).
		WithArgs("rejected", "missing", "pending").
		WillReturnRows(sqlmock.NewRows(uploadColumns))
	mock.ExpectQuery(`SELECT \* FROM "uploads" WHERE id = `).
		WillReturnRows(sqlmock.NewRows(uploadColumns))

	_, err := s.TransitionUpload(context.Background(), "missing", domain.StatusPending, domain.StatusRejected)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormTransitionUpload_DBError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE "uploads" SET "status"=.* RETURNING`).
		WillReturnError(errors.New("db is down"))

	_, err := s.TransitionUpload(context.Background(), "u1", domain.StatusPending, domain.StatusApproved)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("want raw db error, got %v", err)
	}
}

func TestGormCreditWallet_CallsWalletFunction(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT add_tokens_to_wallet\(\$1, \$2, \$3, \$4\)`).
		WithArgs("alice", int64(5), "u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"add_tokens_to_wallet"}).AddRow(int64(12)))

	balance, err := s.CreditWallet(context.Background(), "alice", "u1", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 12 {
		t.Fatalf("balance = %d, want 12", balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormCreditWallet_RejectsNegativeWithoutQuery(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	if _, err := s.CreditWallet(context.Background(), "alice", "u1", -1); err == nil {
		t.Fatalf("expected negative credit to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries: %v", err)
	}
}

func TestGormCreditWallet_DBError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT add_tokens_to_wallet`).
		WillReturnError(errors.New("wallet locked"))

	if _, err := s.CreditWallet(context.Background(), "alice", "u1", 5); err == nil {
		t.Fatalf("expected error from wallet function")
	}
}

func TestGormCreatePurchase_StoresMetadataAsJSON(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()
	meta := domain.PurchaseMetadata{FileName: "data.csv", FileType: "text/csv"}

	mock.ExpectExec(`INSERT INTO "purchases"`).
		WithArgs("p1", "bob", "u1", 0.02, metadataArg{want: meta}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p, err := s.CreatePurchase(context.Background(), domain.Purchase{
		ID: "p1", BuyerID: "bob", UploadID: "u1", Price: 0.02, Metadata: meta,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PurchaseDate.IsZero() {
		t.Fatalf("purchase date should be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormListPurchases_DecodesMetadataAndPreloadsUpload(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()
	bought := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "purchases" WHERE buyer_id = .* ORDER BY purchase_date DESC`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"id", "buyer_id", "upload_id", "price", "metadata", "purchase_date"}).
			AddRow("p1", "bob", "u1", 0.02, []byte(`{"file_name":"data.csv","file_type":"text/csv"}`), bought))
	mock.ExpectQuery(`SELECT \* FROM "uploads" WHERE "uploads"."id" = `).
		WillReturnRows(uploadRow(sqlmock.NewRows(uploadColumns), "u1", "alice", "approved", bought.Add(-time.Hour)))

	res, err := s.ListPurchases(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("want 1 purchase, got %d", len(res))
	}
	got := res[0]
	if got.Metadata.FileName != "data.csv" || got.Metadata.FileType != "text/csv" {
		t.Fatalf("metadata not decoded: %+v", got.Metadata)
	}
	if got.Upload == nil || got.Upload.OwnerID != "alice" || got.Upload.Status != domain.StatusApproved {
		t.Fatalf("upload not joined: %+v", got.Upload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormHasPurchase(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM "purchases" WHERE buyer_id = .* AND upload_id = `).
		WithArgs("bob", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	ok, err := s.HasPurchase(context.Background(), "bob", "u1")
	if err != nil || !ok {
		t.Fatalf("HasPurchase = %v, %v; want true", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
