package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsDeclareWalletFunction(t *testing.T) {
	files, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	var all strings.Builder
	for _, name := range files {
		data, err := fs.ReadFile(FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		body := string(data)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Fatalf("%s must declare goose Up and Down sections", name)
		}
		all.WriteString(body)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS uploads",
		"CREATE TABLE IF NOT EXISTS wallets",
		"CREATE TABLE IF NOT EXISTS purchases",
		"CREATE TABLE IF NOT EXISTS admins",
		"FUNCTION add_tokens_to_wallet",
		"-- +goose StatementBegin",
	} {
		if !strings.Contains(all.String(), want) {
			t.Fatalf("migrations missing %q", want)
		}
	}
}
