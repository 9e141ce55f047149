package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStorePutPresignDelete(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	fs, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	key := "uploads/owner-1/1700000000000-data.csv"
	if err := fs.Put(ctx, key, strings.NewReader("a,b\n1,2\n"), 8, "text/csv"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(base, "uploads", "owner-1", "1700000000000-data.csv"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Fatalf("unexpected content %q", data)
	}

	url, err := fs.PresignGet(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("expected file url, got %q", url)
	}

	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := fs.PresignGet(ctx, key, time.Minute); err == nil {
		t.Fatalf("expected presign of deleted object to fail")
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, key := range []string{"", "  ", "/", "."} {
		if err := fs.Put(context.Background(), key, strings.NewReader("x"), 1, ""); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
	// "../x" is cleaned to stay inside the base directory.
	if err := fs.Put(context.Background(), "../x", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatalf("cleaned key should be accepted: %v", err)
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore(" "); err == nil {
		t.Fatalf("expected empty base path to fail")
	}
}
