package storage

import (
	"context"
	"testing"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "uploads/u1/1-a.csv", want: "uploads/u1/1-a.csv"},
		{in: "/uploads/u1/a.csv", want: "uploads/u1/a.csv"},
		{in: "uploads//u1/./a.csv", want: "uploads/u1/a.csv"},
		{in: "../../etc/passwd", want: "etc/passwd"},
		{in: `uploads\u1\a.csv`, want: "uploads/u1/a.csv"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "/", wantErr: true},
		{in: "..", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("normalizeKey(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDownloadDisposition(t *testing.T) {
	cases := map[string]string{
		"uploads/u1/1700000000000-my_data.txt": "attachment; filename=my_data.txt",
		"uploads/u1/report.csv":                "attachment; filename=report.csv",
		"uploads/u1/17-two words.csv":          `attachment; filename="two words.csv"`,
		"uploads/u1/v2-final.json":             "attachment; filename=v2-final.json",
	}
	for key, want := range cases {
		if got := downloadDisposition(key); got != want {
			t.Fatalf("downloadDisposition(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected missing credentials and bucket to fail")
	}
}
