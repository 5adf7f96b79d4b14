package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileTier_SetGetDelete(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTier: %v", err)
	}
	ctx := context.Background()

	if _, ok, err := tier.Get(ctx, "k1"); ok || err != nil {
		t.Fatalf("empty tier: ok=%v err=%v", ok, err)
	}

	if err := tier.Set(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := tier.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "v1" {
		t.Errorf("got %q, want v1", got)
	}

	if err := tier.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := tier.Get(ctx, "k1"); ok {
		t.Error("entry survived delete")
	}
}

func TestFileTier_DeleteMissingIsNoop(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTier: %v", err)
	}
	if err := tier.Delete(context.Background(), "absent"); err != nil {
		t.Errorf("deleting an absent entry must not fail: %v", err)
	}
}

func TestFileTier_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")
	if _, err := NewFileTier(dir); err != nil {
		t.Fatalf("NewFileTier: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("store dir not created: %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"billing.customer_info", "billing.customer_info"},
		{"profile:user-1", "profile:user-1"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"a b/c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.in); got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileTier_KeysCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	tier, err := NewFileTier(dir)
	if err != nil {
		t.Fatalf("NewFileTier: %v", err)
	}
	ctx := context.Background()

	if err := tier.Set(ctx, "../escape", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry inside the store dir, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape")); err == nil {
		t.Error("key escaped the store directory")
	}
}
