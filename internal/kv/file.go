package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	legacyDirPerm  = 0o700
	legacyFilePerm = 0o600
)

// FileTier is the tertiary legacy tier: one plaintext file per key in a
// private directory. It exists so data written before the encrypted store
// was introduced remains readable; new writes also land here as a
// last-resort fallback copy.
type FileTier struct {
	dir string
}

// NewFileTier creates the directory if needed and returns the tier.
func NewFileTier(dir string) (*FileTier, error) {
	if err := os.MkdirAll(dir, legacyDirPerm); err != nil {
		return nil, fmt.Errorf("creating legacy store dir %s: %w", dir, err)
	}
	return &FileTier{dir: dir}, nil
}

func (f *FileTier) Name() string { return "legacy-file" }

// sanitizeKey maps a key to a safe file name. Characters outside the
// conservative allowed set are replaced so keys cannot traverse paths.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (f *FileTier) path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key))
}

func (f *FileTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("legacy read %q: %w", key, err)
	}
	return data, true, nil
}

func (f *FileTier) Set(_ context.Context, key string, value []byte) error {
	// Write-then-rename so a crash never leaves a half-written entry.
	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, legacyFilePerm); err != nil {
		return fmt.Errorf("legacy write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("legacy rename %q: %w", key, err)
	}
	return nil
}

func (f *FileTier) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("legacy delete %q: %w", key, err)
	}
	return nil
}
