package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"restorebot/internal/config"
)

func TestMirrorLocal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "g1_20240101000000")
	if err := os.MkdirAll(filepath.Join(src, "emojis"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, body := range map[string]string{
		"backup.json":  "{}",
		"emojis/1.png": "png",
		"icon.png":     "icon",
	} {
		if err := os.WriteFile(filepath.Join(src, filepath.FromSlash(name)), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	dest := t.TempDir()
	store, err := New(config.ObjectStorageConfig{Type: TypeLocal, Path: dest}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	count, err := store.Mirror(context.Background(), src)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 files, got %d", count)
	}
	data, err := os.ReadFile(filepath.Join(dest, "g1_20240101000000", "emojis", "1.png"))
	if err != nil || string(data) != "png" {
		t.Fatalf("unexpected mirrored file %q %v", data, err)
	}
}

func TestDisabledAndInvalid(t *testing.T) {
	store, err := New(config.ObjectStorageConfig{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Enabled() {
		t.Fatalf("empty type should be disabled")
	}
	if count, err := store.Mirror(context.Background(), t.TempDir()); err != nil || count != 0 {
		t.Fatalf("disabled mirror should be a no-op, got %d %v", count, err)
	}
	if _, err := New(config.ObjectStorageConfig{Type: "ftp"}, nil); err == nil {
		t.Fatalf("expected invalid type error")
	}
}
