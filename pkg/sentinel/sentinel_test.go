package sentinel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")

	if err := os.WriteFile(path, []byte("v1"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	h1again, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h1 != h1again {
		t.Fatal("hash not stable for unchanged file")
	}

	if err := os.WriteFile(path, []byte("v2"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h1 == h2 {
		t.Fatal("hash unchanged after file content changed")
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestIncreaseBackoffCapped(t *testing.T) {
	s := &Sentinel{backoff: InitialBackoff}
	for i := 0; i < 20; i++ {
		s.increaseBackoff()
	}
	if s.backoff != MaxBackoff {
		t.Fatalf("backoff = %v, want %v", s.backoff, MaxBackoff)
	}
}
