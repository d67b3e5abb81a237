package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunReportsSettledDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, 20*time.Millisecond, func(d string) { changed <- d })
	}()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "square.lua"), []byte("return {}"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	select {
	case got := <-changed:
		if got != filepath.Clean(dir) {
			t.Fatalf("changed dir = %q, want %q", got, dir)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	t.Parallel()

	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
