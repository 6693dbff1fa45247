package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestWatch verifies a rewrite of the project file is delivered and a broken one is skipped.
func TestWatch(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(path, []byte(`{"metrics": {"addr": ":1"}}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- Watch(ctx, "", path, logger, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case c := <-reloaded:
		t.Fatalf("malformed config delivered: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"metrics": {"addr": ":2"}}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case c := <-reloaded:
		if c.Metrics.Addr != ":2" {
			t.Errorf("metrics addr = %q, want :2", c.Metrics.Addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
