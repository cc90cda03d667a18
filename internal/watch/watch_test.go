package watch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestFileSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub, err := File(path, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	defer sub.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(path, []byte("b"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case _, ok := <-sub.Events():
		if !ok {
			t.Fatalf("events closed before signal")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change signal")
	}
}

func TestCloseEndsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub, err := File(path, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			for range sub.Events() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("events not closed")
	}
}

func TestFileMissingDirectory(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "missing", "scenario.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestWatcherErrorLogsWithoutSignal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf bytes.Buffer
	sub, err := File(path, pslog.NewStructured(context.Background(), &buf))
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	defer sub.Close()

	sub.handleError(errors.New("event queue overflow"))
	select {
	case <-sub.Events():
		t.Fatalf("watcher error must not signal a change")
	default:
	}
	if !strings.Contains(buf.String(), "watch.error") || !strings.Contains(buf.String(), "event queue overflow") {
		t.Fatalf("expected logged watcher error, got %q", buf.String())
	}
}
