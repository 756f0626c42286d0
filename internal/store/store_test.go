package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	expire := time.Unix(1700000000, 0)
	want := []Session{
		{CallID: "a", RelayAddr: "10.0.0.1:1"},
		{CallID: "b", RelayAddr: "10.0.0.2:1", DialogID: "dlg-1"},
		{CallID: "c", RelayAddr: "10.0.0.1:1", DialogID: "dlg-2", ExpireTime: &expire},
	}

	Save(ctx, dir, want, testLogger())

	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("state file was not created: %v", err)
	}

	got := Load(ctx, dir, testLogger())
	if len(got) != len(want) {
		t.Fatalf("Load() returned %d sessions, want %d", len(got), len(want))
	}

	byID := make(map[string]Session, len(got))
	for _, s := range got {
		byID[s.CallID] = s
	}
	for _, w := range want {
		g, ok := byID[w.CallID]
		if !ok {
			t.Fatalf("missing session %q after round-trip", w.CallID)
		}
		if g.RelayAddr != w.RelayAddr || g.DialogID != w.DialogID {
			t.Fatalf("session %q = %+v, want %+v", w.CallID, g, w)
		}
		if (g.ExpireTime == nil) != (w.ExpireTime == nil) {
			t.Fatalf("session %q ExpireTime presence mismatch: got %v, want %v", w.CallID, g.ExpireTime, w.ExpireTime)
		}
		if w.ExpireTime != nil && !g.ExpireTime.Equal(*w.ExpireTime) {
			t.Fatalf("session %q ExpireTime = %v, want %v", w.CallID, g.ExpireTime, w.ExpireTime)
		}
	}

	// Load must unlink the state file unconditionally.
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Fatalf("state file should have been removed after Load, stat err = %v", err)
	}
}

func TestLoadMissingFileIsEmptyNotFatal(t *testing.T) {
	dir := t.TempDir()
	got := Load(context.Background(), dir, testLogger())
	if got != nil {
		t.Fatalf("Load() on missing file = %v, want nil", got)
	}
}
