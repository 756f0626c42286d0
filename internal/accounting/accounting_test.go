package accounting

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingSink struct {
	mu    sync.Mutex
	calls []map[string]any
	name  string
}

func (c *countingSink) Name() string { return c.name }
func (c *countingSink) Record(stats map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, stats)
}
func (c *countingSink) Close() error { return nil }

func TestRegistryFansOutToEverySink(t *testing.T) {
	a := &countingSink{name: "a"}
	b := &countingSink{name: "b"}
	reg := NewRegistry([]Sink{a, b}, testLogger())

	reg.Record(context.Background(), map[string]any{"call_id": "x"})

	for _, s := range []*countingSink{a, b} {
		s.mu.Lock()
		n := len(s.calls)
		s.mu.Unlock()
		if n != 1 {
			t.Fatalf("sink %s got %d calls, want 1", s.name, n)
		}
	}
}

func TestBuildUnknownSinkErrors(t *testing.T) {
	if _, err := Build([]string{"nonsense"}, "", "", "", "", testLogger()); err == nil {
		t.Fatal("expected error for unknown sink name")
	}
}

func TestBuildPostgresRequiresDSN(t *testing.T) {
	if _, err := Build([]string{"postgres"}, "", "", "", "", testLogger()); err == nil {
		t.Fatal("expected error when postgres sink has no dsn")
	}
}

func TestBuildWebhookRequiresURL(t *testing.T) {
	if _, err := Build([]string{"webhook"}, "", "", "", "", testLogger()); err == nil {
		t.Fatal("expected error when webhook sink has no url")
	}
}

func TestBuildLogSinkSucceeds(t *testing.T) {
	reg, err := Build([]string{"log"}, "", "", "", "", testLogger())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg.Record(context.Background(), map[string]any{"call_id": "x"})
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", "", testLogger())
	defer sink.Close()

	sink.Record(map[string]any{"call_id": "abc"})

	select {
	case body := <-received:
		if body["call_id"] != "abc" {
			t.Fatalf("body = %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called in time")
	}
}
