package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/icholy/digest"
)

// webhookSink POSTs each statistics event as JSON to a configured URL,
// digest-authenticated the same way internal/sipproxy talks to the SIP
// proxy — for operators who want accounting without standing up a
// database. Like postgresSink, events are queued and delivered by a single
// background worker so a slow or unreachable endpoint never blocks the
// router.
type webhookSink struct {
	url    string
	http   *http.Client
	events chan map[string]any
	done   chan struct{}
	logger *slog.Logger
}

// NewWebhookSink builds the "webhook" accounting sink. user/pass may be
// empty if the endpoint requires no authentication.
func NewWebhookSink(url, user, pass string, logger *slog.Logger) Sink {
	var transport http.RoundTripper = http.DefaultTransport
	if user != "" {
		transport = &digest.Transport{Username: user, Password: pass, Transport: http.DefaultTransport}
	}
	s := &webhookSink{
		url:    url,
		http:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
		events: make(chan map[string]any, 256),
		done:   make(chan struct{}),
		logger: logger.With("sink", "webhook"),
	}
	go s.run()
	return s
}

func (s *webhookSink) Name() string { return "webhook" }

func (s *webhookSink) Record(stats map[string]any) {
	select {
	case s.events <- stats:
	default:
		s.logger.Error("webhook queue full, dropping statistics event", "call_id", stats["call_id"])
	}
}

func (s *webhookSink) Close() error {
	close(s.events)
	<-s.done
	return nil
}

func (s *webhookSink) run() {
	defer close(s.done)
	for stats := range s.events {
		if err := s.post(stats); err != nil {
			s.logger.Error("failed to post accounting event", "call_id", stats["call_id"], "error", err)
		}
	}
}

func (s *webhookSink) post(stats map[string]any) error {
	body, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshalling stats: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
