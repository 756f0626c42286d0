// Package accounting implements the pluggable statistics-sink registry
// (spec §9's "re-express as a registry of named statistics-consumer
// implementations"). A session's end-of-life stats (timed_out, duration,
// dialog_id, the relay's own payload) are handed to every configured sink.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
)

// Sink consumes session-end statistics events. Implementations must not
// block their caller for long: Record is invoked from the router's event
// handlers, which run on a relay connection's read-loop goroutine.
type Sink interface {
	Name() string
	Record(stats map[string]any)
	Close() error
}

// Registry fans a single Record call out to every configured sink,
// implementing router.Recorder.
type Registry struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRegistry wraps a set of already-constructed sinks.
func NewRegistry(sinks []Sink, logger *slog.Logger) *Registry {
	return &Registry{sinks: sinks, logger: logger.With("component", "accounting")}
}

// Record implements router.Recorder.
func (r *Registry) Record(ctx context.Context, stats map[string]any) {
	for _, s := range r.sinks {
		s.Record(stats)
	}
}

// Close shuts down every sink, draining any buffered events first.
func (r *Registry) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// logSink writes each statistics event as a structured log line. It is
// always available and requires no configuration.
type logSink struct {
	logger *slog.Logger
}

// NewLogSink builds the "log" accounting sink.
func NewLogSink(logger *slog.Logger) Sink {
	return &logSink{logger: logger.With("sink", "log")}
}

func (s *logSink) Name() string { return "log" }

func (s *logSink) Record(stats map[string]any) {
	args := make([]any, 0, len(stats)*2)
	for k, v := range stats {
		args = append(args, k, v)
	}
	s.logger.Info("session statistics", args...)
}

func (s *logSink) Close() error { return nil }

// Build constructs the accounting registry from the configured sink names
// (Config.AccountingSinks()), taking plain arguments rather than the config
// package itself so this package stays free of a config dependency.
func Build(names []string, postgresDSN, webhookURL, webhookUser, webhookPass string, logger *slog.Logger) (*Registry, error) {
	sinks := make([]Sink, 0, len(names))
	for _, name := range names {
		switch name {
		case "log":
			sinks = append(sinks, NewLogSink(logger))
		case "postgres":
			if postgresDSN == "" {
				return nil, fmt.Errorf("accounting sink %q requires -postgres-dsn", name)
			}
			sink, err := NewPostgresSink(postgresDSN, logger)
			if err != nil {
				return nil, fmt.Errorf("building postgres accounting sink: %w", err)
			}
			sinks = append(sinks, sink)
		case "webhook":
			if webhookURL == "" {
				return nil, fmt.Errorf("accounting sink %q requires -webhook-url", name)
			}
			sinks = append(sinks, NewWebhookSink(webhookURL, webhookUser, webhookPass, logger))
		default:
			return nil, fmt.Errorf("unknown accounting sink %q", name)
		}
	}
	return NewRegistry(sinks, logger), nil
}
