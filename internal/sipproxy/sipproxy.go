// Package sipproxy is the "end dialog" RPC collaborator the router calls
// when a relay session expires or is reconciled away without a confirming
// `remove` (spec §1, §4.3). The SIP proxy itself, and the rest of its
// dialog-handling surface, are out of scope — only this one operation is.
package sipproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/icholy/digest"
)

// Client asks a SIP proxy to end a dialog out-of-band.
type Client interface {
	EndDialog(ctx context.Context, dialogID string) error
}

// HTTPClient implements Client over HTTP with digest authentication,
// adapting the challenge/response flow of internal/sip/trunk.go and
// internal/sip/auth.go to a plain HTTP collaborator instead of a SIP one.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient builds a digest-authenticated HTTP client for the SIP
// proxy's dialog-management endpoint. user/pass may be empty if the proxy
// requires no authentication.
func NewHTTPClient(baseURL, user, pass string, logger *slog.Logger) *HTTPClient {
	var transport http.RoundTripper = http.DefaultTransport
	if user != "" {
		transport = &digest.Transport{
			Username:  user,
			Password:  pass,
			Transport: http.DefaultTransport,
		}
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: 10 * time.Second},
		logger:  logger.With("component", "sipproxy"),
	}
}

// EndDialog sends a request to the SIP proxy asking it to tear down the
// dialog identified by dialogID. Any non-2xx response is an error.
func (c *HTTPClient) EndDialog(ctx context.Context, dialogID string) error {
	endpoint := fmt.Sprintf("%s/dialogs/%s", c.baseURL, url.PathEscape(dialogID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building end-dialog request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling sip-proxy to end dialog %s: %w", dialogID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sip-proxy end-dialog for %s returned status %d", dialogID, resp.StatusCode)
	}

	c.logger.Debug("ended dialog via sip-proxy", "dialog_id", dialogID)
	return nil
}

// NoopClient is used when no SIP-proxy URL is configured: end-dialog
// requests are dropped with a log line instead of failing startup.
type NoopClient struct {
	logger *slog.Logger
}

// NewNoopClient builds a Client that only logs.
func NewNoopClient(logger *slog.Logger) *NoopClient {
	return &NoopClient{logger: logger.With("component", "sipproxy")}
}

func (c *NoopClient) EndDialog(ctx context.Context, dialogID string) error {
	c.logger.Warn("no sip-proxy configured, dropping end-dialog request", "dialog_id", dialogID)
	return nil
}
