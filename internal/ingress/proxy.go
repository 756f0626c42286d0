package ingress

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/flowpbx/mediaproxy-dispatcher/internal/command"
)

// ProxyServer is the SIP-proxy ingress channel (spec §4.4): a local stream
// socket carrying multi-line command blocks, processed serially per
// connection, with a per-connection command-rate limit (spec §12 item 4,
// adapted from internal/pushgw/ratelimit.go).
type ProxyServer struct {
	router       Router
	logger       *slog.Logger
	rateLimit    rate.Limit
	burst        int
	conns        *connSet
	shuttingDown int32
}

// NewProxyServer builds the SIP-proxy ingress server. ratePerSecond/burst
// bound commands accepted per connection per second; past the limit a
// request is answered "error" rather than queued.
func NewProxyServer(router Router, ratePerSecond float64, burst int, logger *slog.Logger) *ProxyServer {
	return &ProxyServer{
		router:    router,
		logger:    logger.With("component", "ingress-proxy"),
		rateLimit: rate.Limit(ratePerSecond),
		burst:     burst,
		conns:     newConnSet(),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *ProxyServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Shutdown closes every connection with no request in flight; connections
// mid-request are left to finish and will see shuttingDown on their next
// idle point.
func (s *ProxyServer) Shutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.conns.closeIdle()
}

func (s *ProxyServer) handleConn(ctx context.Context, conn net.Conn) {
	tc := &trackedConn{conn: conn}
	s.conns.add(tc)
	defer func() {
		s.conns.remove(conn)
		conn.Close()
	}()
	// A connection registered after Shutdown's closeIdle pass is idle too.
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		return
	}

	limiter := rate.NewLimiter(s.rateLimit, s.burst)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	var lines []string
	for {
		line, err := readLine(r)
		if line != "" {
			if strings.HasSuffix(line, ": ") {
				// Empty-valued header line; silently dropped (spec §4.4).
			} else {
				lines = append(lines, line)
			}
		} else if len(lines) > 0 {
			tc.begin()
			reply := s.handleBlock(ctx, limiter, lines)
			lines = nil
			if werr := writeLine(w, reply); werr != nil {
				tc.end()
				return
			}
			tc.end()
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ProxyServer) handleBlock(ctx context.Context, limiter *rate.Limiter, lines []string) string {
	if !limiter.Allow() {
		s.logger.Warn("sip-proxy connection exceeded command rate limit")
		return "error"
	}

	name := lines[0]
	headers := lines[1:]
	cmd, err := command.New(name, headers)
	if err != nil {
		s.logger.Error("malformed request from sip-proxy", "error", err)
		return "error"
	}

	body, err := s.router.Route(ctx, cmd)
	if err != nil {
		s.logger.Error("routing error for sip-proxy request", "command", name, "call_id", cmd.CallID(), "error", err)
		return "error"
	}
	return body
}
