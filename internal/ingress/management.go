package ingress

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
)

// ManagementServer is the management ingress channel (spec §4.4): a
// single-line command vocabulary (summary, sessions, version, quit/exit)
// on a TCP or TLS listener, used by the operator console.
type ManagementServer struct {
	router  Router
	policy  PeerPolicy // nil when TLS is not required on this channel
	version string
	logger  *slog.Logger
}

// NewManagementServer builds the management channel server. policy may be
// nil; it is only consulted when the connection carries a TLS state.
func NewManagementServer(router Router, policy PeerPolicy, version string, logger *slog.Logger) *ManagementServer {
	return &ManagementServer{
		router:  router,
		policy:  policy,
		version: version,
		logger:  logger.With("component", "ingress-management"),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *ManagementServer) Serve(ctx context.Context, ln net.Listener) error {
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

func (s *ManagementServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.logger.Warn("management tls handshake failed", "remote_addr", conn.RemoteAddr().String(), "error", err)
			return
		}
		if s.policy != nil {
			state := tlsConn.ConnectionState()
			if !s.policy.Accept(&state) {
				s.logger.Warn("management peer certificate rejected", "remote_addr", conn.RemoteAddr().String())
				return
			}
		}
	}

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := readLine(r)
		if line != "" {
			reply, shouldClose := s.handleLine(ctx, line)
			if reply != "" {
				if werr := writeLine(w, reply); werr != nil {
					return
				}
			}
			if shouldClose {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ManagementServer) handleLine(ctx context.Context, line string) (reply string, shouldClose bool) {
	switch line {
	case "quit", "exit":
		return "", true
	case "summary":
		return s.router.Summary(ctx), false
	case "sessions":
		return s.router.Sessions(ctx), false
	case "version":
		return s.version, false
	default:
		s.logger.Error("unknown command on management interface", "command", line)
		return "error", false
	}
}
