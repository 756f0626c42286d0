package relay

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"
)

// PeerPolicy accepts or rejects a TLS peer, checked once the handshake
// completes and before the connection is ever published to the registry
// (spec §4.1 "Authentication": "only then is the connection published").
type PeerPolicy interface {
	Accept(state *tls.ConnectionState) bool
}

// Attacher installs a newly authenticated connection, matching
// registry.Registry.Attach. Defined locally so this package does not
// import registry.
type Attacher interface {
	Attach(conn *Connection)
}

// Listen accepts relay connections on ln, performs the TLS handshake,
// checks the peer certificate against policy, and on success attaches the
// connection and runs its read loop. It blocks until ctx is cancelled or
// Accept fails permanently.
func Listen(ctx context.Context, ln net.Listener, tlsConfig *tls.Config, policy PeerPolicy, timeout, recoverInterval time.Duration, events Events, attacher Attacher, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go acceptOne(raw, tlsConfig, policy, timeout, recoverInterval, events, attacher, logger)
	}
}

// acceptOne handles a single inbound relay connection: TLS handshake,
// certificate acceptance, then attach and run. A rejected or failed
// handshake closes the transport silently, never surfacing on the data
// path (spec §7 "Security errors").
func acceptOne(raw net.Conn, tlsConfig *tls.Config, policy PeerPolicy, timeout, recoverInterval time.Duration, events Events, attacher Attacher, logger *slog.Logger) {
	conn := raw
	if tlsConfig != nil {
		tlsConn := tls.Server(raw, tlsConfig)
		hsCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			logger.Warn("relay tls handshake failed", "remote_addr", raw.RemoteAddr().String(), "error", err)
			raw.Close()
			return
		}
		state := tlsConn.ConnectionState()
		if policy != nil && !policy.Accept(&state) {
			logger.Warn("relay peer certificate rejected", "remote_addr", raw.RemoteAddr().String())
			tlsConn.Close()
			return
		}
		conn = tlsConn
	}

	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	c := New(conn, addr, timeout, recoverInterval, events, logger)
	attacher.Attach(c)
	c.Run()
}
