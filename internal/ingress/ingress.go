// Package ingress implements C4: the two line-delimited request channels —
// the SIP-proxy local socket and the management channel — that translate
// client requests into router calls (spec §4.4).
package ingress

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"

	"github.com/flowpbx/mediaproxy-dispatcher/internal/command"
)

// Router is the subset of *router.Router ingress needs, kept as a local
// interface so this package does not depend on router's concrete type.
type Router interface {
	Route(ctx context.Context, cmd *command.Command) (string, error)
	Summary(ctx context.Context) string
	Sessions(ctx context.Context) string
}

// PeerPolicy accepts or rejects a TLS peer, used on the management
// channel when TLS is enabled (spec §4.4).
type PeerPolicy interface {
	Accept(state *tls.ConnectionState) bool
}

// readLine reads one CRLF- or LF-terminated line, trimmed, matching the
// teacher's and the relay package's own convention.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func writeLine(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// connSet tracks live connections so graceful shutdown can close idle ones
// immediately and let in-flight ones finish (spec §4.4 "in_progress counter").
type connSet struct {
	mu    sync.Mutex
	conns map[net.Conn]*trackedConn
}

func newConnSet() *connSet { return &connSet{conns: make(map[net.Conn]*trackedConn)} }

func (s *connSet) add(tc *trackedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[tc.conn] = tc
}

func (s *connSet) remove(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeIdle closes every tracked connection with no in-flight request;
// connections currently processing one are left to finish and close
// themselves once their reply is written.
func (s *connSet) closeIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, tc := range s.conns {
		if tc.idle() {
			conn.Close()
		}
	}
}

type trackedConn struct {
	conn       net.Conn
	mu         sync.Mutex
	inProgress int
}

func (tc *trackedConn) idle() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.inProgress == 0
}

func (tc *trackedConn) begin() {
	tc.mu.Lock()
	tc.inProgress++
	tc.mu.Unlock()
}

func (tc *trackedConn) end() {
	tc.mu.Lock()
	tc.inProgress--
	tc.mu.Unlock()
}
