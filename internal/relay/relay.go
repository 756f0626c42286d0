// Package relay implements the per-relay TLS connection: the framed
// sequence-numbered request/response protocol, the pending-request table,
// and the unsolicited expired/ping events a relay emits.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRelay wraps errors surfaced from the relay side (error/halting
// responses, timeouts, disconnects) so callers can match them with errors.Is.
var ErrRelay = errors.New("relay error")

// newRelayErr formats an ErrRelay with context, matchable via errors.Is(err, ErrRelay).
func newRelayErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRelay}, args...)...)
}

// Events is the callback surface a Connection uses to notify the rest of
// the dispatcher. All methods are invoked from the connection's own read
// loop goroutine and must not block for long.
type Events interface {
	// Expired delivers an unsolicited end-of-session notification.
	Expired(conn *Connection, payload map[string]any)
	// RemovedStats delivers the statistics JSON attached to a remove reply.
	RemovedStats(conn *Connection, callID string, payload map[string]any)
	// Closed notifies that the connection's transport is gone, after all
	// pending waiters have been failed.
	Closed(conn *Connection)
}

// pendingRequest is one outstanding request awaiting a reply.
type pendingRequest struct {
	name  string
	reply chan result
	timer *time.Timer
}

type result struct {
	body string
	err  error
}

// Connection is one authenticated, long-lived connection to a relay.
// All mutable fields are confined to the connection's own goroutines and
// guarded by mu; there is no lock-free sharing.
type Connection struct {
	ID   string
	Addr string

	conn   net.Conn
	logger *slog.Logger

	// wmu serialises writes to w. It is separate from mu so a stalled
	// transport write never blocks the pending table: timers and response
	// dispatch must stay responsive while a write is in flight (§5).
	wmu sync.Mutex
	w   *bufio.Writer

	timeout         time.Duration
	recoverInterval time.Duration
	events          Events

	mu         sync.Mutex
	seq        uint64
	pending    map[uint64]*pendingRequest
	halting    bool
	timedOut   bool
	graceTimer *time.Timer
	closed     bool
}

// New wraps an already-authenticated net.Conn (TLS handshake and peer
// certificate acceptance happen before this is called — see §4.1 of the
// design: "only then is the connection published to the registry").
func New(conn net.Conn, addr string, timeout, recoverInterval time.Duration, events Events, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		ID:              id,
		Addr:            addr,
		conn:            conn,
		w:               bufio.NewWriter(conn),
		logger:          logger.With("relay_addr", addr, "conn_id", id),
		timeout:         timeout,
		recoverInterval: recoverInterval,
		events:          events,
		pending:         make(map[uint64]*pendingRequest),
	}
}

// Active reports whether the connection may be selected for new work:
// authenticated is implied by the connection having been constructed at
// all (see New's precondition), so active here is ¬halting ∧ ¬timed_out.
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.halting && !c.timedOut
}

// Send issues a request to the relay and blocks until a reply, timeout, or
// disconnect, or until ctx is cancelled. headerLines are sent verbatim in
// the order given.
func (c *Connection) Send(ctx context.Context, name string, headerLines []string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", newRelayErr("connection to %s is closed", c.Addr)
	}
	seq := c.seq
	c.seq++

	pr := &pendingRequest{name: name, reply: make(chan result, 1)}
	pr.timer = time.AfterFunc(c.timeout, func() { c.timeoutRequest(seq) })
	c.pending[seq] = pr
	c.mu.Unlock()

	c.logger.Debug("issuing command to relay", "command", name, "seq", seq)

	// The write happens off the waiting path so a stalled transport still
	// resolves through the per-request timer rather than blocking forever.
	go c.writeRequest(seq, name, headerLines)

	select {
	case res := <-pr.reply:
		return res.body, res.err
	case <-ctx.Done():
		c.failPending(seq, ctx.Err())
		return "", ctx.Err()
	}
}

func (c *Connection) writeRequest(seq uint64, name string, headerLines []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\r\n", name, seq)
	for _, h := range headerLines {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	c.wmu.Lock()
	_, werr := c.w.WriteString(b.String())
	if werr == nil {
		werr = c.w.Flush()
	}
	c.wmu.Unlock()
	if werr != nil {
		c.failPending(seq, newRelayErr("writing %q command to %s: %v", name, c.Addr, werr))
	}
}

// timeoutRequest fires when a per-request timer expires with no reply.
func (c *Connection) timeoutRequest(seq uint64) {
	c.mu.Lock()
	pr, ok := c.pending[seq]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, seq)
	firstTimeout := !c.timedOut
	if firstTimeout {
		c.timedOut = true
		c.graceTimer = time.AfterFunc(c.recoverInterval, c.forceDisconnect)
	}
	c.mu.Unlock()

	c.logger.Warn("relay command timed out", "command", pr.name, "seq", seq)
	pr.reply <- result{err: newRelayErr("%q command failed: relay at %s timed out", pr.name, c.Addr)}
}

// forceDisconnect fires when the post-timeout grace period elapses with no
// heartbeat; it synthesizes a transport error so the registry treats the
// relay as lost.
func (c *Connection) forceDisconnect() {
	c.logger.Error("relay grace period expired with no ping, disconnecting", "recover_interval", c.recoverInterval)
	c.conn.Close()
}

// failPending fails a single still-pending request (used for ctx
// cancellation and for a failed request write).
func (c *Connection) failPending(seq uint64, err error) {
	c.mu.Lock()
	pr, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
		pr.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		pr.reply <- result{err: err}
	}
}

// Run drives the connection's read loop until the transport closes or a
// fatal framing error occurs. It must be run in its own goroutine; it
// returns once Closed has been delivered to events.
func (c *Connection) Run() {
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			c.dispatchLine(line)
		}
		if err != nil {
			break
		}
	}
	c.teardown()
}

func (c *Connection) dispatchLine(line string) {
	first, rest, hasRest := strings.Cut(line, " ")
	switch first {
	case "expired":
		c.handleExpired(rest)
	case "ping":
		c.handlePing()
	default:
		seq, err := strconv.ParseUint(first, 10, 64)
		if err != nil {
			c.logger.Error("unexpected line from relay", "line", line)
			return
		}
		if !hasRest {
			rest = ""
		}
		c.handleResponse(seq, rest)
	}
}

func (c *Connection) handlePing() {
	c.mu.Lock()
	if c.timedOut {
		c.timedOut = false
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
	}
	c.mu.Unlock()

	c.wmu.Lock()
	_, werr := c.w.WriteString("pong\r\n")
	if werr == nil {
		werr = c.w.Flush()
	}
	c.wmu.Unlock()
	if werr != nil {
		c.logger.Error("failed to reply to ping", "error", werr)
	}
}

func (c *Connection) handleResponse(seq uint64, rest string) {
	c.mu.Lock()
	pr, ok := c.pending[seq]
	if !ok {
		c.mu.Unlock()
		c.logger.Error("unexpected response sequence number", "seq", seq)
		return
	}
	delete(c.pending, seq)
	c.mu.Unlock()
	pr.timer.Stop()

	switch {
	case rest == "error":
		pr.reply <- result{err: newRelayErr("received error from relay at %s in response to %q command", c.Addr, pr.name)}
	case rest == "halting":
		c.mu.Lock()
		c.halting = true
		c.mu.Unlock()
		pr.reply <- result{err: newRelayErr("relay at %s is shutting down", c.Addr)}
	case pr.name == "remove":
		payload, perr := decodeJSONObject(rest)
		if perr != nil {
			c.logger.Error("error decoding json from relay", "error", perr)
		} else if c.events != nil {
			callID, _ := payload["call_id"].(string)
			c.events.RemovedStats(c, callID, payload)
		}
		pr.reply <- result{body: "removed"}
	default:
		pr.reply <- result{body: rest}
	}
}

func (c *Connection) handleExpired(rest string) {
	payload, err := decodeJSONObject(rest)
	if err != nil {
		c.logger.Error("error decoding json from relay", "error", err)
		return
	}
	if c.events != nil {
		c.events.Expired(c, payload)
	}
}

// teardown is called once the transport closes. It cancels the grace timer
// and fails every still-pending request before notifying Events.Closed.
func (c *Connection) teardown() {
	c.mu.Lock()
	c.closed = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.reply <- result{err: newRelayErr("%q command failed: relay at %s disconnected", pr.name, c.Addr)}
	}

	if c.events != nil {
		c.events.Closed(c)
	}
}

// Close closes the underlying transport, driving Run's read loop to exit
// and teardown to run.
func (c *Connection) Close() error {
	return c.conn.Close()
}
