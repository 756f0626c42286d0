// Package router implements the session/relay router (C3): the call-id to
// pinned-relay mapping, the routing and failover policy, reconciliation on
// relay reconnect, the periodic and dead-relay sweeps, and persistence of
// the session table across graceful restarts.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/mediaproxy-dispatcher/internal/command"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/relay"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/store"
)

// ErrUnknownSession is returned for a remove with no matching entry (an
// update with no entry is placed on a relay as a new session instead).
var ErrUnknownSession = errors.New("unknown session")

// Session is one entry in the session table (spec §3 RelaySession).
type Session struct {
	CallID     string
	RelayAddr  string
	DialogID   string
	ExpireTime *time.Time // nil while active; set once the relay reported expiry.
}

// RelaySource supplies the registry lookups the router needs. Implemented
// by *registry.Registry; defined here so router does not import registry
// just to reference a concrete type it only calls two methods on.
type RelaySource interface {
	Lookup(addr string) *relay.Connection
	ActivePeers(exclude string) []*relay.Connection
}

// SIPProxy is the out-of-scope "end dialog" collaborator the router
// notifies when a session ends unexpectedly (spec §1, §4.1, §4.3).
type SIPProxy interface {
	EndDialog(ctx context.Context, dialogID string) error
}

// Recorder receives statistics events for accounting (spec §4.1, §7).
type Recorder interface {
	Record(ctx context.Context, stats map[string]any)
}

// Router owns the session table exclusively; every mutation happens under
// mu, matching the single-owner discipline of spec §5.
type Router struct {
	mu       sync.Mutex
	sessions map[string]*Session

	registry   RelaySource
	sipProxy   SIPProxy
	accounting Recorder

	cleanupExpiredAfter time.Duration
	logger              *slog.Logger
}

// New creates an empty router.
func New(registry RelaySource, sipProxy SIPProxy, accounting Recorder, cleanupExpiredAfter time.Duration, logger *slog.Logger) *Router {
	return &Router{
		sessions:            make(map[string]*Session),
		registry:            registry,
		sipProxy:            sipProxy,
		accounting:          accounting,
		cleanupExpiredAfter: cleanupExpiredAfter,
		logger:              logger.With("component", "router"),
	}
}

// Route implements the routing policy of spec §4.3 for update/remove.
func (rt *Router) Route(ctx context.Context, cmd *command.Command) (string, error) {
	callID := cmd.CallID()

	rt.mu.Lock()
	session, exists := rt.sessions[callID]
	live := exists && session.ExpireTime == nil
	rt.mu.Unlock()

	if live {
		return rt.routePinned(ctx, session, cmd)
	}

	switch cmd.Name {
	case command.Remove:
		if exists {
			// The relay already reported `expired`; this is the confirming remove.
			rt.mu.Lock()
			delete(rt.sessions, callID)
			rt.mu.Unlock()
			return "removed", nil
		}
		return "", fmt.Errorf("%w: call-id %s", ErrUnknownSession, callID)
	case command.Update:
		return rt.routeNewUpdate(ctx, cmd)
	default:
		return "", fmt.Errorf("command %q cannot be routed by call-id", cmd.Name)
	}
}

func (rt *Router) routePinned(ctx context.Context, session *Session, cmd *command.Command) (string, error) {
	conn := rt.registry.Lookup(session.RelayAddr)
	if conn == nil {
		return "", fmt.Errorf("relay for this session (%s) is no longer connected", session.RelayAddr)
	}
	return conn.Send(ctx, cmd.Name, cmd.Headers)
}

// routeNewUpdate builds the ordered candidate list and attempts each in
// turn, failing over on relay errors only (spec §4.3, §7).
func (rt *Router) routeNewUpdate(ctx context.Context, cmd *command.Command) (string, error) {
	callID := cmd.CallID()
	preferred := cmd.MediaRelay()

	var candidates []*relay.Connection
	if preferred != "" {
		if c := rt.registry.Lookup(preferred); c != nil && c.Active() {
			candidates = append(candidates, c)
		} else {
			rt.logger.Warn("user requested media_relay is not available", "media_relay", preferred)
		}
	}
	candidates = append(candidates, rt.registry.ActivePeers(preferred)...)

	for _, conn := range candidates {
		body, err := conn.Send(ctx, cmd.Name, cmd.Headers)
		if err == nil {
			rt.mu.Lock()
			rt.sessions[callID] = &Session{CallID: callID, RelayAddr: conn.Addr, DialogID: cmd.DialogID()}
			rt.mu.Unlock()
			return body, nil
		}
		if errors.Is(err, relay.ErrRelay) {
			rt.logger.Warn("relay failed, trying next candidate", "relay_addr", conn.Addr, "error", err)
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("no suitable relay found")
}

// Expired implements relay.Events: the unsolicited end-of-session
// notification (spec §4.1 item 1).
func (rt *Router) Expired(conn *relay.Connection, payload map[string]any) {
	callID, _ := payload["call_id"].(string)
	if callID == "" {
		rt.logger.Error("expired event missing call_id", "relay_addr", conn.Addr)
		return
	}

	rt.mu.Lock()
	session, ok := rt.sessions[callID]
	rt.mu.Unlock()

	if !ok {
		rt.logger.Error("unknown session expired at relay", "call_id", callID, "relay_addr", conn.Addr)
		return
	}
	if session.RelayAddr != conn.Addr {
		rt.logger.Error("session expired at wrong relay, ignoring", "call_id", callID, "reported_at", conn.Addr, "pinned_to", session.RelayAddr)
		return
	}

	allStreamsICE := allStreamsUnselectedICE(payload)
	payload["timed_out"] = !allStreamsICE
	payload["dialog_id"] = session.DialogID
	payload["all_streams_ice"] = allStreamsICE
	rt.record(payload)

	dialogID := session.DialogID

	// Per the design's resolved Open Question, the original source marks
	// the session terminal and awaits the confirming `remove` whenever the
	// streams were not all unselected-ICE, even with no dialog_id to end —
	// it simply has nothing to notify the SIP-proxy about in that case.
	if allStreamsICE {
		rt.logger.Info("session expired, dropping immediately", "call_id", callID, "relay_addr", conn.Addr)
		rt.mu.Lock()
		delete(rt.sessions, callID)
		rt.mu.Unlock()
		return
	}

	rt.logger.Info("session expired, awaiting confirming remove", "call_id", callID, "relay_addr", conn.Addr, "dialog_id", dialogID)
	now := time.Now()
	rt.mu.Lock()
	session.ExpireTime = &now
	rt.mu.Unlock()
	if dialogID != "" && hasStartTime(payload) {
		rt.endDialogAsync(dialogID)
	}
}

// hasStartTime reports whether the relay's payload carries a start_time; a
// session that never started media has no dialog worth tearing down and
// nothing worth accounting for.
func hasStartTime(payload map[string]any) bool {
	v, ok := payload["start_time"]
	return ok && v != nil
}

// RemovedStats implements relay.Events: the statistics attached to a
// remove confirmation (spec §4.1 item 3).
func (rt *Router) RemovedStats(conn *relay.Connection, callID string, payload map[string]any) {
	rt.mu.Lock()
	session, ok := rt.sessions[callID]
	if ok {
		delete(rt.sessions, callID)
	}
	rt.mu.Unlock()

	if !ok {
		rt.logger.Warn("remove confirmation for unknown session", "call_id", callID, "relay_addr", conn.Addr)
		return
	}

	payload["dialog_id"] = session.DialogID
	payload["timed_out"] = false
	rt.record(payload)
}

// Closed implements relay.Events; the registry is the one that actually
// reacts to a connection closing (starting the dead-relay grace timer), so
// this is a no-op here — kept to satisfy the interface explicitly.
func (rt *Router) Closed(conn *relay.Connection) {}

// Reconcile implements registry.Reconciler (spec §4.3 "Reconciliation on
// relay reconnect").
func (rt *Router) Reconcile(relayAddr string, liveCallIDs []string) {
	live := make(map[string]bool, len(liveCallIDs))
	for _, id := range liveCallIDs {
		live[id] = true
	}

	rt.mu.Lock()
	var dropped []*Session
	for id, s := range rt.sessions {
		if s.RelayAddr == relayAddr && s.ExpireTime == nil && !live[id] {
			dropped = append(dropped, s)
			delete(rt.sessions, id)
		}
	}
	rt.mu.Unlock()

	for _, s := range dropped {
		rt.logger.Warn("session no longer on reconnected relay, statistics are probably lost", "call_id", s.CallID, "relay_addr", relayAddr)
		if s.DialogID != "" {
			rt.endDialogAsync(s.DialogID)
		}
	}
}

// PurgeRelay implements registry.DeadRelayCleaner (spec §4.3 "Dead-relay
// sweep"): drop every session pinned to addr unconditionally, with no
// dialog-end notification — the relay is simply gone.
func (rt *Router) PurgeRelay(addr string) {
	rt.mu.Lock()
	n := 0
	for id, s := range rt.sessions {
		if s.RelayAddr == addr {
			delete(rt.sessions, id)
			n++
		}
	}
	rt.mu.Unlock()
	if n > 0 {
		rt.logger.Info("purged sessions for dead relay", "relay_addr", addr, "count", n)
	}
}

// RunExpiredSweeper removes sessions whose expire_time is older than
// cleanupExpiredAfter, every 10 minutes, until ctx is cancelled (spec §4.3
// "Periodic sweep", §5 "checked every 600 seconds").
func (rt *Router) RunExpiredSweeper(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rt.sweepExpired()
		case <-ctx.Done():
			return
		}
	}
}

func (rt *Router) sweepExpired() {
	now := time.Now()
	rt.mu.Lock()
	var obsolete []string
	for id, s := range rt.sessions {
		if s.ExpireTime != nil && now.Sub(*s.ExpireTime) >= rt.cleanupExpiredAfter {
			obsolete = append(obsolete, id)
		}
	}
	for _, id := range obsolete {
		delete(rt.sessions, id)
	}
	rt.mu.Unlock()

	if len(obsolete) > 0 {
		rt.logger.Warn("found expired sessions which were not removed in time",
			"count", len(obsolete), "hours", rt.cleanupExpiredAfter.Hours())
	}
}

// SessionStats reports the total number of sessions in the table and how
// many are currently in the expired/awaiting-remove state, for metrics.
func (rt *Router) SessionStats() (total, expiring int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	total = len(rt.sessions)
	for _, s := range rt.sessions {
		if s.ExpireTime != nil {
			expiring++
		}
	}
	return total, expiring
}

// Summary fans out a "summary" command to every active relay (spec §4.3
// "Aggregation"). A failing relay contributes an error-status object.
func (rt *Router) Summary(ctx context.Context) string {
	conns := rt.registry.ActivePeers("")
	results := make([]string, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *relay.Connection) {
			defer wg.Done()
			body, err := conn.Send(ctx, command.Summary, nil)
			if err != nil {
				rt.logger.Error("error processing summary query at relay", "relay_addr", conn.Addr, "error", err)
				errBody, _ := json.Marshal(map[string]string{"status": "error", "ip": conn.Addr})
				results[i] = string(errBody)
				return
			}
			results[i] = body
		}(i, conn)
	}
	wg.Wait()

	return "[" + joinNonEmpty(results) + "]"
}

// Sessions fans out a "sessions" command to every active relay. A failing
// relay (or one reporting no sessions) is omitted from the result.
func (rt *Router) Sessions(ctx context.Context) string {
	conns := rt.registry.ActivePeers("")
	results := make([]string, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *relay.Connection) {
			defer wg.Done()
			body, err := conn.Send(ctx, command.Sessions, nil)
			if err != nil {
				rt.logger.Error("error processing sessions query at relay", "relay_addr", conn.Addr, "error", err)
				return
			}
			if body == "[]" {
				return
			}
			inner, ok := stripArrayBrackets(body)
			if ok {
				results[i] = inner
			}
		}(i, conn)
	}
	wg.Wait()

	return "[" + joinNonEmpty(results) + "]"
}

// LoadPersisted restores the session table from disk at startup (spec
// §4.3 "Persistence"). It returns the set of distinct relay addresses
// referenced by loaded sessions, so the caller can start a dead-relay
// grace timer for each in the registry.
func (rt *Router) LoadPersisted(ctx context.Context, dataDir string) []string {
	loaded := store.Load(ctx, dataDir, rt.logger)

	rt.mu.Lock()
	addrSet := make(map[string]bool)
	for _, s := range loaded {
		sess := &Session{CallID: s.CallID, RelayAddr: s.RelayAddr, DialogID: s.DialogID, ExpireTime: s.ExpireTime}
		rt.sessions[s.CallID] = sess
		addrSet[s.RelayAddr] = true
	}
	rt.mu.Unlock()

	addrs := make([]string, 0, len(addrSet))
	for a := range addrSet {
		addrs = append(addrs, a)
	}
	return addrs
}

// Persist writes the full session table to disk, called only on graceful
// shutdown (spec §4.3 "Persistence").
func (rt *Router) Persist(ctx context.Context, dataDir string) {
	rt.mu.Lock()
	rows := make([]store.Session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		rows = append(rows, store.Session{CallID: s.CallID, RelayAddr: s.RelayAddr, DialogID: s.DialogID, ExpireTime: s.ExpireTime})
	}
	rt.mu.Unlock()

	store.Save(ctx, dataDir, rows, rt.logger)
}

// record forwards a statistics event to the accounting sinks, but only
// when the relay supplied a start_time — matching the source's
// `if stats['start_time'] is not None` guard (a session that never started
// media carries nothing worth accounting for).
func (rt *Router) record(stats map[string]any) {
	if rt.accounting == nil {
		return
	}
	if !hasStartTime(stats) {
		return
	}
	rt.accounting.Record(context.Background(), stats)
}

// endDialogAsync asks the SIP proxy to end a dialog fire-and-forget; a
// failure is logged but never blocks session removal (spec §5, §7).
func (rt *Router) endDialogAsync(dialogID string) {
	if rt.sipProxy == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.sipProxy.EndDialog(ctx, dialogID); err != nil {
			rt.logger.Error("failed to end dialog", "dialog_id", dialogID, "error", err)
		}
	}()
}

// allStreamsUnselectedICE is vacuously true for an empty streams list;
// only a missing or malformed streams key reads as the non-ICE case.
func allStreamsUnselectedICE(payload map[string]any) bool {
	streams, ok := payload["streams"].([]any)
	if !ok {
		return false
	}
	for _, s := range streams {
		stream, ok := s.(map[string]any)
		if !ok {
			return false
		}
		if status, _ := stream["status"].(string); status != "unselected ICE candidate" {
			return false
		}
	}
	return true
}

func joinNonEmpty(items []string) string {
	var out string
	first := true
	for _, item := range items {
		if item == "" {
			continue
		}
		if !first {
			out += ", "
		}
		out += item
		first = false
	}
	return out
}

// stripArrayBrackets removes the outermost '[' ']' from a JSON array body
// so its elements can be spliced into a combined array, matching the
// source's `result[1:-1]` slice.
func stripArrayBrackets(body string) (string, bool) {
	if len(body) < 2 || body[0] != '[' || body[len(body)-1] != ']' {
		return "", false
	}
	return body[1 : len(body)-1], true
}
