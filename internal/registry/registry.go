// Package registry tracks the set of active relay connections, keyed by
// address, and the grace timers for relays that have disconnected but
// still have sessions pinned to them.
package registry

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/flowpbx/mediaproxy-dispatcher/internal/command"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/relay"
)

// Reconciler is notified with a relay's own view of live call-ids whenever
// it (re)connects, so the router can drop sessions the relay no longer
// knows about (§4.3 "Reconciliation on relay reconnect").
type Reconciler interface {
	Reconcile(relayAddr string, liveCallIDs []string)
}

// DeadRelayCleaner is invoked once a disconnected relay's cleanup grace
// period elapses (§4.3 "Dead-relay sweep").
type DeadRelayCleaner interface {
	PurgeRelay(relayAddr string)
}

// Registry is the single owner of relay connection handles and their
// cleanup timers. All operations run on whatever goroutine calls them;
// internal state is guarded by a single mutex, matching the "no shared-
// memory concurrency beyond one mutex per structure" discipline of §5.
type Registry struct {
	mu sync.Mutex

	conns   map[string]*relay.Connection
	cleanup map[string]*time.Timer

	cleanupAfter time.Duration
	reconciler   Reconciler
	deadCleaner  DeadRelayCleaner
	logger       *slog.Logger

	shuttingDown bool
	shutdownWG   sync.WaitGroup
}

// New creates an empty registry.
func New(cleanupAfter time.Duration, reconciler Reconciler, deadCleaner DeadRelayCleaner, logger *slog.Logger) *Registry {
	return &Registry{
		conns:        make(map[string]*relay.Connection),
		cleanup:      make(map[string]*time.Timer),
		cleanupAfter: cleanupAfter,
		reconciler:   reconciler,
		deadCleaner:  deadCleaner,
		logger:       logger.With("component", "registry"),
	}
}

// Attach installs a newly authenticated connection. If an older connection
// is already registered for the same address, it is scheduled for teardown
// asynchronously — the new connection is installed first, so a concurrent
// route lookup for that address is never told "no relay" (§5 ordering
// guarantee).
func (r *Registry) Attach(conn *relay.Connection) {
	r.mu.Lock()
	old, hadOld := r.conns[conn.Addr]
	r.conns[conn.Addr] = conn
	if t, ok := r.cleanup[conn.Addr]; ok {
		t.Stop()
		delete(r.cleanup, conn.Addr)
	}
	r.mu.Unlock()

	if hadOld {
		r.logger.Warn("relay reconnected, closing old connection", "relay_addr", conn.Addr)
		go old.Close()
	}

	go r.reconcileOnConnect(conn)
}

// reconcileOnConnect probes the relay with a "sessions" command and hands
// its own view of live call-ids to the reconciler.
func (r *Registry) reconcileOnConnect(conn *relay.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body, err := conn.Send(ctx, command.Sessions, nil)
	if err != nil {
		r.logger.Error("failed to query sessions on reconnect", "relay_addr", conn.Addr, "error", err)
		return
	}
	callIDs, err := parseSessionCallIDs(body)
	if err != nil {
		r.logger.Error("failed to parse sessions reply on reconnect", "relay_addr", conn.Addr, "error", err)
		return
	}
	if r.reconciler != nil {
		r.reconciler.Reconcile(conn.Addr, callIDs)
	}
}

// Detach is called by the connection's Closed event. Connections that are
// no longer the registry's current one for their address (the replace
// case) are ignored.
func (r *Registry) Detach(conn *relay.Connection) {
	r.mu.Lock()
	current, ok := r.conns[conn.Addr]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.Addr)
	shuttingDown := r.shuttingDown
	r.mu.Unlock()

	if shuttingDown {
		r.shutdownWG.Done()
		return
	}

	r.logger.Info("relay disconnected, starting cleanup timer", "relay_addr", conn.Addr, "after", r.cleanupAfter)
	timer := time.AfterFunc(r.cleanupAfter, func() { r.doCleanup(conn.Addr) })

	r.mu.Lock()
	r.cleanup[conn.Addr] = timer
	r.mu.Unlock()
}

func (r *Registry) doCleanup(addr string) {
	r.mu.Lock()
	delete(r.cleanup, addr)
	r.mu.Unlock()

	r.logger.Debug("doing cleanup for dead relay", "relay_addr", addr)
	if r.deadCleaner != nil {
		r.deadCleaner.PurgeRelay(addr)
	}
}

// StartCleanupTimer starts the dead-relay grace timer for an address whose
// sessions were loaded from persisted state with no live connection yet
// (§4.3 "Persistence").
func (r *Registry) StartCleanupTimer(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[addr]; exists {
		return
	}
	if _, exists := r.cleanup[addr]; exists {
		return
	}
	r.cleanup[addr] = time.AfterFunc(r.cleanupAfter, func() { r.doCleanup(addr) })
}

// Lookup returns the active connection for addr, or nil if none.
func (r *Registry) Lookup(addr string) *relay.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[addr]
}

// ActivePeers returns every currently active connection except the one at
// exclude (if non-empty), in uniformly random order, per §4.3's routing
// policy for first placement of an update.
func (r *Registry) ActivePeers(exclude string) []*relay.Connection {
	r.mu.Lock()
	all := make([]*relay.Connection, 0, len(r.conns))
	for addr, c := range r.conns {
		if addr == exclude {
			continue
		}
		all = append(all, c)
	}
	r.mu.Unlock()

	active := all[:0]
	for _, c := range all {
		if c.Active() {
			active = append(active, c)
		}
	}
	rand.Shuffle(len(active), func(i, j int) { active[i], active[j] = active[j], active[i] })
	return active
}

// All returns every connection currently registered, regardless of
// active/halting/timed-out state — used by the metrics collector, which
// reports halting and timed-out relays too. The summary/sessions fan-out
// uses ActivePeers instead.
func (r *Registry) All() []*relay.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*relay.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown closes every registered connection and blocks until each has
// detached, or until ctx is cancelled.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shuttingDown = true
	for _, t := range r.cleanup {
		t.Stop()
	}
	r.cleanup = make(map[string]*time.Timer)
	conns := make([]*relay.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.shutdownWG.Add(len(conns))
	r.mu.Unlock()

	for _, c := range conns {
		go c.Close()
	}

	done := make(chan struct{})
	go func() {
		r.shutdownWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
