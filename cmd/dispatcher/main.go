// Command dispatcher runs the media-relay dispatcher core: it wires the
// session router (C3), relay registry (C2), relay connections (C1), and
// the SIP-proxy/management ingress channels (C4) together and drives
// graceful shutdown on SIGHUP/SIGINT/SIGTERM (spec §5).
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/flowpbx/mediaproxy-dispatcher/internal/accounting"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/adminhttp"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/buildinfo"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/certpolicy"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/config"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/ingress"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/metrics"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/relay"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/registry"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/router"
	"github.com/flowpbx/mediaproxy-dispatcher/internal/sipproxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting dispatcher",
		"listen", cfg.Listen,
		"listen_management", cfg.ListenManagement,
		"socket_path", cfg.SocketPath,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	var sipClient sipproxy.Client
	if cfg.SIPProxyURL != "" {
		sipClient = sipproxy.NewHTTPClient(cfg.SIPProxyURL, cfg.SIPProxyUser, cfg.SIPProxyPass, logger)
	} else {
		sipClient = sipproxy.NewNoopClient(logger)
	}

	acct, err := accounting.Build(cfg.AccountingSinks(), cfg.PostgresDSN, cfg.WebhookURL, cfg.WebhookUser, cfg.WebhookPass, logger)
	if err != nil {
		logger.Error("failed to build accounting sinks", "error", err)
		os.Exit(1)
	}
	defer acct.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// The router needs the registry to look up relays, and the registry
	// needs the router as its Reconciler/DeadRelayCleaner — both are
	// wired here via a forward declaration, exactly the cyclic-dependency
	// shape spec §4.2/§4.3 describe ("the registry is consulted by C3...
	// and notified by C1 on connect/disconnect").
	var reg *registry.Registry
	rt := router.New(registryAdapter{&reg}, sipClient, acct, cfg.CleanupExpiredSessionsAfter, logger)
	reg = registry.New(cfg.CleanupDeadRelaysAfter, rt, rt, logger)

	events := relayEvents{router: rt, registry: registryAdapter{&reg}}

	restoredAddrs := rt.LoadPersisted(appCtx, cfg.DataDir)
	for _, addr := range restoredAddrs {
		reg.StartCleanupTimer(addr)
	}

	go rt.RunExpiredSweeper(appCtx)

	var wg sync.WaitGroup

	relayListener, err := startRelayListener(appCtx, cfg, reg, events, logger, &wg)
	if err != nil {
		logger.Error("failed to start relay listener", "error", err)
		os.Exit(1)
	}

	proxySrv, proxyListener, err := startProxyListener(appCtx, cfg, rt, logger, &wg)
	if err != nil {
		logger.Error("failed to start sip-proxy listener", "error", err)
		os.Exit(1)
	}

	mgmtListener, err := startManagementListener(appCtx, cfg, rt, logger, &wg)
	if err != nil {
		logger.Error("failed to start management listener", "error", err)
		os.Exit(1)
	}

	var adminSrv *adminHTTPServer
	if cfg.AdminHTTPAddr != "" {
		adminSrv, err = startAdminHTTP(cfg, reg, rt, logger)
		if err != nil {
			logger.Error("failed to start admin http surface", "error", err)
			os.Exit(1)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

	// Stop accepting new ingress connections; close idle ones, let
	// in-flight ones finish (spec §5 "Graceful shutdown").
	appCancel()
	relayListener.Close()
	proxyListener.Close()
	mgmtListener.Close()
	proxySrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay registry shutdown did not complete cleanly", "error", err)
	}

	if adminSrv != nil {
		adminSrv.Shutdown(shutdownCtx)
	}

	rt.Persist(context.Background(), cfg.DataDir)

	wg.Wait()
	logger.Info("dispatcher shut down")
}

// registryAdapter lets router.New receive a registry that isn't
// constructed yet (the router itself is the registry's Reconciler and
// DeadRelayCleaner, so one of the two must be built as a forward
// reference).
type registryAdapter struct{ reg **registry.Registry }

func (a registryAdapter) Lookup(addr string) *relay.Connection { return (*a.reg).Lookup(addr) }
func (a registryAdapter) ActivePeers(exclude string) []*relay.Connection {
	return (*a.reg).ActivePeers(exclude)
}
func (a registryAdapter) Detach(conn *relay.Connection) { (*a.reg).Detach(conn) }

// relayEvents composes relay.Events for the two owners each event belongs
// to: session-lifecycle events go to the router, while connection loss
// must reach the registry so it can start the dead-relay grace timer
// (spec §4.2 "detach... called from C1 on close").
type relayEvents struct {
	router   *router.Router
	registry registryAdapter
}

func (e relayEvents) Expired(conn *relay.Connection, payload map[string]any) {
	e.router.Expired(conn, payload)
}

func (e relayEvents) RemovedStats(conn *relay.Connection, callID string, payload map[string]any) {
	e.router.RemovedStats(conn, callID, payload)
}

func (e relayEvents) Closed(conn *relay.Connection) {
	e.router.Closed(conn)
	e.registry.Detach(conn)
}

func startRelayListener(ctx context.Context, cfg *config.Config, reg *registry.Registry, events relay.Events, logger *slog.Logger, wg *sync.WaitGroup) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening on relay address %s: %w", cfg.Listen, err)
	}

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading relay tls certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAnyClientCert,
			MinVersion:   tls.VersionTLS12,
		}
	}

	var policy relay.PeerPolicy = certpolicy.AcceptAny{}
	if cfg.PassportCAFile != "" {
		p, err := certpolicy.Load(cfg.PassportCAFile, cfg.PassportCommonName)
		if err != nil {
			return nil, fmt.Errorf("loading relay passport: %w", err)
		}
		policy = p
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("relay listener started", "addr", ln.Addr().String())
		if err := relay.Listen(ctx, ln, tlsConfig, policy, cfg.RelayTimeout, cfg.RelayRecoverInterval, events, reg, logger); err != nil && ctx.Err() == nil {
			logger.Error("relay listener stopped unexpectedly", "error", err)
		}
	}()

	return ln, nil
}

func startProxyListener(ctx context.Context, cfg *config.Config, rt *router.Router, logger *slog.Logger, wg *sync.WaitGroup) (*ingress.ProxyServer, net.Listener, error) {
	socketPath := cfg.SocketPath
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(cfg.DataDir, socketPath)
	}
	os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on sip-proxy socket %s: %w", socketPath, err)
	}

	srv := ingress.NewProxyServer(rt, 200, 50, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("sip-proxy listener started", "socket", socketPath)
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			logger.Error("sip-proxy listener stopped unexpectedly", "error", err)
		}
	}()

	return srv, ln, nil
}

func startManagementListener(ctx context.Context, cfg *config.Config, rt *router.Router, logger *slog.Logger, wg *sync.WaitGroup) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.ListenManagement)
	if err != nil {
		return nil, fmt.Errorf("listening on management address %s: %w", cfg.ListenManagement, err)
	}

	if cfg.ManagementUseTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading management tls certificate: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAnyClientCert,
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	var policy ingress.PeerPolicy
	if cfg.ManagementUseTLS && cfg.ManagementPassportCAFile != "" {
		p, err := certpolicy.Load(cfg.ManagementPassportCAFile, "")
		if err != nil {
			return nil, fmt.Errorf("loading management passport: %w", err)
		}
		policy = p
	}

	srv := ingress.NewManagementServer(rt, policy, buildinfo.Version(), logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("management listener started", "addr", ln.Addr().String(), "tls", cfg.ManagementUseTLS)
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			logger.Error("management listener stopped unexpectedly", "error", err)
		}
	}()

	return ln, nil
}

// adminHTTPServer wraps the admin surface's net/http.Server for graceful
// shutdown in main's signal handler.
type adminHTTPServer struct {
	srv *http.Server
}

func (a *adminHTTPServer) Shutdown(ctx context.Context) {
	a.srv.Shutdown(ctx) //nolint:errcheck
}

func startAdminHTTP(cfg *config.Config, reg *registry.Registry, rt *router.Router, logger *slog.Logger) (*adminHTTPServer, error) {
	var authSecret []byte
	if cfg.ManagementJWTSecret != "" {
		secret, err := hex.DecodeString(cfg.ManagementJWTSecret)
		if err != nil {
			return nil, fmt.Errorf("decoding management-jwt-secret: %w", err)
		}
		authSecret = secret
	}

	handler := adminhttp.NewServer(rt, logger, authSecret)

	collector := metrics.NewCollector(relayProviderAdapter{reg}, rt, time.Now())
	prometheus.MustRegister(collector)

	srv := &http.Server{
		Addr:    cfg.AdminHTTPAddr,
		Handler: handler,
	}

	if cfg.ACMEDomain != "" {
		cacheDir := filepath.Join(cfg.DataDir, "acme-certs")
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(cacheDir),
			Email:      cfg.ACMEEmail,
		}
		srv.TLSConfig = m.TLSConfig()
		go func() {
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("admin http server error", "error", err)
			}
		}()
	} else {
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin http server error", "error", err)
			}
		}()
	}

	return &adminHTTPServer{srv: srv}, nil
}

type relayProviderAdapter struct{ reg *registry.Registry }

func (a relayProviderAdapter) All() []metrics.RelayStatus {
	return toRelayStatus(a.reg.All())
}

func toRelayStatus(conns []*relay.Connection) []metrics.RelayStatus {
	out := make([]metrics.RelayStatus, len(conns))
	for i, c := range conns {
		out[i] = metrics.RelayStatus{Addr: c.Addr, Active: c.Active()}
	}
	return out
}
