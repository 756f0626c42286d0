// Package metrics exposes dispatcher state as Prometheus metrics, adapted
// from the teacher's scrape-time Collector pattern (internal/metrics in the
// original flowpbx tree) to the relay/session domain of spec §11.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayProvider exposes the registry's view of connected relays.
type RelayProvider interface {
	All() []RelayStatus
}

// RelayStatus is the subset of a relay connection's state metrics need.
type RelayStatus struct {
	Addr   string
	Active bool
}

// SessionProvider exposes the router's view of the session table.
type SessionProvider interface {
	// SessionStats returns the total session count and the count of
	// sessions currently in the expired/awaiting-remove state.
	SessionStats() (total, expiring int)
}

// Collector is a prometheus.Collector that gathers dispatcher metrics at
// scrape time, mirroring the teacher's NewCollector/Describe/Collect shape.
type Collector struct {
	relays    RelayProvider
	sessions  SessionProvider
	startTime time.Time

	relayStatusDesc      *prometheus.Desc
	relaysActiveDesc     *prometheus.Desc
	sessionsTotalDesc    *prometheus.Desc
	sessionsExpiringDesc *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Either provider may be nil
// if unavailable (e.g. during early startup wiring in tests).
func NewCollector(relays RelayProvider, sessions SessionProvider, startTime time.Time) *Collector {
	return &Collector{
		relays:    relays,
		sessions:  sessions,
		startTime: startTime,

		relayStatusDesc: prometheus.NewDesc(
			"dispatcher_relay_status",
			"Relay connection status (1=active, 0=halting or timed out)",
			[]string{"relay_addr"}, nil,
		),
		relaysActiveDesc: prometheus.NewDesc(
			"dispatcher_relays_active",
			"Number of relay connections currently eligible for new sessions",
			nil, nil,
		),
		sessionsTotalDesc: prometheus.NewDesc(
			"dispatcher_sessions_total",
			"Number of sessions currently in the session table",
			nil, nil,
		),
		sessionsExpiringDesc: prometheus.NewDesc(
			"dispatcher_sessions_expiring",
			"Number of sessions marked expired and awaiting a confirming remove",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dispatcher_uptime_seconds",
			"Seconds since the dispatcher process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.relayStatusDesc
	ch <- c.relaysActiveDesc
	ch <- c.sessionsTotalDesc
	ch <- c.sessionsExpiringDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the registry and
// router at scrape time; neither is touched from the event loop itself.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.relays != nil {
		all := c.relays.All()
		active := 0
		for _, r := range all {
			val := 0.0
			if r.Active {
				val = 1.0
				active++
			}
			ch <- prometheus.MustNewConstMetric(
				c.relayStatusDesc, prometheus.GaugeValue, val, r.Addr,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.relaysActiveDesc, prometheus.GaugeValue, float64(active),
		)
	}

	if c.sessions != nil {
		total, expiring := c.sessions.SessionStats()
		ch <- prometheus.MustNewConstMetric(
			c.sessionsTotalDesc, prometheus.GaugeValue, float64(total),
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionsExpiringDesc, prometheus.GaugeValue, float64(expiring),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}
