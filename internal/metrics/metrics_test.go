package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeRelays struct{ statuses []RelayStatus }

func (f fakeRelays) All() []RelayStatus { return f.statuses }

type fakeSessions struct{ total, expiring int }

func (f fakeSessions) SessionStats() (int, int) { return f.total, f.expiring }

func gatherDesc(t *testing.T, c prometheus.Collector, name string) []*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()
		}
	}
	return nil
}

func TestCollectorReportsRelayStatus(t *testing.T) {
	relays := fakeRelays{statuses: []RelayStatus{
		{Addr: "10.0.0.1:2000", Active: true},
		{Addr: "10.0.0.2:2000", Active: false},
	}}
	sessions := fakeSessions{total: 5, expiring: 2}
	c := NewCollector(relays, sessions, time.Now())

	metrics := gatherDesc(t, c, "dispatcher_relay_status")
	if len(metrics) != 2 {
		t.Fatalf("got %d relay_status metrics, want 2", len(metrics))
	}

	active := gatherDesc(t, NewCollector(relays, sessions, time.Now()), "dispatcher_relays_active")
	if len(active) != 1 || active[0].GetGauge().GetValue() != 1 {
		t.Fatalf("relays_active = %+v, want 1", active)
	}
}

func TestCollectorReportsSessionStats(t *testing.T) {
	relays := fakeRelays{}
	sessions := fakeSessions{total: 7, expiring: 3}
	c := NewCollector(relays, sessions, time.Now())

	total := gatherDesc(t, c, "dispatcher_sessions_total")
	if len(total) != 1 || total[0].GetGauge().GetValue() != 7 {
		t.Fatalf("sessions_total = %+v, want 7", total)
	}

	expiring := gatherDesc(t, NewCollector(relays, sessions, time.Now()), "dispatcher_sessions_expiring")
	if len(expiring) != 1 || expiring[0].GetGauge().GetValue() != 3 {
		t.Fatalf("sessions_expiring = %+v, want 3", expiring)
	}
}

func TestCollectorHandlesNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, time.Now())
	uptime := gatherDesc(t, c, "dispatcher_uptime_seconds")
	if len(uptime) != 1 {
		t.Fatalf("uptime metric missing even with nil providers")
	}
}
