package agentmux

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/nemo157/sshagmux/pkg/upstream"
)

var _ upstream.FanoutOutcomeRecorder = (*daemonMetrics)(nil)

// daemonMetrics holds every exported counter/gauge, all built up front by
// initMetrics so the exposition output always includes a metric even before
// any event has incremented it.
type daemonMetrics struct {
	set *metrics.Set

	connections_accepted_total *metrics.Counter
	connections_in_flight      *metrics.Gauge
	requests_dispatched_total  struct {
		request_identities    *metrics.Counter
		sign_request          *metrics.Counter
		add_identity          *metrics.Counter
		add_id_constrained    *metrics.Counter
		remove_identity       *metrics.Counter
		remove_all_identities *metrics.Counter
		extension             *metrics.Counter
		unknown               *metrics.Counter
	}
	fanout_calls_total struct {
		success   *metrics.Counter
		evicted   *metrics.Counter
		transient *metrics.Counter
	}
	upstreams_registered *metrics.Gauge
}

// initMetrics builds a fresh metric set for one daemon instance, wiring
// upstreams_registered to read live from reg so it always reflects the
// current registry size without needing an explicit Set call on every
// add/evict. Each Daemon gets its own *metrics.Set rather than sharing a
// package-level one, so multiple daemons in one process (as in tests) never
// cross-report each other's counters.
func initMetrics(reg interface{ Size() int }) *daemonMetrics {
	m := &daemonMetrics{set: metrics.NewSet()}
	m.connections_accepted_total = m.set.NewCounter(`sshagmux_connections_accepted_total`)
	m.connections_in_flight = m.set.NewGauge(`sshagmux_connections_in_flight`, nil)
	m.requests_dispatched_total.request_identities = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="request_identities"}`)
	m.requests_dispatched_total.sign_request = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="sign_request"}`)
	m.requests_dispatched_total.add_identity = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="add_identity"}`)
	m.requests_dispatched_total.add_id_constrained = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="add_id_constrained"}`)
	m.requests_dispatched_total.remove_identity = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="remove_identity"}`)
	m.requests_dispatched_total.remove_all_identities = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="remove_all_identities"}`)
	m.requests_dispatched_total.extension = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="extension"}`)
	m.requests_dispatched_total.unknown = m.set.NewCounter(`sshagmux_requests_dispatched_total{kind="unknown"}`)
	m.fanout_calls_total.success = m.set.NewCounter(`sshagmux_fanout_calls_total{outcome="success"}`)
	m.fanout_calls_total.evicted = m.set.NewCounter(`sshagmux_fanout_calls_total{outcome="evicted"}`)
	m.fanout_calls_total.transient = m.set.NewCounter(`sshagmux_fanout_calls_total{outcome="transient_error"}`)
	m.upstreams_registered = m.set.NewGauge(`sshagmux_upstreams_registered`, func() float64 {
		return float64(reg.Size())
	})
	return m
}

// WritePrometheus writes every metric in Prometheus exposition format.
func (m *daemonMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Success, Evicted, and Transient implement upstream.FanoutOutcomeRecorder,
// letting the registry report each upstream's outcome during a fan-out or
// forwarding call without depending on this package.
func (m *daemonMetrics) Success()   { m.fanout_calls_total.success.Inc() }
func (m *daemonMetrics) Evicted()   { m.fanout_calls_total.evicted.Inc() }
func (m *daemonMetrics) Transient() { m.fanout_calls_total.transient.Inc() }
