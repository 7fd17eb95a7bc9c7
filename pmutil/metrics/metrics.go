// Package metrics exposes the pool's Prometheus counters. A pool is a
// library, not a daemon, so unlike the teacher (which runs its own
// /metrics HTTP endpoint) we only register into a caller-supplied registry
// and let the embedding process decide whether and how to serve it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter/histogram the objstore and vinode packages
// touch. A nil *Metrics is valid and every method becomes a no-op, so
// instrumentation is opt-in.
type Metrics struct {
	TxCommits   prometheus.Counter
	TxAborts    prometheus.Counter
	TxNested    prometheus.Counter
	MapRehashes prometheus.Counter
	MapRetries  prometheus.Counter
	Orphans     prometheus.Gauge
}

// New registers a fresh set of collectors into reg and returns them. Passing
// a nil registry is valid and yields unregistered, still-usable collectors
// (useful for tests that don't care about export, just counts).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TxCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemfile",
			Subsystem: "tx",
			Name:      "commits_total",
			Help:      "Transactions committed durably.",
		}),
		TxAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemfile",
			Subsystem: "tx",
			Name:      "aborts_total",
			Help:      "Transactions rolled back.",
		}),
		TxNested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemfile",
			Subsystem: "tx",
			Name:      "nested_total",
			Help:      "Nested transactions opened (only the outermost commits durably).",
		}),
		MapRehashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemfile",
			Subsystem: "inode_map",
			Name:      "rehashes_total",
			Help:      "Times the inode<->vinode map grew its bucket table.",
		}),
		MapRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemfile",
			Subsystem: "inode_map",
			Name:      "coefficient_retries_total",
			Help:      "Times universal-hash coefficients were re-randomized before a rehash.",
		}),
		Orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pmemfile",
			Subsystem: "pool",
			Name:      "orphan_inodes",
			Help:      "Inodes currently on the orphan list.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.TxCommits, m.TxAborts, m.TxNested, m.MapRehashes, m.MapRetries, m.Orphans)
	}

	return m
}

// TxCommit, TxAbort, TxNested are nil-safe: a *Metrics obtained without a
// registry (or simply nil) still accepts these calls so objstore never has
// to branch on whether instrumentation is enabled.
func (m *Metrics) TxCommit() {
	if m != nil {
		m.TxCommits.Inc()
	}
}

func (m *Metrics) TxAbort() {
	if m != nil {
		m.TxAborts.Inc()
	}
}

func (m *Metrics) TxNested() {
	if m != nil {
		m.TxNested.Inc()
	}
}

func (m *Metrics) Rehash() {
	if m != nil {
		m.MapRehashes.Inc()
	}
}

func (m *Metrics) CoefficientRetry() {
	if m != nil {
		m.MapRetries.Inc()
	}
}

func (m *Metrics) SetOrphans(n int) {
	if m != nil {
		m.Orphans.Set(float64(n))
	}
}
