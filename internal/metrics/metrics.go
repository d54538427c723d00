package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/quarkmaster/internal/mining"
)

// Collectors holds the Master's prometheus gauges and counters on their own
// registry, so a caller that never wants to expose them can simply never
// reference the registry.
type Collectors struct {
	registry *prometheus.Registry

	connectedSlaves  prometheus.Gauge
	rootQueueDepth   prometheus.Gauge
	miningOutcomes   *prometheus.CounterVec
}

// New registers the Master's collectors on a fresh registry and returns the
// handle used to update them.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		connectedSlaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quarkmaster_connected_slaves",
			Help: "Number of slave links currently active.",
		}),
		rootQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quarkmaster_root_block_queue_depth",
			Help: "Number of root blocks currently enqueued for serial application.",
		}),
		miningOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarkmaster_mining_dispatch_outcomes_total",
			Help: "Count of get_next_block_to_mine outcomes by kind (root, minor, none).",
		}, []string{"kind"}),
	}

	reg.MustRegister(c.connectedSlaves, c.rootQueueDepth, c.miningOutcomes)
	return c
}

// Registry returns the underlying prometheus registry, for a caller that
// chooses to expose it (e.g. behind promhttp.Handler); the Master itself
// never serves it.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// SetConnectedSlaves records the current number of active slave links.
func (c *Collectors) SetConnectedSlaves(n int) {
	c.connectedSlaves.Set(float64(n))
}

// SetRootBlockQueueDepth records the current depth of the root-block queue.
func (c *Collectors) SetRootBlockQueueDepth(n int) {
	c.rootQueueDepth.Set(float64(n))
}

// ObserveMiningOutcome increments the counter for the dispatcher's reported
// outcome kind.
func (c *Collectors) ObserveMiningOutcome(kind mining.Kind) {
	c.miningOutcomes.WithLabelValues(kind.String()).Inc()
}
