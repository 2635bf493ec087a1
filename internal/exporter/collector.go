// Package exporter exposes a simulated storage pool's vdev and device
// state, pending write intents, and usage statistics as Prometheus
// metrics, in the same one-hot-gauge-per-state style the upstream ZFS
// exporter uses for zpool status.
package exporter

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zfssim/zfssim/internal/device"
	"github.com/zfssim/zfssim/internal/pool"
)

// deviceStates enumerates every state name a physical or virtual device
// can report, so status gauges are always fully populated (one-hot: the
// observed state reads 1, every other reads 0) regardless of which
// concrete state is active.
var deviceStates = []string{
	"online",
	"offline",
	"faulted",
	"faultedoffline",
	"disconnected",
	"degraded",
}

// Vdev names a top-level vdev for collection purposes.
type Vdev struct {
	Name   string
	Device device.Device
}

// intentQueue is implemented by vdev.Stripe and vdev.Mirror without
// importing the vdev package, so the collector only depends on the
// device capability surface plus this narrow extension.
type intentQueue interface {
	PendingIntents() int
}

// childrenProvider is implemented by vdev.Stripe and vdev.Mirror to
// expose their physical children for per-device metrics.
type childrenProvider interface {
	Children() []device.Device
}

func setStatus(m *prometheus.GaugeVec, labelValues ...string) {
	if len(labelValues) < 1 {
		panic("exporter: invalid labelValues")
	}
	status := strings.ToLower(labelValues[len(labelValues)-1])
	for _, s := range deviceStates {
		value := 0.0
		if s == status {
			value = 1.0
		}
		labelValues[len(labelValues)-1] = s
		m.WithLabelValues(labelValues...).Set(value)
	}
}

// Collector reports a pool's vdev/device state and usage as metrics.
type Collector struct {
	logger zerolog.Logger

	poolName string
	pool     *pool.Pool
	vdevs    []Vdev

	metricVdevStatus     *prometheus.GaugeVec
	metricDeviceStatus   *prometheus.GaugeVec
	metricPendingIntents *prometheus.GaugeVec
	metricPoolUsage      *prometheus.GaugeVec
	metricPoolFullness   *prometheus.GaugeVec
}

// NewCollector builds a collector over p's top-level vdevs.
func NewCollector(poolName string, p *pool.Pool, vdevs []Vdev, logger zerolog.Logger) *Collector {
	return &Collector{
		logger:   logger.With().Str("collector", "pool").Logger(),
		poolName: poolName,
		pool:     p,
		vdevs:    vdevs,

		metricVdevStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zfssim_vdev_status",
				Help: "Status of a vdev in a simulated storage pool",
			},
			[]string{"pool", "vdev", "state"},
		),
		metricDeviceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zfssim_device_status",
				Help: "Status of a physical device backing a vdev",
			},
			[]string{"pool", "vdev", "device", "state"},
		),
		metricPendingIntents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zfssim_vdev_pending_intents",
				Help: "Number of write intents queued for replay on a vdev",
			},
			[]string{"pool", "vdev"},
		),
		metricPoolUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zfssim_pool_blocks",
				Help: "Virtual block usage of a storage pool",
			},
			[]string{"pool", "kind"},
		),
		metricPoolFullness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zfssim_pool_fullness_ratio",
				Help: "Fraction of reserved physical blocks in a storage pool",
			},
			[]string{"pool"},
		),
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.metricVdevStatus.Reset()
	c.metricDeviceStatus.Reset()
	c.metricPendingIntents.Reset()
	c.metricPoolUsage.Reset()
	c.metricPoolFullness.Reset()

	for _, v := range c.vdevs {
		setStatus(c.metricVdevStatus, c.poolName, v.Name, v.Device.State().Name())

		if iq, ok := v.Device.(intentQueue); ok {
			c.metricPendingIntents.WithLabelValues(c.poolName, v.Name).Set(float64(iq.PendingIntents()))
		}

		if cp, ok := v.Device.(childrenProvider); ok {
			for _, child := range cp.Children() {
				setStatus(c.metricDeviceStatus, c.poolName, v.Name, child.String(), child.State().Name())
			}
		}
	}

	active, snapshotExclusive, free := c.pool.GetUsageStats()
	c.metricPoolUsage.WithLabelValues(c.poolName, "active").Set(float64(active))
	c.metricPoolUsage.WithLabelValues(c.poolName, "snapshot").Set(float64(snapshotExclusive))
	c.metricPoolUsage.WithLabelValues(c.poolName, "free").Set(float64(free))
	c.metricPoolFullness.WithLabelValues(c.poolName).Set(c.pool.GetFullness())

	c.metricVdevStatus.Collect(ch)
	c.metricDeviceStatus.Collect(ch)
	c.metricPendingIntents.Collect(ch)
	c.metricPoolUsage.Collect(ch)
	c.metricPoolFullness.Collect(ch)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.metricVdevStatus.Describe(ch)
	c.metricDeviceStatus.Describe(ch)
	c.metricPendingIntents.Describe(ch)
	c.metricPoolUsage.Describe(ch)
	c.metricPoolFullness.Describe(ch)
}
