package probe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports probe state as Prometheus metrics. Suppression
// counts by reason are the main tuning signal when calibrating thresholds.
type MetricsCollector struct {
	probe *Probe

	observations prometheus.Gauge
	writeErrors  prometheus.Gauge
	logged       *prometheus.GaugeVec
	suppressed   *prometheus.GaugeVec
	cycleState   *prometheus.GaugeVec
	cycleActive  prometheus.Gauge
	lastLogTime  prometheus.Gauge
	sequence     prometheus.Gauge
}

func NewMetricsCollector(p *Probe) *MetricsCollector {
	return &MetricsCollector{
		probe: p,
		observations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dustprobe_observations_total",
			Help: "Observations processed this session",
		}),
		writeErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dustprobe_snapshot_write_errors_total",
			Help: "Snapshot writes that failed this session",
		}),
		logged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dustprobe_snapshots_logged_total",
			Help: "Snapshots persisted this session, by mode",
		}, []string{"mode"}),
		suppressed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dustprobe_updates_suppressed_total",
			Help: "Updates suppressed this session, by reason",
		}, []string{"reason"}),
		cycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dustprobe_cycle_state",
			Help: "Current inferred cleaning state (label)",
		}, []string{"state"}),
		cycleActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dustprobe_cycle_active",
			Help: "Whether a cleaning cycle is in progress (1=yes, 0=no)",
		}),
		lastLogTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dustprobe_last_snapshot_timestamp_seconds",
			Help: "Timestamp of the last persisted snapshot (seconds since epoch)",
		}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dustprobe_snapshot_sequence",
			Help: "Snapshot sequence number for this session",
		}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.observations.Describe(ch)
	c.writeErrors.Describe(ch)
	c.logged.Describe(ch)
	c.suppressed.Describe(ch)
	c.cycleState.Describe(ch)
	c.cycleActive.Describe(ch)
	c.lastLogTime.Describe(ch)
	c.sequence.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.probe.Status()
	observations, logged, suppressed := c.probe.Counters()

	c.observations.Set(float64(observations))
	c.writeErrors.Set(float64(status.WriteErrors))
	c.sequence.Set(float64(status.Sequence))

	c.logged.Reset()
	for mode, count := range logged {
		c.logged.WithLabelValues(mode).Set(float64(count))
	}
	c.suppressed.Reset()
	for reason, count := range suppressed {
		c.suppressed.WithLabelValues(reason).Set(float64(count))
	}

	c.cycleState.Reset()
	c.cycleState.WithLabelValues(status.CycleState).Set(1)
	if status.CycleActive {
		c.cycleActive.Set(1)
	} else {
		c.cycleActive.Set(0)
	}
	if !status.LastLogTime.IsZero() {
		c.lastLogTime.Set(float64(status.LastLogTime.Unix()))
	}

	c.observations.Collect(ch)
	c.writeErrors.Collect(ch)
	c.logged.Collect(ch)
	c.suppressed.Collect(ch)
	c.cycleState.Collect(ch)
	c.cycleActive.Collect(ch)
	c.lastLogTime.Collect(ch)
	c.sequence.Collect(ch)
}
