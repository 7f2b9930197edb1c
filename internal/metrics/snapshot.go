package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/assignz/internal/core"
)

// SnapshotSource exposes the configuration currently being served.
type SnapshotSource interface {
	Configuration() *core.Configuration
	Version() uint64
}

type snapshotCollector struct {
	src SnapshotSource
	now func() time.Time

	version *prometheus.Desc
	flags   *prometheus.Desc
	bandits *prometheus.Desc
	age     *prometheus.Desc
}

// RegisterSnapshotMetrics registers gauges that describe the installed
// configuration on every scrape. Nothing is reported before the first load
// except the version, which is zero.
func RegisterSnapshotMetrics(reg prometheus.Registerer, src SnapshotSource) {
	reg.MustRegister(newSnapshotCollector(src, time.Now))
}

func newSnapshotCollector(src SnapshotSource, now func() time.Time) *snapshotCollector {
	return &snapshotCollector{
		src: src,
		now: now,
		version: prometheus.NewDesc(
			"assignz_configuration_version",
			"Number of configurations installed since startup.",
			nil, nil,
		),
		flags: prometheus.NewDesc(
			"assignz_configuration_flags",
			"Number of flags in the installed configuration.",
			nil, nil,
		),
		bandits: prometheus.NewDesc(
			"assignz_configuration_bandits",
			"Number of bandits referenced by the installed configuration.",
			nil, nil,
		),
		age: prometheus.NewDesc(
			"assignz_configuration_age_seconds",
			"Seconds since the installed configuration was fetched.",
			nil, nil,
		),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.version
	ch <- c.flags
	ch <- c.bandits
	ch <- c.age
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.version, prometheus.GaugeValue, float64(c.src.Version()))

	cfg := c.src.Configuration()
	if cfg == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.flags, prometheus.GaugeValue, float64(len(cfg.FlagKeys())))
	ch <- prometheus.MustNewConstMetric(c.bandits, prometheus.GaugeValue, float64(len(cfg.BanditKeys())))
	ch <- prometheus.MustNewConstMetric(c.age, prometheus.GaugeValue, c.now().Sub(cfg.FetchedAt()).Seconds())
}

func loadResult(err error) string {
	var syntaxErr *core.SyntaxError
	var schemaErr *core.SchemaError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &syntaxErr):
		return "syntax_error"
	case errors.As(err, &schemaErr):
		return "schema_error"
	default:
		return "error"
	}
}
