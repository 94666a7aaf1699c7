package metrics

import "github.com/prometheus/client_golang/prometheus"

// Repository Prometheus metrics, refreshed by the counters service.
var (
	RepositoryRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metarepo",
			Name:      "records",
			Help:      "Number of live indexed records",
		},
	)

	RepositoryDeleted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metarepo",
			Name:      "deleted_records",
			Help:      "Number of deletion tombstones in the index",
		},
	)

	RepositoryErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metarepo",
			Name:      "error_documents",
			Help:      "Number of files that failed to index",
		},
	)

	RepositoryDiscoverable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metarepo",
			Name:      "discoverable_records",
			Help:      "Number of records exposed to harvesters",
		},
	)

	SetRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "metarepo",
			Name:      "set_records",
			Help:      "Per-set record counts",
		},
		[]string{"set", "state"}, // state: indexed / deleted / errors / files
	)
)

var repoMetricsRegistered bool

// RegisterRepositoryMetrics registers the repository gauges. Must be called once from main.
func RegisterRepositoryMetrics() {
	if repoMetricsRegistered {
		return
	}
	prometheus.MustRegister(RepositoryRecords)
	prometheus.MustRegister(RepositoryDeleted)
	prometheus.MustRegister(RepositoryErrors)
	prometheus.MustRegister(RepositoryDiscoverable)
	prometheus.MustRegister(SetRecords)
	repoMetricsRegistered = true
}
