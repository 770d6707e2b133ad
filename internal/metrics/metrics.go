// Package metrics exposes Prometheus counters for pipeline runs. Batch runs
// dump them to a textfile on exit so a node exporter can pick them up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GammaCellsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatepipe_gamma_cells_total",
			Help: "Grid cells processed by the gamma estimator, by outcome",
		},
		[]string{"variable", "outcome"},
	)

	IndexValuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatepipe_index_values_total",
			Help: "Standardised index values computed, by outcome",
		},
		[]string{"index", "outcome"},
	)

	ProbabilityClampedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatepipe_probability_clamped_total",
			Help: "Cumulative probabilities clamped away from 0 or 1 before the normal quantile",
		},
		[]string{"index"},
	)

	ArtifactsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatepipe_artifacts_written_total",
			Help: "Artifacts atomically written, by kind",
		},
		[]string{"kind"},
	)

	BiasCorrectionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatepipe_bias_correction_transitions_total",
			Help: "Bias correction state machine transitions, by target state",
		},
		[]string{"state"},
	)

	StitchedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatepipe_stitched_files_total",
			Help: "Output files produced by the stitcher, by resolution",
		},
		[]string{"resolution"},
	)
)

// WriteTextfile writes every registered metric to path in the Prometheus
// text exposition format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
