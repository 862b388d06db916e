// Package metrics holds the Prometheus collectors for the extraction pipeline.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtools_documents_processed_total",
			Help: "Documents handled by the pipeline, by outcome",
		},
		[]string{"status"},
	)

	RowsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtools_rows_skipped_total",
			Help: "Table rows rejected by the field extractor, by reason",
		},
		[]string{"reason"},
	)

	RecordsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labtools_records_extracted_total",
			Help: "Canonical records assembled",
		},
	)

	RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtools_records_written_total",
			Help: "Record writes to the store, by result",
		},
		[]string{"result"},
	)

	JobWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labtools_analysis_wait_seconds",
			Help:    "Time from job start until every result page was collected",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		},
	)

	DateSource = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtools_document_date_source_total",
			Help: "Where the document collection date came from",
		},
		[]string{"source"},
	)
)

// Collectors returns every collector of this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		DocumentsProcessed,
		RowsSkipped,
		RecordsExtracted,
		RecordsWritten,
		JobWaitSeconds,
		DateSource,
	}
}

// Register registers every collector with reg. Collectors that are already
// registered are left alone.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
