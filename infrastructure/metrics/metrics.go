package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ProcessingMetrics struct {
	currentEpochGauge    prometheus.Gauge
	lastSealedEpochGauge prometheus.Gauge
	epochProofsGauge     prometheus.Gauge
	acceptedRecordsCount *prometheus.CounterVec
	rejectedRecordsCount *prometheus.CounterVec
	duplicateRecordCount prometheus.Counter
	pollErrorCount       prometheus.Counter
	sealedEpochsCount    prometheus.Counter
	publishFailureCount  prometheus.Counter
	settledVolumeCount   prometheus.Counter
}

func NewProcessingMetrics(namespace string) *ProcessingMetrics {
	m := ProcessingMetrics{
		// epoch lifecycle
		currentEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_current_epoch", namespace),
			Help: "The id of the epoch that is currently collecting proofs",
		}),
		lastSealedEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_sealed_epoch", namespace),
			Help: "The id of the latest published epoch seal",
		}),
		epochProofsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_epoch_proofs", namespace),
			Help: "The number of proofs accepted in the current epoch",
		}),
		sealedEpochsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sealed_epoch_count", namespace),
			Help: "The total number of sealed epochs",
		}),
		publishFailureCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_publish_failure_count", namespace),
			Help: "The total number of seal publish cycles that failed",
		}),
		settledVolumeCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_settled_volume_micro_units", namespace),
			Help: "The total settled reward volume in micro units",
		}),
		// record ingestion
		acceptedRecordsCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_accepted_record_count", namespace),
			Help: "The total number of accepted pool records",
		}, []string{"type"}),
		rejectedRecordsCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rejected_record_count", namespace),
			Help: "The total number of rejected pool records",
		}, []string{"type"}),
		duplicateRecordCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_duplicate_record_count", namespace),
			Help: "The total number of ignored duplicate records",
		}),
		pollErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_poll_error_count", namespace),
			Help: "The total number of failed store reads while polling",
		}),
	}
	return &m
}

func (metrics *ProcessingMetrics) SetCurrentEpoch(epoch uint32) {
	metrics.currentEpochGauge.Set(float64(epoch))
}

func (metrics *ProcessingMetrics) SetEpochProofs(count int) {
	metrics.epochProofsGauge.Set(float64(count))
}

func (metrics *ProcessingMetrics) SetSealedEpoch(epoch uint32, volume uint64) {
	metrics.lastSealedEpochGauge.Set(float64(epoch))
	metrics.sealedEpochsCount.Inc()
	metrics.settledVolumeCount.Add(float64(volume))
}

func (metrics *ProcessingMetrics) IncPublishFailures() {
	metrics.publishFailureCount.Inc()
}

func (metrics *ProcessingMetrics) IncAcceptedRecords(recordType string) {
	metrics.acceptedRecordsCount.WithLabelValues(recordType).Inc()
}

func (metrics *ProcessingMetrics) IncRejectedRecords(recordType string) {
	metrics.rejectedRecordsCount.WithLabelValues(recordType).Inc()
}

func (metrics *ProcessingMetrics) IncDuplicateRecords() {
	metrics.duplicateRecordCount.Inc()
}

func (metrics *ProcessingMetrics) AddPollErrors(count int) {
	metrics.pollErrorCount.Add(float64(count))
}
