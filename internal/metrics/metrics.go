// Package metrics はQRコードの発行・検証に関するPrometheusメトリクスを提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"secure-qr-service/internal/domain"
)

// Metrics は発行・検証の件数と所要時間を記録する。
type Metrics struct {
	IssuanceTotal     *prometheus.CounterVec
	VerificationTotal *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	StatusChangeTotal *prometheus.CounterVec
}

// New はregに登録済みのMetricsを生成する。regがnilの場合はデフォルトレジストリを使う。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		IssuanceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secureqr_issuance_total",
			Help: "Total number of QR code issuances by result",
		}, []string{"result"}),
		VerificationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secureqr_verification_total",
			Help: "Total number of QR code verifications by result and failure reason",
		}, []string{"result", "reason"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "secureqr_operation_duration_seconds",
			Help:    "Duration of issue and verify operations",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		StatusChangeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secureqr_status_change_total",
			Help: "Total number of issuance record status changes by target status",
		}, []string{"status"}),
	}
}

// ObserveIssuance は発行1件の結果と所要時間を記録する。
func (m *Metrics) ObserveIssuance(start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.IssuanceTotal.WithLabelValues(result).Inc()
	m.OperationDuration.WithLabelValues("issue").Observe(time.Since(start).Seconds())
}

// ObserveVerification は検証1件の結果と所要時間を記録する。
func (m *Metrics) ObserveVerification(start time.Time, result domain.VerificationResult) {
	label := "valid"
	if !result.IsValid {
		label = "invalid"
	}
	m.VerificationTotal.WithLabelValues(label, string(result.FailureReason)).Inc()
	m.OperationDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
}

// IncrementStatusChange はステータス変更を記録する。
func (m *Metrics) IncrementStatusChange(status domain.RecordStatus) {
	m.StatusChangeTotal.WithLabelValues(string(status)).Inc()
}
