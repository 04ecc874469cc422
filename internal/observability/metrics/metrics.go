package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	UploadOutcomeSuccess  = "success"
	UploadOutcomePartial  = "partial"
	UploadOutcomeRejected = "rejected"
	UploadOutcomeFailed   = "failed"
)

const (
	FailureReasonDeadlineExceeded     = "deadline_exceeded"
	FailureReasonDBLockTimeout        = "db_lock_timeout"
	FailureReasonSerializationFailure = "serialization_failure"
	FailureReasonUniqueViolation      = "unique_violation"
	FailureReasonUnknown              = "unknown"
)

// Config labels every series with the running service.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics exposes ingestion and HTTP health signals.
type Metrics struct {
	uploads          *prometheus.CounterVec
	rows             *prometheus.CounterVec
	replaceDuration  *prometheus.HistogramVec
	replaceFailures  *prometheus.CounterVec
	recordsDeleted   *prometheus.CounterVec
	recordsInserted  *prometheus.CounterVec
	duplicatesPurged *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New builds and registers the collectors on registerer.
func New(cfg Config, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{
		"service": strings.TrimSpace(cfg.ServiceName),
		"env":     strings.TrimSpace(cfg.Environment),
	}

	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_uploads_total",
			Help:        "Dataset uploads by outcome.",
			ConstLabels: constLabels,
		}, []string{"dataset", "outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_upload_rows_total",
			Help:        "Uploaded rows by validation status.",
			ConstLabels: constLabels,
		}, []string{"dataset", "status"}),
		replaceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cartera_replace_duration_seconds",
			Help:        "Duration of scope replace transactions.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"dataset"}),
		replaceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_replace_failures_total",
			Help:        "Rolled back replace transactions by reason.",
			ConstLabels: constLabels,
		}, []string{"dataset", "reason"}),
		recordsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_records_deleted_total",
			Help:        "Records removed by replace or scope delete.",
			ConstLabels: constLabels,
		}, []string{"dataset"}),
		recordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_records_inserted_total",
			Help:        "Records written by replace or upsert.",
			ConstLabels: constLabels,
		}, []string{"dataset"}),
		duplicatesPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_duplicates_purged_total",
			Help:        "Non-canonical records removed by consistency migration.",
			ConstLabels: constLabels,
		}, []string{"dataset"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cartera_http_requests_total",
			Help:        "HTTP requests by route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cartera_http_request_duration_seconds",
			Help:        "HTTP request latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
	}

	registerer.MustRegister(
		m.uploads,
		m.rows,
		m.replaceDuration,
		m.replaceFailures,
		m.recordsDeleted,
		m.recordsInserted,
		m.duplicatesPurged,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// ObserveUpload records one finished upload.
func (m *Metrics) ObserveUpload(dataset, outcome string, processed, rowErrors int) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(dataset, outcome).Inc()
	if processed > 0 {
		m.rows.WithLabelValues(dataset, "processed").Add(float64(processed))
	}
	if rowErrors > 0 {
		m.rows.WithLabelValues(dataset, "rejected").Add(float64(rowErrors))
	}
}

func (m *Metrics) ObserveReplace(dataset string, duration time.Duration, deleted, inserted int64, err error) {
	if m == nil {
		return
	}
	m.replaceDuration.WithLabelValues(dataset).Observe(duration.Seconds())
	if err != nil {
		m.replaceFailures.WithLabelValues(dataset, ClassifyFailureReason(err)).Inc()
		return
	}
	if deleted > 0 {
		m.recordsDeleted.WithLabelValues(dataset).Add(float64(deleted))
	}
	if inserted > 0 {
		m.recordsInserted.WithLabelValues(dataset).Add(float64(inserted))
	}
}

func (m *Metrics) AddDeleted(dataset string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsDeleted.WithLabelValues(dataset).Add(float64(n))
}

func (m *Metrics) AddInserted(dataset string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsInserted.WithLabelValues(dataset).Add(float64(n))
}

func (m *Metrics) AddDuplicatesPurged(dataset string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicatesPurged.WithLabelValues(dataset).Add(float64(n))
}

// GinMiddleware records request counts and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ClassifyFailureReason maps a storage error to a bounded label value.
func ClassifyFailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return FailureReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return FailureReasonDBLockTimeout
		case "40001", "40P01":
			return FailureReasonSerializationFailure
		case "23505":
			return FailureReasonUniqueViolation
		}
	}
	return FailureReasonUnknown
}
