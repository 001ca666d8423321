package metrics

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "aquaflow_"

var (
	registerOnce sync.Once

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec

	authorizationDenied *prometheus.CounterVec

	processingLatency *prometheus.HistogramVec

	alertsTotal *prometheus.CounterVec

	submissionEnqueued prometheus.Counter
	submissionResults  *prometheus.CounterVec
	submissionPending  prometheus.Gauge

	connectionState *prometheus.GaugeVec
)

// Init registers observability metrics. When db is non-nil a
// background sampler keeps the pending-submissions gauge current.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		messagesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_received_total",
				Help: "Inbound broker messages by tenant and provider",
			},
			[]string{"tenant", "provider"},
		)
		messagesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_dropped_total",
				Help: "Dropped inbound messages by reason",
			},
			[]string{"reason"},
		)
		authorizationDenied = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "authorization_denied_total",
				Help: "Denied device authorization checks by reason",
			},
			[]string{"reason"},
		)
		processingLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "processing_latency_seconds",
				Help:    "Message processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Alerts raised by severity",
			},
			[]string{"severity"},
		)
		submissionEnqueued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "submission_enqueued_total",
				Help: "Submission items enqueued",
			},
		)
		submissionResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "submission_results_total",
				Help: "Submission attempts by result",
			},
			[]string{"result"},
		)
		submissionPending = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "submission_pending",
				Help: "Submission items currently pending",
			},
		)
		connectionState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_connection_up",
				Help: "Broker connection state (1 online, 0 offline)",
			},
			[]string{"tenant", "provider"},
		)

		prometheus.MustRegister(
			messagesReceived, messagesDropped,
			authorizationDenied, processingLatency, alertsTotal,
			submissionEnqueued, submissionResults, submissionPending,
			connectionState,
		)

		if db != nil {
			go samplePending(db, logger)
		}
	})
}

// ObserveMessageReceived counts one inbound message.
func ObserveMessageReceived(tenant, provider string) {
	if messagesReceived != nil {
		messagesReceived.WithLabelValues(tenant, provider).Inc()
	}
}

// ObserveMessageDropped counts one dropped message.
func ObserveMessageDropped(reason string) {
	if messagesDropped != nil {
		messagesDropped.WithLabelValues(reason).Inc()
	}
}

// ObserveAuthorizationDenied counts one denied authorization check.
func ObserveAuthorizationDenied(reason string) {
	if authorizationDenied != nil {
		authorizationDenied.WithLabelValues(reason).Inc()
	}
}

// ObserveProcessing records one processing pass.
func ObserveProcessing(result string, elapsed time.Duration) {
	if processingLatency != nil {
		processingLatency.WithLabelValues(result).Observe(elapsed.Seconds())
	}
}

// ObserveAlert counts one raised alert.
func ObserveAlert(severity string) {
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(severity).Inc()
	}
}

// ObserveSubmissionEnqueued counts one enqueued submission item.
func ObserveSubmissionEnqueued() {
	if submissionEnqueued != nil {
		submissionEnqueued.Inc()
	}
}

// ObserveSubmissionResult counts one submission attempt outcome.
func ObserveSubmissionResult(result string) {
	if submissionResults != nil {
		submissionResults.WithLabelValues(result).Inc()
	}
}

// ObserveConnectionState records a connection going up or down.
func ObserveConnectionState(tenant, provider string, up bool) {
	if connectionState == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	connectionState.WithLabelValues(tenant, provider).Set(value)
}

func samplePending(db *sql.DB, logger *log.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var count int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM submission_items WHERE status = 'pending'").Scan(&count)
		cancel()
		if err != nil {
			if logger != nil {
				logger.Printf("metrics: sample pending submissions: %v", err)
			}
			continue
		}
		submissionPending.Set(float64(count))
	}
}
