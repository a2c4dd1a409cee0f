package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// prometheusMetrics is the Prometheus implementation of ServerMetrics.
type prometheusMetrics struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	activeConnections prometheus.Gauge
	registeredPeers   prometheus.Gauge
	commands          *prometheus.CounterVec
	transfers         *prometheus.CounterVec
	bodyBytes         prometheus.Counter
	transferDuration  *prometheus.HistogramVec
	broadcastMessages *prometheus.CounterVec
}

// NewPrometheus registers the server metrics with reg.
func NewPrometheus(reg prometheus.Registerer) ServerMetrics {
	return &prometheusMetrics{
		connectionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "getchat_connections_opened_total",
			Help: "Total number of accepted client connections",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "getchat_connections_closed_total",
			Help: "Total number of closed client connections",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "getchat_connections_active",
			Help: "Number of connections currently being served",
		}),
		registeredPeers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "getchat_broadcast_registered_peers",
			Help: "Number of connections in the broadcast registry",
		}),
		commands: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "getchat_commands_total",
				Help: "Total number of received command lines by kind",
			},
			[]string{"kind"},
		),
		transfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "getchat_transfers_total",
				Help: "Total number of GET requests by outcome",
			},
			[]string{"outcome"}, // ok, not_found, failed
		),
		bodyBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "getchat_body_bytes_sent_total",
			Help: "Total number of file body bytes sent",
		}),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "getchat_transfer_duration_seconds",
				Help: "Time from GET to HASH line",
				Buckets: []float64{
					0.001, // 1ms - small cached files
					0.01,
					0.1,
					1,
					10,
					60, // large files on slow links
				},
			},
			[]string{"outcome"},
		),
		broadcastMessages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "getchat_broadcast_messages_total",
				Help: "Broadcast lines sent to peers by result",
			},
			[]string{"result"}, // delivered, failed
		),
	}
}

func (m *prometheusMetrics) ConnectionOpened() {
	m.connectionsOpened.Inc()
	m.activeConnections.Inc()
}

func (m *prometheusMetrics) ConnectionClosed() {
	m.connectionsClosed.Inc()
	m.activeConnections.Dec()
}

func (m *prometheusMetrics) SetRegistered(n int) {
	m.registeredPeers.Set(float64(n))
}

func (m *prometheusMetrics) RecordCommand(kind string) {
	m.commands.WithLabelValues(kind).Inc()
}

func (m *prometheusMetrics) RecordTransfer(outcome string, bytes int64, duration time.Duration) {
	m.transfers.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.bodyBytes.Add(float64(bytes))
	}
	m.transferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordBroadcast(delivered int, failed int) {
	m.broadcastMessages.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcastMessages.WithLabelValues("failed").Add(float64(failed))
}

// NewServeMux returns a mux exposing g on /metrics.
func NewServeMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes g on addr until ctx is done or the listener fails.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     addr,
	}).Info("Serving metrics")

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewServeMux(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
