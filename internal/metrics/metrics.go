// Package metrics holds the Prometheus collectors for the rcon engines and
// the relay, registered on a private registry exposed by Handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "rconbridge"

var (
	// Registry is the Prometheus registry used by this package
	Registry = prometheus.NewRegistry()

	// DatagramsReceived counts well-formed datagrams per server
	DatagramsReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Out-of-band datagrams received from game servers",
		},
		[]string{"server"},
	)

	// DatagramsRejected counts datagrams dropped for a bad header
	DatagramsRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_rejected_total",
			Help:      "Datagrams discarded because of a missing or wrong header",
		},
		[]string{"server"},
	)

	// LogLines counts reassembled log lines
	LogLines = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Log lines received from game servers",
		},
		[]string{"server"},
	)

	// ChallengeRequests counts challenge requests sent
	ChallengeRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_requests_total",
			Help:      "Challenge requests sent to game servers",
		},
		[]string{"server"},
	)

	// StaleChallenges counts challenge responses that arrived late or unsolicited
	StaleChallenges = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_challenges_total",
			Help:      "Challenge responses received after the deadline or without a request",
		},
		[]string{"server"},
	)

	// CommandsSent counts rcon commands transmitted per security mode
	CommandsSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Rcon commands transmitted",
		},
		[]string{"server", "mode"},
	)

	// PendingDropped counts challenged commands dropped on disconnect
	PendingDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_dropped_total",
			Help:      "Queued challenged commands dropped when the connection closed",
		},
		[]string{"server"},
	)

	// Connected is 1 while the engine for a server is connected
	Connected = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the rcon connection to a server is open",
		},
		[]string{"server"},
	)

	// RelayEvents counts relayed events by kind
	RelayEvents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Game log events relayed to sinks",
		},
		[]string{"server", "kind"},
	)
)

// Handler returns the HTTP handler exposing Registry
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
