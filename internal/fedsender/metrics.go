package fedsender

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// Metrics tracks the counters and gauges spec.md §6 requires, in the same
// hand-rolled Prometheus-text-exposition style as internal/api/metrics.go
// — this codebase never takes a dependency on prometheus/client_golang,
// even though it documents a Prometheus-*compatible* endpoint, so this
// package follows suit rather than introducing the first one.
type Metrics struct {
	SentPduDestinationsCount atomic.Int64
	SentPduDestinationsTotal atomic.Int64

	EventProcessingLoopCount         atomic.Int64
	EventProcessingRoomsPerIteration atomic.Int64
	EventStreamPosition              atomic.Int64
	EventProcessingLagMs             atomic.Int64
	EventProcessingLastTsMs          atomic.Int64
}

// NewMetrics returns a fresh, zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) touchEventProcessingTimestamp(receivedAt time.Time) {
	if receivedAt.IsZero() {
		return
	}
	nowMs := time.Now().UnixMilli()
	tsMs := receivedAt.UnixMilli()
	m.EventProcessingLagMs.Store(nowMs - tsMs)
	m.EventProcessingLastTsMs.Store(tsMs)
}

// Handler returns an http.HandlerFunc exposing these metrics, plus the
// live queue gauges computed from registry, in Prometheus text exposition
// format. Mount it with chi like any other AmityVox HTTP surface, e.g.
// r.Get("/federation/sender/metrics", metrics.Handler(registry)).
func (m *Metrics) Handler(registry *QueueRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var pendingDestinations, pendingPdus, pendingEdus int64
		for _, q := range registry.All() {
			if q.IsTransmitting() {
				pendingDestinations++
			}
			pendingPdus += int64(q.PendingPduCount())
			pendingEdus += int64(q.PendingEduCount())
		}

		fmt.Fprintf(w, "# HELP amityvox_federation_client_sent_pdu_destinations_count PDUs queued for sending to one or more destinations.\n")
		fmt.Fprintf(w, "# TYPE amityvox_federation_client_sent_pdu_destinations_count counter\n")
		fmt.Fprintf(w, "amityvox_federation_client_sent_pdu_destinations_count %d\n\n", m.SentPduDestinationsCount.Load())

		fmt.Fprintf(w, "# HELP amityvox_federation_client_sent_pdu_destinations_total Total PDUs queued across all destinations.\n")
		fmt.Fprintf(w, "# TYPE amityvox_federation_client_sent_pdu_destinations_total counter\n")
		fmt.Fprintf(w, "amityvox_federation_client_sent_pdu_destinations_total %d\n\n", m.SentPduDestinationsTotal.Load())

		fmt.Fprintf(w, "# HELP amityvox_federation_transaction_queue_pending_destinations Destinations with a transaction currently in flight.\n")
		fmt.Fprintf(w, "# TYPE amityvox_federation_transaction_queue_pending_destinations gauge\n")
		fmt.Fprintf(w, "amityvox_federation_transaction_queue_pending_destinations %d\n\n", pendingDestinations)

		fmt.Fprintf(w, "# HELP amityvox_federation_transaction_queue_pending_pdus Total pending PDUs across all destination queues.\n")
		fmt.Fprintf(w, "# TYPE amityvox_federation_transaction_queue_pending_pdus gauge\n")
		fmt.Fprintf(w, "amityvox_federation_transaction_queue_pending_pdus %d\n\n", pendingPdus)

		fmt.Fprintf(w, "# HELP amityvox_federation_transaction_queue_pending_edus Total pending EDUs across all destination queues.\n")
		fmt.Fprintf(w, "# TYPE amityvox_federation_transaction_queue_pending_edus gauge\n")
		fmt.Fprintf(w, "amityvox_federation_transaction_queue_pending_edus %d\n\n", pendingEdus)

		fmt.Fprintf(w, "# HELP amityvox_event_processing_loop_count Iterations of the event fan-out loop.\n")
		fmt.Fprintf(w, "# TYPE amityvox_event_processing_loop_count counter\n")
		fmt.Fprintf(w, "amityvox_event_processing_loop_count %d\n\n", m.EventProcessingLoopCount.Load())

		fmt.Fprintf(w, "# HELP amityvox_event_processing_room_count Rooms handled in the most recent fan-out page.\n")
		fmt.Fprintf(w, "# TYPE amityvox_event_processing_room_count gauge\n")
		fmt.Fprintf(w, "amityvox_event_processing_room_count %d\n\n", m.EventProcessingRoomsPerIteration.Load())

		fmt.Fprintf(w, "# HELP amityvox_event_processing_position Current federation_out_pos stream position.\n")
		fmt.Fprintf(w, "# TYPE amityvox_event_processing_position gauge\n")
		fmt.Fprintf(w, "amityvox_event_processing_position %d\n\n", m.EventStreamPosition.Load())

		fmt.Fprintf(w, "# HELP amityvox_event_processing_lag_ms Milliseconds between the last processed event's receipt and now.\n")
		fmt.Fprintf(w, "# TYPE amityvox_event_processing_lag_ms gauge\n")
		fmt.Fprintf(w, "amityvox_event_processing_lag_ms %d\n\n", m.EventProcessingLagMs.Load())

		fmt.Fprintf(w, "# HELP amityvox_event_processing_last_ts_ms Wall-clock timestamp of the last processed event.\n")
		fmt.Fprintf(w, "# TYPE amityvox_event_processing_last_ts_ms gauge\n")
		fmt.Fprintf(w, "amityvox_event_processing_last_ts_ms %d\n\n", m.EventProcessingLastTsMs.Load())
	}
}

// RegisterMetrics mounts the metrics handler onto a chi router, matching
// the mounting style every other AmityVox HTTP surface uses.
func RegisterMetrics(r chi.Router, m *Metrics, registry *QueueRegistry) {
	r.Get("/federation/sender/metrics", m.Handler(registry))
}
