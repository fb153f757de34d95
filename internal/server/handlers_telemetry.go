package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/annai/internal/model"
)

// HandleTelemetryStream handles GET /v1/telemetry/stream: a Server-Sent
// Events feed of signed telemetry packets from the bus.
func (h *Handlers) HandleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "telemetry bus not configured")
		return
	}

	ch, err := h.bus.Subscribe()
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "telemetry bus at subscriber capacity")
		return
	}
	defer h.bus.Unsubscribe(ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case packet, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE("annai_telemetry", packet)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	msg := make([]byte, 0, len(eventType)+len(data)+16)
	msg = append(msg, "event: "...)
	msg = append(msg, eventType...)
	msg = append(msg, "\ndata: "...)
	msg = append(msg, data...)
	msg = append(msg, "\n\n"...)
	return msg
}

// VerifyPacketResponse is the response for POST /v1/telemetry/verify.
type VerifyPacketResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// HandleTelemetryVerify handles POST /v1/telemetry/verify: checks the
// security envelope of a received telemetry packet. Lets downstream
// consumers confirm signatures without sharing the signing secret.
func (h *Handlers) HandleTelemetryVerify(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil || !h.bus.Signing() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "packet signing not configured")
		return
	}

	var packet map[string]any
	if err := decodeJSON(w, r, &packet, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.bus.Verify(packet); err != nil {
		writeJSON(w, r, http.StatusOK, VerifyPacketResponse{Valid: false, Reason: err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, VerifyPacketResponse{Valid: true})
}

// TelemetryStatsResponse is the response for GET /v1/telemetry/stats.
type TelemetryStatsResponse struct {
	QueueLength     int    `json:"queue_length"`
	Subscribers     int    `json:"subscribers"`
	Emitted         uint64 `json:"packets_emitted"`
	Dropped         uint64 `json:"messages_dropped"`
	SubscriberDrops uint64 `json:"subscriber_drops"`
	PendingAcks     int    `json:"pending_acks"`
	FailedAcks      uint64 `json:"failed_acks"`
}

// HandleTelemetryStats handles GET /v1/telemetry/stats.
func (h *Handlers) HandleTelemetryStats(w http.ResponseWriter, r *http.Request) {
	var resp TelemetryStatsResponse
	if h.bus != nil {
		stats := h.bus.Stats()
		resp.QueueLength = stats.QueueLength
		resp.Subscribers = stats.Subscribers
		resp.Emitted = stats.Emitted
		resp.Dropped = stats.Dropped
		resp.SubscriberDrops = stats.SubscriberDrops
	}
	if h.tracker != nil {
		resp.PendingAcks = h.tracker.Pending()
		resp.FailedAcks = h.tracker.Failed()
	}
	writeJSON(w, r, http.StatusOK, resp)
}
