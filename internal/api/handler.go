package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/engine"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

const (
	maxBatchSize = 100
	maxBodyBytes = 4 << 20
)

// EventReader serves committed events.
type EventReader interface {
	Event(ctx context.Context, eventID string) (*event.StoredEvent, error)
}

// SnapshotReader serves committed snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context, name, key string) (*store.SnapshotRecord, error)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Engine    *engine.Engine
	Loader    *config.Loader
	Events    EventReader
	Snapshots SnapshotReader
	// Ready lists dependencies that must answer Ping for /readyz.
	Ready map[string]Pinger
	Log   *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	h := &Handler{Deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/messages", h.ingestMessage)
	h.mux.HandleFunc("POST /v1/messages/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/events/{eventID}", h.getEvent)
	h.mux.HandleFunc("GET /v1/snapshots/{name}/{key}", h.getSnapshot)
	h.mux.HandleFunc("GET /v1/config", h.getConfig)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return otelhttp.NewHandler(chain(h.mux, withRequestID, withAccessLog(d.Log), withBodyLimit(maxBodyBytes)), "eventsourcekit")
}

// messageRequest is the HTTP form of event.Message. Body is the raw payload
// handed to the parser.
type messageRequest struct {
	MessageID string          `json:"message_id"`
	Topic     string          `json:"topic"`
	Body      json.RawMessage `json:"body"`
}

func (m messageRequest) message() event.Message {
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	return event.Message{MessageID: m.MessageID, Topic: m.Topic, Body: m.Body}
}

func (m messageRequest) validate() error {
	if m.Topic == "" {
		return errors.New("topic is required")
	}
	if len(m.Body) == 0 {
		return errors.New("body is required")
	}
	return nil
}

// POST /v1/messages runs one message through the pipeline and returns its
// snapshots.
func (h *Handler) ingestMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg := req.message()

	snaps, err := h.Engine.ProcessSync(r.Context(), msg)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": msg.MessageID,
		"snapshots":  snaps,
	})
}

// POST /v1/messages/batch queues up to maxBatchSize messages.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []messageRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one message")
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(reqs), maxBatchSize))
		return
	}
	for i, req := range reqs {
		if err := req.validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("message %d: %s", i, err))
			return
		}
	}

	ids := make([]string, 0, len(reqs))
	queued := 0
	for _, req := range reqs {
		msg := req.message()
		ids = append(ids, msg.MessageID)
		if h.Engine.ProcessAsync(msg) {
			queued++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      uuid.New().String(),
		"total":       len(reqs),
		"queued":      queued,
		"rejected":    len(reqs) - queued,
		"message_ids": ids,
	})
}

// GET /v1/events/{eventID}
func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Events.Event(r.Context(), r.PathValue("eventID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GET /v1/snapshots/{name}/{key}
func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Snapshots.Snapshot(r.Context(), r.PathValue("name"), r.PathValue("key"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		ID:             rec.ID,
		Name:           rec.Name,
		AggregationKey: rec.AggregationKey,
		EventID:        rec.EventID,
		Value:          json.RawMessage(rec.Data),
		TakenAt:        rec.TakenAt,
	})
}

// GET /v1/config
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	p := h.Engine.Pipeline()
	writeJSON(w, http.StatusOK, map[string]any{
		"config":       h.Loader.Config(),
		"parsers":      p.Parsers(),
		"snapshotters": p.Snapshotters(),
	})
}

// POST /v1/config/reload re-reads the config file. Change callbacks rebuild
// and swap the pipeline.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p := h.Engine.Pipeline()
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":     true,
		"version":      cfg.Version,
		"parsers":      p.Parsers(),
		"snapshotters": p.Snapshotters(),
	})
}

// GET /healthz is always 200.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz is 503 if the queue is more than 80% full or a dependency
// does not answer.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.Engine.QueueUtilization()
	metrics.QueueUtilization.Set(util)

	body := map[string]any{"queue_utilization": util}
	status := http.StatusOK
	if util > 0.8 {
		status = http.StatusServiceUnavailable
		body["status"] = "overloaded"
	}
	for name, dep := range h.Ready {
		if err := dep.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
			body[name] = err.Error()
		}
	}
	if status == http.StatusOK {
		body["status"] = "ready"
	}
	writeJSON(w, status, body)
}
