package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/engine"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope. Code is the pipeline's
// domain code, Stage the pipeline stage that failed.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  int    `json:"code,omitempty"`
	Stage string `json:"stage,omitempty"`
}

type snapshotResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	AggregationKey string          `json:"aggregation_key"`
	EventID        string          `json:"event_id"`
	Value          json.RawMessage `json:"value"`
	TakenAt        time.Time       `json:"taken_at"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps engine and pipeline errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, engine.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	code := fault.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{
		Error: err.Error(),
		Kind:  fault.KindOf(err).String(),
		Code:  code,
		Stage: fault.StageOf(err),
	})
}

// statusFor uses the domain code as the HTTP status when it is one.
func statusFor(code int) int {
	if http.StatusText(code) == "" {
		return http.StatusInternalServerError
	}
	return code
}
