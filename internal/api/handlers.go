package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"judge-sandbox/internal/monitor"
	"judge-sandbox/internal/runtime"
	"judge-sandbox/internal/sandbox"
)

// Executor is the part of *sandbox.Service the handlers use.
type Executor interface {
	Execute(ctx context.Context, language, source string) sandbox.ExecutionResult
	Registry() *runtime.Registry
	Backend() string
	Healthy(ctx context.Context) error
	Stats() (sandbox.PoolStats, int)
}

type Handlers struct {
	exec      Executor
	metrics   *monitor.Metrics
	startTime time.Time
}

func NewHandlers(exec Executor, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		exec:      exec,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if h.exec == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	res := h.exec.Execute(r.Context(), req.Language, req.Code)
	writeJSON(w, statusFor(res.ErrorKind), NewExecutionResponse(res))
}

// statusFor maps a result to an HTTP status. Anything that reached the
// runtime is a 200: the outcome is in the body.
func statusFor(kind sandbox.ErrorKind) int {
	switch kind {
	case sandbox.KindUnsupportedLanguage, sandbox.KindInvalidRequest:
		return http.StatusBadRequest
	case sandbox.KindQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	if h.exec == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	reg := h.exec.Registry()
	ids := reg.Languages()
	resp := LanguagesResponse{Languages: make([]LanguageInfo, 0, len(ids))}
	for _, id := range ids {
		d, err := reg.Resolve(id)
		if err != nil {
			continue
		}
		resp.Languages = append(resp.Languages, LanguageInfo{
			ID:        d.ID,
			Extension: d.Extension,
			Image:     d.Image,
			Strategy:  string(d.Strategy),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.exec == nil {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp.Backend = h.exec.Backend()
	resp.Pool, resp.LiveUnits = h.exec.Stats()
	if err := h.exec.Healthy(ctx); err != nil {
		log.Warn().Err(err).Str("backend", resp.Backend).Msg("health check failed")
		resp.Status = "degraded"
	} else {
		resp.Runtime = true
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
