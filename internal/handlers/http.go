// Package handlers exposes the pipeline's HTTP surface: fact submission,
// alert queries and lifecycle actions, delivery history and channel health.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/breaker"
	"github.com/meridianbank/alertpipeline/internal/lifecycle"
)

// Pipeline is the lifecycle surface the handlers drive.
type Pipeline interface {
	Admit(ctx context.Context, fact alert.Fact) (*alert.Alert, bool, error)
	Acknowledge(ctx context.Context, id, actor string) error
	Resolve(ctx context.Context, id, actor, notes string) error
	GetAlert(ctx context.Context, id string) (*alert.Alert, error)
	ListAlerts(ctx context.Context, f lifecycle.Filter) ([]*alert.Alert, error)
}

// DeliveryLister exposes the delivery audit trail for one alert.
type DeliveryLister interface {
	ListByAlert(ctx context.Context, alertID string) ([]*alert.DeliveryRecord, error)
}

// HealthReporter exposes per-channel breaker snapshots.
type HealthReporter interface {
	Snapshot() []breaker.ChannelHealth
}

// HTTPHandler handles HTTP requests for the alert pipeline.
type HTTPHandler struct {
	logger     *slog.Logger
	pipeline   Pipeline
	deliveries DeliveryLister
	health     HealthReporter
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(logger *slog.Logger, pipeline Pipeline, deliveries DeliveryLister, health HealthReporter) *HTTPHandler {
	return &HTTPHandler{
		logger:     logger,
		pipeline:   pipeline,
		deliveries: deliveries,
		health:     health,
	}
}

// RegisterRoutes registers HTTP routes.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/facts", h.handleSubmitFact).Methods("POST")
	api.HandleFunc("/alerts", h.handleListAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}", h.handleGetAlert).Methods("GET")
	api.HandleFunc("/alerts/{id}/acknowledge", h.handleAcknowledge).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", h.handleResolve).Methods("POST")
	api.HandleFunc("/alerts/{id}/deliveries", h.handleListDeliveries).Methods("GET")
	api.HandleFunc("/channels/health", h.handleChannelHealth).Methods("GET")
}

func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *HTTPHandler) handleSubmitFact(w http.ResponseWriter, r *http.Request) {
	var fact alert.Fact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, created, err := h.pipeline.Admit(r.Context(), fact)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"alert_id":         a.ID,
		"created":          created,
		"occurrence_count": a.OccurrenceCount,
	})
}

func (h *HTTPHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := lifecycle.Filter{
		Status:   alert.Status(q.Get("status")),
		Severity: alert.Severity(q.Get("severity")),
		Team:     q.Get("team"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	alerts, err := h.pipeline.ListAlerts(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list alerts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*alert.Alert{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *HTTPHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, err := h.pipeline.GetAlert(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, err, "failed to get alert")
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *HTTPHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := h.pipeline.Acknowledge(r.Context(), id, req.Actor); err != nil {
		h.writeLifecycleError(w, err, "failed to acknowledge alert")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id": id,
		"status":   alert.StatusAcknowledged,
	})
}

func (h *HTTPHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Actor string `json:"actor"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := h.pipeline.Resolve(r.Context(), id, req.Actor, req.Notes); err != nil {
		h.writeLifecycleError(w, err, "failed to resolve alert")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id": id,
		"status":   alert.StatusResolved,
	})
}

func (h *HTTPHandler) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.pipeline.GetAlert(r.Context(), id); err != nil {
		h.writeLifecycleError(w, err, "failed to get alert")
		return
	}

	records, err := h.deliveries.ListByAlert(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list deliveries", "alert_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if records == nil {
		records = []*alert.DeliveryRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id":   id,
		"deliveries": records,
		"count":      len(records),
	})
}

func (h *HTTPHandler) handleChannelHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels":  h.health.Snapshot(),
		"timestamp": time.Now().UTC(),
	})
}

// writeLifecycleError maps the pipeline's sentinel errors onto HTTP statuses.
func (h *HTTPHandler) writeLifecycleError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, alert.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alert.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(fallback, "error", err)
		h.writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
