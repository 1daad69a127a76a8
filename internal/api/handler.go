package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/analyzers"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	service *detection.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. cache and eventBus may be nil.
func NewHandler(service *detection.Service, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, version string) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		cache:   cache,
		bus:     eventBus,
		version: version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = checkStatus(h.repo.Ping(r.Context()))
	}
	if h.cache != nil {
		checks["cache"] = checkStatus(h.cache.Ping(r.Context()))
	}
	if h.bus != nil {
		checks["event_bus"] = checkStatus(h.bus.Ping(r.Context()))
	}
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

func checkStatus(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// ============================================================================
// RECORD INGESTION
// ============================================================================

// CreateAffiliate handles POST /affiliates.
func (h *Handler) CreateAffiliate(w http.ResponseWriter, r *http.Request) {
	var a domain.Affiliate
	if !decode(w, r, &a) {
		return
	}
	if err := h.repo.SaveAffiliate(r.Context(), GetTenantID(r.Context()), &a); err != nil {
		h.fail(w, "failed to save affiliate", err)
		return
	}
	h.invalidateGraph(r)
	writeJSON(w, http.StatusCreated, a)
}

// CreateClient handles POST /clients.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var c domain.Client
	if !decode(w, r, &c) {
		return
	}
	if err := h.repo.SaveClient(r.Context(), GetTenantID(r.Context()), &c); err != nil {
		h.fail(w, "failed to save client", err)
		return
	}
	h.invalidateGraph(r)
	writeJSON(w, http.StatusCreated, c)
}

// CreateTrade handles POST /trades.
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var t domain.Trade
	if !decode(w, r, &t) {
		return
	}
	if err := h.repo.SaveTrade(r.Context(), GetTenantID(r.Context()), &t); err != nil {
		h.fail(w, "failed to save trade", err)
		return
	}
	h.invalidateGraph(r)
	writeJSON(w, http.StatusCreated, t)
}

// CreateTrackingRecord handles POST /tracking.
func (h *Handler) CreateTrackingRecord(w http.ResponseWriter, r *http.Request) {
	var rec domain.TrackingRecord
	if !decode(w, r, &rec) {
		return
	}
	if err := h.repo.SaveTrackingRecord(r.Context(), GetTenantID(r.Context()), &rec); err != nil {
		h.fail(w, "failed to save tracking record", err)
		return
	}
	h.invalidateGraph(r)
	writeJSON(w, http.StatusCreated, rec)
}

// invalidateGraph drops the cached graph so the next read sees new records.
func (h *Handler) invalidateGraph(r *http.Request) {
	if h.cache == nil {
		return
	}
	tenantID := GetTenantID(r.Context())
	if err := h.cache.InvalidateGraph(r.Context(), tenantID); err != nil {
		slog.Warn("failed to invalidate cached graph", "tenant_id", tenantID, "error", err)
	}
}

// ============================================================================
// DETECTION
// ============================================================================

// Detect handles POST /detect. With ?async=true the run is handed to the
// worker over the event bus and the request returns 202 immediately.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus is not configured")
			return
		}
		req := domain.DetectionRequest{
			TenantID:    tenantID,
			RequestedBy: "api",
			TraceID:     GetTraceID(ctx),
		}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicDetectionRequested, req); err != nil {
			h.fail(w, "failed to queue detection", err)
			return
		}
		writeJSON(w, http.StatusAccepted, req)
		return
	}

	report, err := h.service.Run(ctx, tenantID)
	if err != nil {
		h.fail(w, "detection run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetGraph handles GET /graph. ?refresh=true bypasses the cached snapshot.
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	g := h.service.Graph(r.Context(), GetTenantID(r.Context()), refresh)
	writeJSON(w, http.StatusOK, g)
}

// ListRings handles GET /rings?status=.
func (h *Handler) ListRings(w http.ResponseWriter, r *http.Request) {
	status := domain.RingStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown ring status: "+string(status))
		return
	}

	list, err := h.service.Rings(r.Context(), GetTenantID(r.Context()), status)
	if err != nil {
		h.fail(w, "failed to list rings", err)
		return
	}
	if list == nil {
		list = []*domain.FraudRing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rings": list,
		"count": len(list),
	})
}

// GetRing handles GET /rings/{id}.
func (h *Handler) GetRing(w http.ResponseWriter, r *http.Request) {
	ring, err := h.service.Ring(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "failed to get ring", err)
		return
	}
	writeJSON(w, http.StatusOK, ring)
}

// UpdateRingStatusRequest is the request body for PATCH /rings/{id}/status.
type UpdateRingStatusRequest struct {
	Status domain.RingStatus `json:"status"`
}

// UpdateRingStatus handles PATCH /rings/{id}/status.
func (h *Handler) UpdateRingStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateRingStatusRequest
	if !decode(w, r, &req) {
		return
	}

	ring, err := h.service.UpdateRingStatus(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.fail(w, "failed to update ring status", err)
		return
	}
	writeJSON(w, http.StatusOK, ring)
}

// ============================================================================
// ANALYZERS
// ============================================================================

// Analyze handles POST /analyze/{kind}.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	kind := domain.AnalyzerKind(chi.URLParam(r, "kind"))

	analysis, err := h.service.Analyze(r.Context(), GetTenantID(r.Context()), kind)
	if err != nil {
		h.fail(w, "analysis failed", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// CorrelateRequest is the request body for POST /correlations. An empty
// account list compares every account with trades.
type CorrelateRequest struct {
	Accounts []string `json:"accounts,omitempty"`
}

// Correlate handles POST /correlations.
func (h *Handler) Correlate(w http.ResponseWriter, r *http.Request) {
	var req CorrelateRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	results, err := h.service.Correlate(r.Context(), GetTenantID(r.Context()), req.Accounts)
	if err != nil {
		h.fail(w, "correlation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// GetVelocity handles GET /accounts/{id}/velocity.
func (h *Handler) GetVelocity(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Velocity(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "failed to compute velocity", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// QualifierRequest is the body of PUT /qualifier.
type QualifierRequest struct {
	Expression string `json:"expression"`
}

// GetQualifier handles GET /qualifier.
func (h *Handler) GetQualifier(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, QualifierRequest{
		Expression: h.service.Engine().Qualifier().Expression(),
	})
}

// SetQualifier handles PUT /qualifier. The new expression is compiled
// before it replaces the active one.
func (h *Handler) SetQualifier(w http.ResponseWriter, r *http.Request) {
	var req QualifierRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.SetQualifier(req.Expression); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("qualifier replaced", "expression", req.Expression)
	writeJSON(w, http.StatusOK, req)
}

// ============================================================================
// HELPERS
// ============================================================================

// fail maps service errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidRecord),
		errors.Is(err, analyzers.ErrUnknownAnalyzer):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
