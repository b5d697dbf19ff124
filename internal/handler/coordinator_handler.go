package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/fabric"
	"threatnet-coordinator/internal/intel"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/store"
	"threatnet-coordinator/internal/trust"
	"threatnet-coordinator/internal/util"
)

const defaultQueryLimit = 500

// CoordinatorHandler serves the read-mostly HTTP surface of the
// coordinator and translates component errors into the boundary kinds.
type CoordinatorHandler struct {
	intel  *intel.Aggregator
	trust  *trust.Manager
	hub    *fabric.Hub
	logger *zap.Logger
}

func NewCoordinatorHandler(aggregator *intel.Aggregator, trustMgr *trust.Manager, hub *fabric.Hub, logger *zap.Logger) *CoordinatorHandler {
	return &CoordinatorHandler{
		intel:  aggregator,
		trust:  trustMgr,
		hub:    hub,
		logger: logger,
	}
}

// RegisterRoutes registers all coordinator routes.
func (h *CoordinatorHandler) RegisterRoutes(router chi.Router) {
	router.Get("/status", h.Status)
	router.Get("/clients", h.Clients)
	router.Get("/clients/{clientID}/trust", h.ClientTrust)
	router.Post("/clients/{clientID}/trust/reset", h.ResetTrust)
	router.Get("/trust_scores", h.TrustScores)
	router.Get("/iocs", h.QueryIOCs)
	router.Get("/iocs/{iocID}", h.GetIOC)
	router.Post("/iocs/{iocID}/expire", h.ExpireIOC)
	router.Post("/report_threat", h.ReportThreat)
	router.Get("/sync_intel", h.SyncIntel)
}

// Status serves the aggregate system view.
func (h *CoordinatorHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	byStatus, byLevel, err := h.intel.Stats(ctx)
	if err != nil {
		h.respondError(w, err)
		return
	}
	snapshot, err := h.trust.Snapshot(ctx)
	if err != nil {
		h.respondError(w, err)
		return
	}

	stats := model.SystemStats{
		TotalClients:      len(snapshot),
		OnlineClients:     h.hub.OnlineCount(),
		VerifiedIOCs:      byStatus[model.StatusVerified],
		PendingIOCs:       byStatus[model.StatusPending],
		ExpiredIOCs:       byStatus[model.StatusExpired],
		ThreatLevelCounts: byLevel,
	}
	for _, n := range byStatus {
		stats.TotalIOCs += n
	}
	var sum float64
	for _, score := range snapshot {
		sum += score.Value
		if score.Value >= 0.7 {
			stats.HighTrustClients++
		}
		if score.Value < 0.4 {
			stats.LowTrustClients++
		}
	}
	if len(snapshot) > 0 {
		stats.AverageTrust = sum / float64(len(snapshot))
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Clients lists client profiles with their current trust.
func (h *CoordinatorHandler) Clients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type clientView struct {
		*model.ClientProfile
		Trust float64 `json:"trust"`
	}

	profiles := h.hub.Profiles()
	out := make([]clientView, 0, len(profiles))
	for _, profile := range profiles {
		score, err := h.trust.Get(ctx, profile.ClientID)
		if err != nil {
			h.respondError(w, err)
			return
		}
		out = append(out, clientView{ClientProfile: profile, Trust: score.Value})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"clients": out})
}

// ClientTrust serves one client's score plus recent audit history.
func (h *CoordinatorHandler) ClientTrust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := chi.URLParam(r, "clientID")

	score, err := h.trust.Get(ctx, clientID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	history, err := h.trust.History(ctx, clientID, 50)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"trust":   score,
		"history": history,
	})
}

// ResetTrust is the manual admin reset.
func (h *CoordinatorHandler) ResetTrust(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	score, err := h.trust.Reset(r.Context(), clientID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("trust reset via HTTP", util.String("client_id", clientID))
	h.respondJSON(w, http.StatusOK, score)
}

// TrustScores serves the full trust snapshot.
func (h *CoordinatorHandler) TrustScores(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.trust.Snapshot(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"trust_scores": snapshot})
}

// QueryIOCs lists IOCs filtered by status, type, threat level and age.
func (h *CoordinatorHandler) QueryIOCs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.QueryFilter{
		Status:      model.IOCStatus(q.Get("status")),
		Type:        model.IOCType(q.Get("type")),
		ThreatLevel: model.ThreatLevel(q.Get("threat_level")),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := parseTime(raw)
		if err != nil {
			h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
			return
		}
		filter.Since = since
	}

	iocs, err := h.intel.Query(r.Context(), filter, defaultQueryLimit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if iocs == nil {
		iocs = []*model.IOC{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"iocs": iocs})
}

// GetIOC serves a single IOC by id.
func (h *CoordinatorHandler) GetIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := h.intel.Get(r.Context(), chi.URLParam(r, "iocID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ioc)
}

// ExpireIOC is the manual admin expiry.
func (h *CoordinatorHandler) ExpireIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := h.intel.Expire(r.Context(), chi.URLParam(r, "iocID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ioc)
}

// ReportThreat accepts one IOC submission over HTTP. Semantics match
// the report_threat channel event.
func (h *CoordinatorHandler) ReportThreat(w http.ResponseWriter, r *http.Request) {
	var req model.ReportPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	result, err := h.intel.Submit(r.Context(), req.ClientID, req.IOC)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, model.ReportAckPayload{
		IOCID:  result.IOCID,
		Status: result.Status,
	})
}

// SyncIntel is the pull-based sync endpoint.
func (h *CoordinatorHandler) SyncIntel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") == "" {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	var cursor int64
	if raw := q.Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
			return
		}
		cursor = parsed
	}

	iocs, next, err := h.intel.PullSince(r.Context(), cursor, defaultQueryLimit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if iocs == nil {
		iocs = []*model.IOC{}
	}
	digest, err := h.intel.Digest().Serialize()
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, model.SyncResponsePayload{
		IOCs:   iocs,
		Cursor: next,
		Digest: digest,
	})
}

// ---- helpers ----

func (h *CoordinatorHandler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", util.ErrorField(err))
	}
}

// respondError maps component errors onto the boundary kinds.
func (h *CoordinatorHandler) respondError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, intel.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case isBadRequest(err):
		status, kind = http.StatusBadRequest, "bad_request"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", util.ErrorField(err))
	}
	h.respondJSON(w, status, map[string]string{"error": kind})
}

func isBadRequest(err error) bool {
	return errors.Is(err, model.ErrMissingType) ||
		errors.Is(err, model.ErrMissingValue) ||
		errors.Is(err, model.ErrUnknownType) ||
		errors.Is(err, model.ErrUnknownLevel) ||
		errors.Is(err, model.ErrInvalidValue) ||
		errors.Is(err, model.ErrMissingClient)
}

func parseTime(raw string) (time.Time, error) {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
