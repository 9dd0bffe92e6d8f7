package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wisefido-incident/internal/engine"
	"wisefido-incident/internal/models"
	"wisefido-incident/internal/notify"
)

// RoleAdmin is the X-User-Role value allowed to reopen resolved/closed incidents.
const RoleAdmin = "admin"

// IncidentEngine 状态机入口
type IncidentEngine interface {
	CreateIncident(ctx context.Context, req engine.CreateRequest) (*engine.Result, error)
	ApplyTransition(ctx context.Context, req engine.TransitionRequest) (*engine.Result, error)
}

// IncidentReader 只读查询
type IncidentReader interface {
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)
	ListAudit(ctx context.Context, incidentID string) ([]models.AuditEntry, error)
}

// SnapshotReader returns notify.ErrMiss when the cache has nothing.
type SnapshotReader interface {
	CachedSnapshot(ctx context.Context, incidentID string) (*models.Incident, error)
}

// IncidentHandler 事件 Handler
type IncidentHandler struct {
	engine IncidentEngine
	store  IncidentReader
	cache  SnapshotReader
	logger *zap.Logger
}

func NewIncidentHandler(e IncidentEngine, store IncidentReader, cache SnapshotReader, logger *zap.Logger) *IncidentHandler {
	return &IncidentHandler{engine: e, store: store, cache: cache, logger: logger}
}

type createIncidentRequest struct {
	ClientOperationID string `json:"client_operation_id"`
	ReporterID        string `json:"reporter_id"`
	models.Payload
}

type transitionRequest struct {
	Action            models.Action  `json:"action"`
	ExpectedVersion   int64          `json:"expected_version"`
	ClientOperationID string         `json:"client_operation_id"`
	Payload           models.Payload `json:"payload"`
}

type transitionResponse struct {
	Outcome  engine.Outcome     `json:"outcome"`
	Incident *models.Incident   `json:"incident"`
	Audit    *models.AuditEntry `json:"audit,omitempty"`
}

// CreateIncident POST /api/v1/incidents
// Idempotency-Key 头优先于 body 中的 client_operation_id
func (h *IncidentHandler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.ClientOperationID = key
	}
	if req.ReporterID == "" {
		req.ReporterID = r.Header.Get("X-User-Id")
	}

	res, err := h.engine.CreateIncident(r.Context(), engine.CreateRequest{
		ClientOperationID: req.ClientOperationID,
		ReporterID:        req.ReporterID,
		Payload:           req.Payload,
		SourceOrigin:      models.OriginLive,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == engine.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, Ok(transitionResponse{Outcome: res.Outcome, Incident: res.Incident, Audit: res.Entry}))
}

// GetIncident GET /api/v1/incidents/{id}
func (h *IncidentHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.cache != nil {
		inc, err := h.cache.CachedSnapshot(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, Ok(inc))
			return
		}
		if !errors.Is(err, notify.ErrMiss) {
			h.logger.Debug("Snapshot cache unavailable", zap.String("incident_id", id), zap.Error(err))
		}
	}
	inc, err := h.store.GetIncident(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(inc))
}

// ListAudit GET /api/v1/incidents/{id}/audit
func (h *IncidentHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetIncident(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries, err := h.store.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, &models.StorageError{Op: "list audit", Err: err})
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, Ok(entries))
}

// Transition POST /api/v1/incidents/{id}/transition
func (h *IncidentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	actorID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if actorID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("user ID is required"))
		return
	}

	var req transitionRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.ClientOperationID = key
	}

	res, err := h.engine.ApplyTransition(r.Context(), engine.TransitionRequest{
		IncidentID:        chi.URLParam(r, "id"),
		ExpectedVersion:   req.ExpectedVersion,
		Action:            req.Action,
		Payload:           req.Payload,
		ActorID:           actorID,
		ClientOperationID: req.ClientOperationID,
		SourceOrigin:      models.OriginLive,
		Administrative:    strings.EqualFold(r.Header.Get("X-User-Role"), RoleAdmin),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(transitionResponse{Outcome: res.Outcome, Incident: res.Incident, Audit: res.Entry}))
}
