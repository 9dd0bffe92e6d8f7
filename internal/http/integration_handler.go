package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wisefido-incident/internal/models"
)

// Acknowledger 外部服务回调确认
type Acknowledger interface {
	Acknowledge(ctx context.Context, service, incidentID, referenceID string) (*models.IntegrationRecord, error)
}

type IntegrationLister interface {
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)
	ListIntegrations(ctx context.Context, incidentID string) ([]models.IntegrationRecord, error)
}

type IntegrationHandler struct {
	dispatcher Acknowledger
	store      IntegrationLister
	logger     *zap.Logger
}

func NewIntegrationHandler(d Acknowledger, store IntegrationLister, logger *zap.Logger) *IntegrationHandler {
	return &IntegrationHandler{dispatcher: d, store: store, logger: logger}
}

type callbackRequest struct {
	IncidentID  string `json:"incident_id"`
	ReferenceID string `json:"reference_id"`
}

// Callback POST /api/v1/integration/callback/{service}
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.IncidentID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("incident_id is required"))
		return
	}
	rec, err := h.dispatcher.Acknowledge(r.Context(), chi.URLParam(r, "service"), req.IncidentID, req.ReferenceID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

// List GET /api/v1/integrations/{id}
func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetIncident(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	recs, err := h.store.ListIntegrations(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, &models.StorageError{Op: "list integrations", Err: err})
		return
	}
	if recs == nil {
		recs = []models.IntegrationRecord{}
	}
	writeJSON(w, http.StatusOK, Ok(recs))
}
