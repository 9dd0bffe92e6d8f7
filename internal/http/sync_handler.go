package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"wisefido-incident/internal/models"
)

// BatchSubmitter 离线回放
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, deviceID string, ops []models.OfflineOperation) ([]models.OutcomeRecord, error)
}

type SyncHandler struct {
	sync   BatchSubmitter
	logger *zap.Logger
}

func NewSyncHandler(sync BatchSubmitter, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

type syncBatchRequest struct {
	DeviceID   string                    `json:"device_id"`
	Operations []models.OfflineOperation `json:"operations"`
}

// SubmitBatch POST /api/v1/sync/batch
// 存储失败时返回已处理部分的结果，设备重新提交其余操作
func (h *SyncHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req syncBatchRequest
	if err := readBodyJSON(r, 8*maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = strings.TrimSpace(r.Header.Get("X-Device-Id"))
	}

	outcomes, err := h.sync.SubmitBatch(r.Context(), req.DeviceID, req.Operations)
	if err != nil {
		if errors.Is(err, models.ErrStorage) {
			h.logger.Error("Sync batch interrupted",
				zap.String("device_id", req.DeviceID),
				zap.Int("processed", len(outcomes)),
				zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, FailWith("storage failure, resubmit unprocessed operations", outcomes))
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(outcomes))
}
