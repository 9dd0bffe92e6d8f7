package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wisefido-incident/internal/models"
	"wisefido-incident/internal/notify"
)

// Notifications 通知队列读取与在线订阅
type Notifications interface {
	ReplaySince(ctx context.Context, groupKey string, lastSeq int64, limit int) ([]models.NotificationEnvelope, error)
	Ack(ctx context.Context, groupKey, subscriberID string, seq int64) error
	Subscribe(ctx context.Context, groupKey, subscriberID string, lastSeq int64) (*notify.Subscriber, error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 4096
)

// CloseLagging is sent when the subscriber fell behind; reconnect with since=<last sequence>.
const CloseLagging = websocket.CloseTryAgainLater

type NotificationHandler struct {
	notify   Notifications
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewNotificationHandler(n Notifications, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		notify: n,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

type ackRequest struct {
	SubscriberID string `json:"subscriber_id"`
	Sequence     int64  `json:"sequence"`
}

// clientMessage is what a live subscriber may send: {"type":"ack","sequence":N}
type clientMessage struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
}

func subscriberID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if q := strings.TrimSpace(r.URL.Query().Get("subscriber_id")); q != "" {
		return q
	}
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

// Replay GET /api/v1/notifications/{groupKey}?since=&limit=
func (h *NotificationHandler) Replay(w http.ResponseWriter, r *http.Request) {
	since, ok := parseInt64(r.URL.Query().Get("since"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid since"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	envs, err := h.notify.ReplaySince(r.Context(), chi.URLParam(r, "groupKey"), since, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if envs == nil {
		envs = []models.NotificationEnvelope{}
	}
	writeJSON(w, http.StatusOK, Ok(envs))
}

// Ack POST /api/v1/notifications/{groupKey}/ack
func (h *NotificationHandler) Ack(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.notify.Ack(r.Context(), chi.URLParam(r, "groupKey"), subscriberID(r, req.SubscriberID), req.Sequence); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req.Sequence))
}

// Live GET /api/v1/notifications/{groupKey}/live?since=&subscriber_id=
// 先回放 since 之后的消息，再推送在线消息；落后过多时以 CloseLagging 断开
func (h *NotificationHandler) Live(w http.ResponseWriter, r *http.Request) {
	since, ok := parseInt64(r.URL.Query().Get("since"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid since"))
		return
	}
	groupKey := chi.URLParam(r, "groupKey")
	subID := subscriberID(r, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.notify.Subscribe(ctx, groupKey, subID, since)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("group_key", groupKey), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Live subscriber connected",
		zap.String("group_key", groupKey),
		zap.String("subscriber_id", subID),
		zap.Int64("since", since))

	go h.readPump(ctx, cancel, conn, groupKey, subID)
	h.writePump(ctx, conn, sub)

	h.logger.Info("Live subscriber disconnected",
		zap.String("group_key", groupKey),
		zap.String("subscriber_id", subID),
		zap.Int64("last_sequence", sub.LastSequence()),
		zap.NamedError("reason", sub.Err()))
}

func (h *NotificationHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *notify.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(env models.NotificationEnvelope) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env) == nil
	}

	for {
		select {
		case env := <-sub.C():
			if !write(env) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.Done():
			// 已缓冲的消息仍是连续的，先发完
		drain:
			for {
				select {
				case env := <-sub.C():
					if !write(env) {
						return
					}
				default:
					break drain
				}
			}
			code, reason := websocket.CloseNormalClosure, ""
			switch err := sub.Err(); {
			case errors.Is(err, notify.ErrSubscriberLagging):
				code, reason = CloseLagging, "lagging"
			case err != nil:
				code, reason = websocket.CloseInternalServerErr, "replay failed"
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readPump handles pongs and ack messages; any read error ends the subscription.
func (h *NotificationHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, groupKey, subID string) {
	defer cancel()
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ack" {
			continue
		}
		if err := h.notify.Ack(ctx, groupKey, subID, msg.Sequence); err != nil {
			h.logger.Warn("Live ack failed",
				zap.String("group_key", groupKey),
				zap.String("subscriber_id", subID),
				zap.Int64("sequence", msg.Sequence),
				zap.Error(err))
		}
	}
}
