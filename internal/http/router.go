package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Router 基于 chi
type Router struct {
	mux    chi.Router
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	r := &Router{mux: chi.NewRouter(), logger: logger}
	r.mux.Use(r.recoverer, r.accessLog)
	r.mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterIncidentRoutes 事件创建、查询、状态迁移
func (r *Router) RegisterIncidentRoutes(h *IncidentHandler) {
	r.mux.Route("/api/v1/incidents", func(rt chi.Router) {
		rt.Post("/", h.CreateIncident)
		rt.Get("/{id}", h.GetIncident)
		rt.Get("/{id}/audit", h.ListAudit)
		rt.Post("/{id}/transition", h.Transition)
	})
}

func (r *Router) RegisterSyncRoutes(h *SyncHandler) {
	r.mux.Post("/api/v1/sync/batch", h.SubmitBatch)
}

func (r *Router) RegisterIntegrationRoutes(h *IntegrationHandler) {
	r.mux.Post("/api/v1/integration/callback/{service}", h.Callback)
	r.mux.Get("/api/v1/integrations/{id}", h.List)
}

// RegisterNotificationRoutes groupKey 形如 responder:<id>, family:<incident>, dashboard:global
func (r *Router) RegisterNotificationRoutes(h *NotificationHandler) {
	r.mux.Route("/api/v1/notifications/{groupKey}", func(rt chi.Router) {
		rt.Get("/", h.Replay)
		rt.Post("/ack", h.Ack)
		rt.Get("/live", h.Live)
	})
}

func (r *Router) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				r.logger.Error("Handler panic",
					zap.String("method", req.Method),
					zap.String("path", req.URL.Path),
					zap.Any("panic", v),
					zap.ByteString("stack", debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// accessLog does not wrap the ResponseWriter so WebSocket hijacking keeps working.
func (r *Router) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		r.logger.Debug("HTTP request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("user_id", req.Header.Get("X-User-Id")),
			zap.Duration("duration", time.Since(start)))
	})
}
