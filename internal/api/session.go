package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/maestro/internal/session"
	"github.com/kazz187/maestro/pkg/cerr"
)

type SessionHandler struct {
	service *session.Service
}

func NewSessionHandler(service *session.Service) *SessionHandler {
	return &SessionHandler{service: service}
}

func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/spawn", h.spawn)
	r.Get("/", h.list)
	r.Get("/{sessionID}", h.get)
	r.Post("/{sessionID}/register", h.register)
	r.Put("/{sessionID}/status", h.updateStatus)
	r.Post("/{sessionID}/complete", h.complete)
	r.Post("/{sessionID}/stop", h.stop)
	r.Post("/{sessionID}/timeline", h.appendTimeline)
	r.Put("/{sessionID}/needs-input", h.setNeedsInput)
	r.Delete("/{sessionID}/needs-input", h.clearNeedsInput)
	r.Put("/{sessionID}/tasks/{taskID}", h.addTask)
	r.Delete("/{sessionID}/tasks/{taskID}", h.removeTask)
	r.Post("/{sessionID}/queue/next", h.takeNext)
	r.Post("/{sessionID}/queue/report", h.report)
}

func (h *SessionHandler) spawn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req session.SpawnRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sess, err := h.service.Spawn(ctx, req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	sessions, err := h.service.List(ctx, session.ListFilter{
		ProjectID: q.Get("projectId"),
		Status:    session.Status(q.Get("status")),
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"sessions": sessions})
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.Get(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.Register(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Status session.Status `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sess, err := h.service.UpdateStatus(ctx, chi.URLParam(r, "sessionID"), req.Status)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.Complete(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.Stop(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) appendTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var entry session.TimelineEvent
	if err := decode(r, &entry); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sess, err := h.service.AppendTimeline(ctx, chi.URLParam(r, "sessionID"), entry)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) setNeedsInput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sess, err := h.service.SetNeedsInput(ctx, chi.URLParam(r, "sessionID"), req.Message)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) clearNeedsInput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.ClearNeedsInput(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) addTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.AddTask(ctx, chi.URLParam(r, "sessionID"), chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) removeTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.service.RemoveTask(ctx, chi.URLParam(r, "sessionID"), chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}

func (h *SessionHandler) takeNext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.service.TakeNext(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, result)
}

func (h *SessionHandler) report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req session.ReportRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sess, err := h.service.ReportResult(ctx, chi.URLParam(r, "sessionID"), req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sess)
}
