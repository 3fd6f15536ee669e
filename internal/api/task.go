package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/maestro/internal/task"
	"github.com/kazz187/maestro/pkg/cerr"
)

type TaskHandler struct {
	service *task.Service
}

func NewTaskHandler(service *task.Service) *TaskHandler {
	return &TaskHandler{service: service}
}

func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{taskID}", h.get)
	r.Patch("/{taskID}", h.update)
	r.Delete("/{taskID}", h.delete)
	r.Put("/{taskID}/status", h.updateStatus)
	r.Get("/{taskID}/children", h.children)
	r.Get("/{taskID}/tree", h.tree)
	r.Put("/{taskID}/sessions/{sessionID}/status", h.setSessionStatus)
}

func (h *TaskHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req task.CreateRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.service.Create(ctx, req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := task.ListFilter{
		ProjectID: q.Get("projectId"),
		Status:    task.Status(q.Get("status")),
		ParentID:  q.Get("parentId"),
		RootOnly:  q.Get("rootOnly") == "true",
	}
	tasks, err := h.service.List(ctx, filter)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": tasks})
}

func (h *TaskHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.service.Get(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (h *TaskHandler) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req task.UpdateRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.service.Update(ctx, chi.URLParam(r, "taskID"), req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (h *TaskHandler) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Delete(ctx, chi.URLParam(r, "taskID")); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"deleted": true})
}

func (h *TaskHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Status task.Status `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.service.UpdateStatus(ctx, chi.URLParam(r, "taskID"), req.Status)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (h *TaskHandler) children(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := h.service.Children(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": tasks})
}

func (h *TaskHandler) tree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	node, err := h.service.Tree(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, node)
}

func (h *TaskHandler) setSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Status task.Status `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.service.SetSessionStatus(ctx, chi.URLParam(r, "taskID"), chi.URLParam(r, "sessionID"), req.Status)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
