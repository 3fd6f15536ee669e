package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/maestro/internal/project"
	"github.com/kazz187/maestro/pkg/cerr"
)

type ProjectHandler struct {
	service *project.Service
}

func NewProjectHandler(service *project.Service) *ProjectHandler {
	return &ProjectHandler{service: service}
}

func (h *ProjectHandler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{projectID}", h.get)
	r.Patch("/{projectID}", h.update)
	r.Delete("/{projectID}", h.delete)
}

func (h *ProjectHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req project.CreateRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	p, err := h.service.Create(ctx, req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *ProjectHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projects, err := h.service.List(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"projects": projects})
}

func (h *ProjectHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.service.Get(ctx, chi.URLParam(r, "projectID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *ProjectHandler) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req project.UpdateRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	p, err := h.service.Update(ctx, chi.URLParam(r, "projectID"), req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *ProjectHandler) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Delete(ctx, chi.URLParam(r, "projectID")); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"deleted": true})
}
