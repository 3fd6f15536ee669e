package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/maestro/internal/mail"
	"github.com/kazz187/maestro/pkg/cerr"
)

type MailHandler struct {
	service *mail.Service
}

func NewMailHandler(service *mail.Service) *MailHandler {
	return &MailHandler{service: service}
}

func (h *MailHandler) Routes(r chi.Router) {
	r.Post("/", h.send)
	r.Get("/", h.list)
	r.Get("/{mailID}", h.get)
	r.Get("/{mailID}/replies", h.replies)
}

func (h *MailHandler) send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req mail.SendRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	m, err := h.service.Send(ctx, req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, m)
}

func (h *MailHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := mail.ListFilter{
		ProjectID: q.Get("projectId"),
		SessionID: q.Get("sessionId"),
		Type:      mail.Type(q.Get("type")),
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "since must be RFC3339", err)
			return
		}
		filter.Since = ts
	}
	mails, err := h.service.List(ctx, filter)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"mails": mails})
}

func (h *MailHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.service.Get(ctx, chi.URLParam(r, "mailID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, m)
}

func (h *MailHandler) replies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mails, err := h.service.Replies(ctx, chi.URLParam(r, "mailID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"mails": mails})
}
