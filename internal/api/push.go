package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/maestro/internal/config"
	"github.com/kazz187/maestro/internal/pushsubscription"
	"github.com/kazz187/maestro/pkg/cerr"
)

type PushHandler struct {
	repo     pushsubscription.Repository
	vapidEnv *config.VAPIDEnv
}

func NewPushHandler(repo pushsubscription.Repository, vapidEnv *config.VAPIDEnv) *PushHandler {
	return &PushHandler{repo: repo, vapidEnv: vapidEnv}
}

func (h *PushHandler) Routes(r chi.Router) {
	r.Get("/vapid-public-key", h.publicKey)
	r.Post("/subscriptions", h.subscribe)
	r.Delete("/subscriptions", h.unsubscribe)
}

func (h *PushHandler) publicKey(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), map[string]any{"publicKey": h.vapidEnv.VAPIDPublicKey})
}

func (h *PushHandler) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint and keys are required", nil)
		return
	}
	// Re-subscribing an existing endpoint replaces the stored keys.
	if existing, err := h.repo.FindByEndpoint(ctx, req.Endpoint); err == nil {
		if err := h.repo.Delete(ctx, existing.ID); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		CreatedAt: time.Now(),
	}
	if err := h.repo.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sub)
}

func (h *PushHandler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := h.repo.DeleteByEndpoint(ctx, req.Endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"deleted": true})
}
