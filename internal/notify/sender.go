package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/maestro/internal/config"
	"github.com/kazz187/maestro/internal/pushsubscription"
)

// notificationTTL is how long a push service may hold an undelivered
// notification before discarding it.
const notificationTTL = 86400

type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Sender delivers web-push notifications to every registered subscription.
// Delivery is best effort: failures are logged, expired subscriptions are
// pruned, and nothing propagates back to the operation that triggered it.
type Sender struct {
	vapid *config.VAPIDEnv
	repo  pushsubscription.Repository
}

func NewSender(vapid *config.VAPIDEnv, repo pushsubscription.Repository) *Sender {
	return &Sender{vapid: vapid, repo: repo}
}

func (s *Sender) configured() bool {
	return s.vapid.VAPIDPrivateKey != "" && s.vapid.VAPIDPublicKey != ""
}

func (s *Sender) SendToAll(ctx context.Context, payload *Payload) {
	if !s.configured() {
		slog.WarnContext(ctx, "web push disabled, VAPID keys not configured")
		return
	}
	subs, err := s.repo.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list push subscriptions", "error", err)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal push payload", "error", err)
		return
	}
	for _, sub := range subs {
		s.push(ctx, sub, data)
	}
}

func (s *Sender) push(ctx context.Context, sub *pushsubscription.Subscription, data []byte) {
	resp, err := webpush.SendNotification(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapid.VAPIDPublicKey,
		VAPIDPrivateKey: s.vapid.VAPIDPrivateKey,
		Subscriber:      s.vapid.VAPIDContact,
		TTL:             notificationTTL,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to send web push", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		// The browser dropped this registration; forget it.
		slog.InfoContext(ctx, "pruning expired push subscription", "endpoint", sub.Endpoint)
		if err := s.repo.Delete(ctx, sub.ID); err != nil {
			slog.ErrorContext(ctx, "failed to delete expired push subscription", "id", sub.ID, "error", err)
		}
	case resp.StatusCode >= 400:
		slog.WarnContext(ctx, "push service rejected notification", "endpoint", sub.Endpoint, "status", resp.StatusCode)
	}
}
