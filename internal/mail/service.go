package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/session"
	"github.com/kazz187/maestro/pkg/cerr"
)

// Sessions is the slice of the session repository the mail service needs to
// validate addressing.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

type Service struct {
	repo     Repository
	sessions Sessions
	bus      *eventbus.Bus
}

func NewService(repo Repository, sessions Sessions, bus *eventbus.Bus) *Service {
	return &Service{
		repo:     repo,
		sessions: sessions,
		bus:      bus,
	}
}

type SendRequest struct {
	ProjectID     string         `json:"projectId"`
	FromSessionID string         `json:"fromSessionId"`
	ToSessionID   *string        `json:"toSessionId,omitempty"`
	ReplyToMailID *string        `json:"replyToMailId,omitempty"`
	Type          Type           `json:"type"`
	Subject       string         `json:"subject"`
	Body          map[string]any `json:"body,omitempty"`
}

// Send appends one mail to the log. Mail is immutable after this; there is
// no update or delete.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Mail, error) {
	if req.ProjectID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "projectId is required", nil)
	}
	if req.FromSessionID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "fromSessionId is required", nil)
	}
	if req.Subject == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "subject is required", nil)
	}
	if !req.Type.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown mail type %q", req.Type), nil)
	}
	from, err := s.sessions.Get(ctx, req.FromSessionID)
	if err != nil {
		return nil, err
	}
	if from.ProjectID != req.ProjectID {
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("session %s belongs to a different project", req.FromSessionID), nil)
	}
	if req.ToSessionID != nil {
		to, err := s.sessions.Get(ctx, *req.ToSessionID)
		if err != nil {
			return nil, err
		}
		if to.ProjectID != req.ProjectID {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("session %s belongs to a different project", *req.ToSessionID), nil)
		}
	}
	if req.ReplyToMailID != nil {
		parent, err := s.repo.Get(ctx, *req.ReplyToMailID)
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != req.ProjectID {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("mail %s belongs to a different project", *req.ReplyToMailID), nil)
		}
	}

	m := &Mail{
		ID:            ulid.Make().String(),
		ProjectID:     req.ProjectID,
		FromSessionID: req.FromSessionID,
		ToSessionID:   req.ToSessionID,
		ReplyToMailID: req.ReplyToMailID,
		Type:          req.Type,
		Subject:       req.Subject,
		Body:          req.Body,
		CreatedAt:     time.Now(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, SentEvent{Mail: m})
	return m, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Mail, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Mail, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown mail type %q", filter.Type), nil)
	}
	return s.repo.List(ctx, filter)
}

// Replies returns the direct replies to a mail in send order.
func (s *Service) Replies(ctx context.Context, id string) ([]*Mail, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Replies(ctx, id)
}
