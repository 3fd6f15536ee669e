package mail

import (
	"context"
	"time"
)

// ListFilter narrows List results. SessionID applies the visibility rule
// (own, addressed, broadcast); Since is an exclusive cursor on CreatedAt.
type ListFilter struct {
	ProjectID string
	SessionID string
	Type      Type
	Since     time.Time
}

type Repository interface {
	Create(ctx context.Context, m *Mail) error
	Get(ctx context.Context, id string) (*Mail, error)
	List(ctx context.Context, filter ListFilter) ([]*Mail, error)
	Replies(ctx context.Context, mailID string) ([]*Mail, error)
}
