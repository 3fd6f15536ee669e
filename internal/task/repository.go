package task

import "context"

// ListFilter narrows List results. RootOnly selects tasks without a parent
// and is mutually exclusive with ParentID.
type ListFilter struct {
	ProjectID string
	Status    Status
	ParentID  string
	RootOnly  bool
}

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
	CountByProject(ctx context.Context, projectID string) (int, error)
}
