package project

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/keylock"
)

// Counter reports how many entities of some kind belong to a project.
// The task and session repositories implement it; Delete uses it to refuse
// removing a project that still owns anything.
type Counter interface {
	CountByProject(ctx context.Context, projectID string) (int, error)
}

type Service struct {
	repo     Repository
	tasks    Counter
	sessions Counter
	locks    *keylock.KeyLock
	bus      *eventbus.Bus
}

func NewService(repo Repository, tasks, sessions Counter, locks *keylock.KeyLock, bus *eventbus.Bus) *Service {
	return &Service{
		repo:     repo,
		tasks:    tasks,
		sessions: sessions,
		locks:    locks,
		bus:      bus,
	}
}

type CreateRequest struct {
	Name        string `json:"name"`
	WorkingDir  string `json:"workingDir"`
	Description string `json:"description"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Project, error) {
	if req.Name == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "project name is required", nil)
	}
	now := time.Now()
	p := &Project{
		ID:          ulid.Make().String(),
		Name:        req.Name,
		WorkingDir:  req.WorkingDir,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, CreatedEvent{Project: p})
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Project, error) {
	return s.repo.List(ctx)
}

type UpdateRequest struct {
	Name        *string `json:"name"`
	WorkingDir  *string `json:"workingDir"`
	Description *string `json:"description"`
}

func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Project, error) {
	var p *Project
	err := s.locks.Do("project/"+id, func() error {
		var err error
		p, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			if *req.Name == "" {
				return cerr.NewError(cerr.InvalidArgument, "project name must not be empty", nil)
			}
			p.Name = *req.Name
		}
		if req.WorkingDir != nil {
			p.WorkingDir = *req.WorkingDir
		}
		if req.Description != nil {
			p.Description = *req.Description
		}
		p.UpdatedAt = time.Now()
		return s.repo.Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Project: p})
	return p, nil
}

// Delete removes a project. Projects that still own tasks or sessions are
// never deleted; there is no cascading delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.locks.Do("project/"+id, func() error {
		if _, err := s.repo.Get(ctx, id); err != nil {
			return err
		}
		taskCount, err := s.tasks.CountByProject(ctx, id)
		if err != nil {
			return err
		}
		if taskCount > 0 {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("project %s still owns %d task(s)", id, taskCount), nil)
		}
		sessionCount, err := s.sessions.CountByProject(ctx, id)
		if err != nil {
			return err
		}
		if sessionCount > 0 {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("project %s still owns %d session(s)", id, sessionCount), nil)
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, DeletedEvent{ProjectID: id})
	return nil
}
