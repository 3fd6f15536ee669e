package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/keylock"
)

// Projects is the slice of the project repository the task service needs.
type Projects interface {
	Exists(ctx context.Context, projectID string) (bool, error)
}

// Relations resolves the session side of the task/session relationship.
// Implemented by the relation store; the task service uses it to refuse
// deleting a task a live session is still working, and to cascade unlinks.
type Relations interface {
	ActiveSessions(ctx context.Context, taskID string) ([]string, error)
	UnlinkAll(ctx context.Context, taskID string) error
}

type Service struct {
	repo      Repository
	projects  Projects
	relations Relations
	locks     *keylock.KeyLock
	bus       *eventbus.Bus
}

func NewService(repo Repository, projects Projects, relations Relations, locks *keylock.KeyLock, bus *eventbus.Bus) *Service {
	return &Service{
		repo:      repo,
		projects:  projects,
		relations: relations,
		locks:     locks,
		bus:       bus,
	}
}

type CreateRequest struct {
	ProjectID   string   `json:"projectId"`
	ParentID    *string  `json:"parentId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Prompt      string   `json:"prompt"`
	DependsOn   []string `json:"dependsOn"`
	Skills      []string `json:"skills"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if req.ProjectID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "projectId is required", nil)
	}
	if req.Title == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "title is required", nil)
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown priority %q", priority), nil)
	}
	exists, err := s.projects.Exists(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("project %s not found", req.ProjectID), nil)
	}
	if req.ParentID != nil {
		parent, err := s.repo.Get(ctx, *req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != req.ProjectID {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("parent task %s belongs to a different project", parent.ID), nil)
		}
	}

	now := time.Now()
	t := &Task{
		ID:          ulid.Make().String(),
		ProjectID:   req.ProjectID,
		ParentID:    req.ParentID,
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusTodo,
		Priority:    priority,
		Prompt:      req.Prompt,
		DependsOn:   req.DependsOn,
		SessionIDs:  []string{},
		Skills:      req.Skills,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, CreatedEvent{Task: t})
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	if filter.RootOnly && filter.ParentID != "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "parentId and rootOnly are mutually exclusive", nil)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", filter.Status), nil)
	}
	return s.repo.List(ctx, filter)
}

type UpdateRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Priority    *Priority `json:"priority"`
	Prompt      *string   `json:"prompt"`
	ParentID    *string   `json:"parentId"`
	ClearParent bool      `json:"clearParent"`
	DependsOn   *[]string `json:"dependsOn"`
	Skills      *[]string `json:"skills"`
}

func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Task, error) {
	var t *Task
	err := s.locks.Do("task/"+id, func() error {
		var err error
		t, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if req.Title != nil {
			if *req.Title == "" {
				return cerr.NewError(cerr.InvalidArgument, "title must not be empty", nil)
			}
			t.Title = *req.Title
		}
		if req.Description != nil {
			logDescriptionDiff(ctx, t, *req.Description)
			t.Description = *req.Description
		}
		if req.Priority != nil {
			if !req.Priority.Valid() {
				return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown priority %q", *req.Priority), nil)
			}
			t.Priority = *req.Priority
		}
		if req.Prompt != nil {
			t.Prompt = *req.Prompt
		}
		if req.ClearParent {
			t.ParentID = nil
		} else if req.ParentID != nil {
			if err := s.checkParent(ctx, t, *req.ParentID); err != nil {
				return err
			}
			t.ParentID = req.ParentID
		}
		if req.DependsOn != nil {
			t.DependsOn = *req.DependsOn
		}
		if req.Skills != nil {
			t.Skills = *req.Skills
		}
		t.UpdatedAt = time.Now()
		return s.repo.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Task: t})
	return t, nil
}

// checkParent validates a reparenting: the parent must exist in the same
// project and must not be the task itself or one of its descendants.
func (s *Service) checkParent(ctx context.Context, t *Task, parentID string) error {
	if parentID == t.ID {
		return cerr.NewError(cerr.InvalidArgument, "task cannot be its own parent", nil)
	}
	parent, err := s.repo.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.ProjectID != t.ProjectID {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("parent task %s belongs to a different project", parentID), nil)
	}
	// Walk up from the candidate parent; hitting t means t would become
	// its own ancestor.
	seen := map[string]bool{t.ID: true}
	cur := parent
	for cur.ParentID != nil {
		if seen[*cur.ParentID] {
			return cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("reparenting %s under %s would create a cycle", t.ID, parentID), nil)
		}
		seen[cur.ID] = true
		cur, err = s.repo.Get(ctx, *cur.ParentID)
		if err != nil {
			return err
		}
	}
	return nil
}

func logDescriptionDiff(ctx context.Context, t *Task, next string) {
	if t.Description == next {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(t.Description),
		B:        difflib.SplitLines(next),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	})
	if err != nil {
		return
	}
	slog.DebugContext(ctx, "task description changed", "task_id", t.ID, "diff", strings.TrimRight(diff, "\n"))
}

// UpdateStatus drives the task state machine. startedAt and completedAt are
// set by the first transition into in_progress / completed and never
// rewritten.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Task, error) {
	if !next.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", next), nil)
	}
	var t *Task
	err := s.locks.Do("task/"+id, func() error {
		var err error
		t, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == next {
			return nil
		}
		if !t.Status.CanTransitionTo(next) {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("cannot transition task %s from %s to %s", id, t.Status, next), nil)
		}
		now := time.Now()
		t.Status = next
		t.UpdatedAt = now
		if next == StatusInProgress && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if next == StatusCompleted && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		return s.repo.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Task: t})
	switch next {
	case StatusCompleted:
		s.bus.Publish(ctx, NotifyEvent{Kind: NotifyTaskCompleted, Task: t})
	case StatusBlocked:
		s.bus.Publish(ctx, NotifyEvent{Kind: NotifyTaskBlocked, Task: t})
	case StatusInReview:
		s.bus.Publish(ctx, NotifyEvent{Kind: NotifyTaskInReview, Task: t})
	}
	return t, nil
}

// SetSessionStatus records a session-scoped status overlay without touching
// the aggregate task status.
func (s *Service) SetSessionStatus(ctx context.Context, id, sessionID string, status Status) (*Task, error) {
	if !status.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", status), nil)
	}
	var t *Task
	err := s.locks.Do("task/"+id, func() error {
		var err error
		t, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !t.HasSession(sessionID) {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("session %s is not associated with task %s", sessionID, id), nil)
		}
		if t.SessionStatuses == nil {
			t.SessionStatuses = make(map[string]Status)
		}
		t.SessionStatuses[sessionID] = status
		t.UpdatedAt = time.Now()
		return s.repo.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Task: t})
	return t, nil
}

// Delete removes a task. Tasks with children are never deleted; tasks an
// active session is still working are never deleted. Relationships to
// finished sessions are unlinked first so neither side keeps a dangling id.
//
// UnlinkAll takes the task and session locks itself, so it runs before the
// final locked delete rather than inside it; the delete re-checks that no
// session relinked and no child appeared in between.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	children, err := s.repo.List(ctx, ListFilter{ProjectID: t.ProjectID, ParentID: id})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s has %d child task(s)", id, len(children)), nil)
	}
	active, err := s.relations.ActiveSessions(ctx, id)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s is being worked by session %s", id, active[0]), nil)
	}
	if err := s.relations.UnlinkAll(ctx, id); err != nil {
		return err
	}
	err = s.locks.Do("task/"+id, func() error {
		t, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if len(t.SessionIDs) > 0 {
			return cerr.NewError(cerr.Aborted,
				fmt.Sprintf("session %s was linked to task %s during delete", t.SessionIDs[0], id), nil)
		}
		children, err := s.repo.List(ctx, ListFilter{ProjectID: t.ProjectID, ParentID: id})
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("task %s has %d child task(s)", id, len(children)), nil)
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, DeletedEvent{TaskID: id})
	return nil
}

func (s *Service) Children(ctx context.Context, id string) ([]*Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, ListFilter{ProjectID: t.ProjectID, ParentID: id})
}

type Node struct {
	Task     *Task   `json:"task"`
	Children []*Node `json:"children,omitempty"`
}

// Tree expands the subtree rooted at id. Parent chains are user data, so a
// loop is rejected instead of recursing forever.
func (s *Service) Tree(ctx context.Context, id string) (*Node, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.List(ctx, ListFilter{ProjectID: t.ProjectID})
	if err != nil {
		return nil, err
	}
	byParent := make(map[string][]*Task)
	for _, c := range all {
		if c.ParentID != nil {
			byParent[*c.ParentID] = append(byParent[*c.ParentID], c)
		}
	}
	visited := make(map[string]bool)
	return s.expand(t, byParent, visited)
}

func (s *Service) expand(t *Task, byParent map[string][]*Task, visited map[string]bool) (*Node, error) {
	if visited[t.ID] {
		return nil, cerr.NewError(cerr.Internal,
			fmt.Sprintf("task hierarchy contains a cycle through %s", t.ID), nil)
	}
	visited[t.ID] = true
	node := &Node{Task: t}
	for _, c := range byParent[t.ID] {
		child, err := s.expand(c, byParent, visited)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
