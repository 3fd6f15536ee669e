package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/project"
	"github.com/kazz187/maestro/internal/queue"
	"github.com/kazz187/maestro/internal/task"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/keylock"
	"github.com/kazz187/maestro/pkg/shellformat"
)

// Projects is the slice of the project repository the session service needs.
type Projects interface {
	Get(ctx context.Context, id string) (*project.Project, error)
}

// Tasks is the slice of the task service used for reads and status updates
// driven by queue progress. Its methods take the task lock themselves, so
// they are only called outside the session lock.
type Tasks interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	UpdateStatus(ctx context.Context, id string, next task.Status) (*task.Task, error)
	SetSessionStatus(ctx context.Context, id, sessionID string, status task.Status) (*task.Task, error)
}

// Relations mutates the task/session relationship through the relation
// store, which owns the bidirectional consistency invariant.
type Relations interface {
	LinkSession(ctx context.Context, sessionID string, taskIDs []string) error
	Link(ctx context.Context, taskID, sessionID string) error
	Unlink(ctx context.Context, taskID, sessionID string) error
}

// SpawnConfig tells the spawn payload how the external launcher should run
// the agent binary and where the agent reports back.
type SpawnConfig struct {
	Command   string
	ServerURL string
}

type Service struct {
	repo      Repository
	projects  Projects
	tasks     Tasks
	relations Relations
	locks     *keylock.KeyLock
	bus       *eventbus.Bus
	spawn     SpawnConfig
}

func NewService(repo Repository, projects Projects, tasks Tasks, relations Relations, locks *keylock.KeyLock, bus *eventbus.Bus, spawn SpawnConfig) *Service {
	return &Service{
		repo:      repo,
		projects:  projects,
		tasks:     tasks,
		relations: relations,
		locks:     locks,
		bus:       bus,
		spawn:     spawn,
	}
}

// Spawn allocates a session for the given tasks and publishes a
// session:spawn event carrying everything the external process-launcher
// needs. The service never starts a process itself. Spawn fails closed: if
// task validation or relationship bookkeeping fails after the session row is
// created, the session is marked failed with the reason on its timeline
// rather than left in spawning forever.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	if req.ProjectID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "projectId is required", nil)
	}
	if len(req.TaskIDs) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "taskIds must not be empty", nil)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyDirect
	}
	if !strategy.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown strategy %q", strategy), nil)
	}
	proj, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		t, err := s.tasks.Get(ctx, id)
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("task %s not found", id), nil)
			}
			return nil, err
		}
		if t.ProjectID != req.ProjectID {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("task %s belongs to a different project", id), nil)
		}
		tasks = append(tasks, t)
	}

	now := time.Now()
	sess := &Session{
		ID:        ulid.Make().String(),
		ProjectID: req.ProjectID,
		Name:      req.Name,
		TaskIDs:   []string{},
		Status:    StatusSpawning,
		Strategy:  strategy,
		Timeline:  []TimelineEvent{},
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess.EnvVars = map[string]string{
		"MAESTRO_SESSION_ID": sess.ID,
		"MAESTRO_PROJECT_ID": req.ProjectID,
		"MAESTRO_SERVER_URL": s.spawn.ServerURL,
	}
	if strategy == StrategyQueue {
		sess.Queue = queue.New(sess.ID, req.TaskIDs)
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}

	if err := s.relations.LinkSession(ctx, sess.ID, req.TaskIDs); err != nil {
		s.failSpawn(ctx, sess.ID, fmt.Sprintf("linking tasks failed: %v", err))
		return nil, err
	}

	sess, err = s.repo.Get(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	command, err := spawnCommand(s.spawn.Command)
	if err != nil {
		s.failSpawn(ctx, sess.ID, fmt.Sprintf("building spawn command failed: %v", err))
		return nil, cerr.NewError(cerr.Internal, "failed to build spawn command", err)
	}
	slog.DebugContext(ctx, "spawn command prepared",
		"session_id", sess.ID, "command", shellformat.Format(command))
	payload := SpawnPayload{
		SessionID: sess.ID,
		Command:   command,
		Cwd:       proj.WorkingDir,
		EnvVars:   sess.EnvVars,
		Manifest:  buildManifest(sess, tasks, s.spawn.ServerURL),
	}
	s.bus.Publish(ctx, SpawnEvent{Session: sess, Payload: payload})
	return sess, nil
}

// spawnCommand normalizes the configured agent command into a shell line
// the launcher can execute as-is, re-quoting each argument.
func spawnCommand(configured string) (string, error) {
	argv := strings.Fields(configured)
	if len(argv) == 0 {
		return "", fmt.Errorf("agent command is empty")
	}
	return shellformat.Join(argv)
}

// failSpawn transitions a half-spawned session to failed with the reason on
// its timeline. Best effort: the original error is what the caller sees.
func (s *Service) failSpawn(ctx context.Context, id, reason string) {
	_ = s.locks.Do(sessionKey(id), func() error {
		sess, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		sess.Status = StatusFailed
		sess.Timeline = append(sess.Timeline, TimelineEvent{
			Type:      TimelineError,
			Message:   reason,
			Timestamp: now,
		})
		sess.UpdatedAt = now
		if err := s.repo.Update(ctx, sess); err != nil {
			return err
		}
		s.bus.Publish(ctx, UpdatedEvent{Session: sess})
		return nil
	})
}

func buildManifest(sess *Session, tasks []*task.Task, serverURL string) Manifest {
	contexts := make([]TaskContext, 0, len(tasks))
	skillSet := map[string]bool{}
	for _, t := range tasks {
		contexts = append(contexts, TaskContext{
			TaskID:      t.ID,
			Title:       t.Title,
			Description: t.Description,
			Prompt:      t.Prompt,
			Priority:    string(t.Priority),
			DependsOn:   t.DependsOn,
			Skills:      t.Skills,
		})
		for _, sk := range t.Skills {
			skillSet[sk] = true
		}
	}
	skills := make([]string, 0, len(skillSet))
	for sk := range skillSet {
		skills = append(skills, sk)
	}
	sort.Strings(skills)
	return Manifest{
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		Strategy:  sess.Strategy,
		Tasks:     contexts,
		Skills:    skills,
		ServerURL: serverURL,
	}
}

func sessionKey(id string) string { return "session/" + id }

func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", filter.Status), nil)
	}
	return s.repo.List(ctx, filter)
}

// Register is called by the external agent process once it is alive.
// Re-registering an already idle or working session is a no-op so launcher
// retries stay safe.
func (s *Service) Register(ctx context.Context, id string) (*Session, error) {
	var sess *Session
	err := s.locks.Do(sessionKey(id), func() error {
		var err error
		sess, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		switch sess.Status {
		case StatusIdle, StatusWorking:
			return nil
		case StatusSpawning:
		default:
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("session %s is %s and cannot register", id, sess.Status), nil)
		}
		now := time.Now()
		sess.Status = StatusIdle
		sess.Timeline = append(sess.Timeline, TimelineEvent{
			Type:      TimelineSessionStarted,
			Timestamp: now,
		})
		sess.UpdatedAt = now
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})
	return sess, nil
}

// statusTransitions lists the legal next statuses. Terminal statuses accept
// nothing.
var statusTransitions = map[Status][]Status{
	StatusSpawning: {StatusIdle, StatusWorking, StatusFailed, StatusStopped},
	StatusIdle:     {StatusWorking, StatusCompleted, StatusFailed, StatusStopped},
	StatusWorking:  {StatusIdle, StatusCompleted, StatusFailed, StatusStopped},
}

func canTransition(from, to Status) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Session, error) {
	if !next.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", next), nil)
	}
	var sess *Session
	err := s.locks.Do(sessionKey(id), func() error {
		var err error
		sess, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == next {
			return nil
		}
		if !canTransition(sess.Status, next) {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("cannot transition session %s from %s to %s", id, sess.Status, next), nil)
		}
		sess.Status = next
		sess.UpdatedAt = time.Now()
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})
	return sess, nil
}

// Complete marks the session finished. Relationships and history stay; only
// the status changes, and the queue stops advancing.
func (s *Service) Complete(ctx context.Context, id string) (*Session, error) {
	return s.UpdateStatus(ctx, id, StatusCompleted)
}

// Stop terminates the session from the outside.
func (s *Service) Stop(ctx context.Context, id string) (*Session, error) {
	return s.UpdateStatus(ctx, id, StatusStopped)
}

// AppendTimeline adds one entry to the session history. Appends are pure
// adds; existing entries are never touched.
func (s *Service) AppendTimeline(ctx context.Context, id string, entry TimelineEvent) (*Session, error) {
	if !entry.Type.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown timeline event type %q", entry.Type), nil)
	}
	var sess *Session
	err := s.locks.Do(sessionKey(id), func() error {
		var err error
		sess, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now()
		}
		sess.Timeline = append(sess.Timeline, entry)
		sess.UpdatedAt = time.Now()
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})
	return sess, nil
}

// SetNeedsInput flags the session as waiting on a human and alerts watchers.
func (s *Service) SetNeedsInput(ctx context.Context, id, message string) (*Session, error) {
	var sess *Session
	err := s.locks.Do(sessionKey(id), func() error {
		var err error
		sess, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("session %s is %s", id, sess.Status), nil)
		}
		now := time.Now()
		sess.NeedsInput = &NeedsInput{Message: message, Timestamp: now}
		sess.Timeline = append(sess.Timeline, TimelineEvent{
			Type:      TimelineNeedsInput,
			Message:   message,
			Timestamp: now,
		})
		sess.UpdatedAt = now
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})
	s.bus.Publish(ctx, NeedsInputEvent{SessionID: id, Message: message})
	return sess, nil
}

func (s *Service) ClearNeedsInput(ctx context.Context, id string) (*Session, error) {
	var sess *Session
	err := s.locks.Do(sessionKey(id), func() error {
		var err error
		sess, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		sess.NeedsInput = nil
		sess.UpdatedAt = time.Now()
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})
	return sess, nil
}

// AddTask links one more task to the session, and queues it when the
// session distributes work through a queue.
func (s *Service) AddTask(ctx context.Context, id, taskID string) (*Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("session %s is %s", id, sess.Status), nil)
	}
	if err := s.relations.Link(ctx, taskID, id); err != nil {
		return nil, err
	}
	return s.updateQueue(ctx, id, func(q *queue.Queue) error {
		return q.Append(taskID)
	})
}

// RemoveTask drops the task from the queue (refusing while it is being
// processed) and then unlinks the relationship on both sides.
func (s *Service) RemoveTask(ctx context.Context, id, taskID string) (*Session, error) {
	sess, err := s.updateQueue(ctx, id, func(q *queue.Queue) error {
		err := q.Remove(taskID)
		if cerr.IsCode(err, cerr.NotFound) {
			// Already taken off the queue; the link may still exist.
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.relations.Unlink(ctx, taskID, id); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, sess.ID)
}

// updateQueue applies fn to the session queue under the session lock and
// publishes queue:updated when fn changed anything. Sessions on the direct
// strategy pass through untouched.
func (s *Service) updateQueue(ctx context.Context, id string, fn func(q *queue.Queue) error) (*Session, error) {
	var sess *Session
	var touched bool
	err := s.locks.Do(sessionKey(id), func() error {
		var err error
		sess, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Strategy != StrategyQueue || sess.Queue == nil {
			return nil
		}
		if err := fn(sess.Queue); err != nil {
			return err
		}
		sess.UpdatedAt = time.Now()
		touched = true
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if touched {
		s.bus.Publish(ctx, QueueUpdatedEvent{Session: sess})
	}
	return sess, nil
}
