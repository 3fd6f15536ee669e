package relation

import (
	"context"
	"fmt"

	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/session"
	"github.com/kazz187/maestro/internal/task"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/keylock"
)

// Store owns the bidirectional task/session relationship. Every mutation
// updates both sides under the combined entity locks and publishes the
// symmetric event pair before releasing them, so no observer ever sees a
// half-linked world. Event handlers registered on the bus run inside these
// locks and must not call back into services that take entity locks.
type Store struct {
	tasks    task.Repository
	sessions session.Repository
	locks    *keylock.KeyLock
	bus      *eventbus.Bus
}

func NewStore(tasks task.Repository, sessions session.Repository, locks *keylock.KeyLock, bus *eventbus.Bus) *Store {
	return &Store{
		tasks:    tasks,
		sessions: sessions,
		locks:    locks,
		bus:      bus,
	}
}

func taskKey(id string) string    { return "task/" + id }
func sessionKey(id string) string { return "session/" + id }

// Link associates one task with one session on both sides.
func (s *Store) Link(ctx context.Context, taskID, sessionID string) error {
	return s.locks.DoMulti([]string{taskKey(taskID), sessionKey(sessionID)}, func() error {
		t, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if t.HasSession(sessionID) || sess.HasTask(taskID) {
			return cerr.NewError(cerr.AlreadyExists,
				fmt.Sprintf("task %s and session %s are already linked", taskID, sessionID), nil)
		}
		t.SessionIDs = append(t.SessionIDs, sessionID)
		if err := s.tasks.Update(ctx, t); err != nil {
			return err
		}
		sess.TaskIDs = append(sess.TaskIDs, taskID)
		if err := s.sessions.Update(ctx, sess); err != nil {
			// Roll the task side back so neither side dangles.
			t.SessionIDs = removeString(t.SessionIDs, sessionID)
			_ = s.tasks.Update(ctx, t)
			return err
		}
		s.publishLinked(ctx, taskID, sessionID)
		return nil
	})
}

// LinkSession links a freshly spawned session to every task in taskIDs as
// one unit. All tasks are validated before the first write; a write failure
// rolls back the task-side ids already written.
func (s *Store) LinkSession(ctx context.Context, sessionID string, taskIDs []string) error {
	keys := make([]string, 0, len(taskIDs)+1)
	keys = append(keys, sessionKey(sessionID))
	for _, id := range taskIDs {
		keys = append(keys, taskKey(id))
	}
	return s.locks.DoMulti(keys, func() error {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		tasks := make([]*task.Task, 0, len(taskIDs))
		for _, id := range taskIDs {
			t, err := s.tasks.Get(ctx, id)
			if err != nil {
				return err
			}
			if t.ProjectID != sess.ProjectID {
				return cerr.NewError(cerr.InvalidArgument,
					fmt.Sprintf("task %s belongs to a different project", id), nil)
			}
			if t.HasSession(sessionID) || sess.HasTask(id) {
				return cerr.NewError(cerr.AlreadyExists,
					fmt.Sprintf("task %s and session %s are already linked", id, sessionID), nil)
			}
			tasks = append(tasks, t)
		}

		var written []*task.Task
		rollback := func() {
			for _, t := range written {
				t.SessionIDs = removeString(t.SessionIDs, sessionID)
				_ = s.tasks.Update(ctx, t)
			}
		}
		for _, t := range tasks {
			t.SessionIDs = append(t.SessionIDs, sessionID)
			if err := s.tasks.Update(ctx, t); err != nil {
				rollback()
				return err
			}
			written = append(written, t)
		}
		for _, t := range tasks {
			sess.TaskIDs = append(sess.TaskIDs, t.ID)
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			rollback()
			return err
		}
		for _, t := range tasks {
			s.publishLinked(ctx, t.ID, sessionID)
		}
		return nil
	})
}

// Unlink removes the association from both sides.
func (s *Store) Unlink(ctx context.Context, taskID, sessionID string) error {
	return s.locks.DoMulti([]string{taskKey(taskID), sessionKey(sessionID)}, func() error {
		return s.unlinkLocked(ctx, taskID, sessionID)
	})
}

func (s *Store) unlinkLocked(ctx context.Context, taskID, sessionID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !t.HasSession(sessionID) && !sess.HasTask(taskID) {
		return cerr.NewError(cerr.NotFound,
			fmt.Sprintf("task %s and session %s are not linked", taskID, sessionID), nil)
	}
	t.SessionIDs = removeString(t.SessionIDs, sessionID)
	delete(t.SessionStatuses, sessionID)
	if err := s.tasks.Update(ctx, t); err != nil {
		return err
	}
	sess.TaskIDs = removeString(sess.TaskIDs, taskID)
	if err := s.sessions.Update(ctx, sess); err != nil {
		t.SessionIDs = append(t.SessionIDs, sessionID)
		_ = s.tasks.Update(ctx, t)
		return err
	}
	s.publishUnlinked(ctx, taskID, sessionID)
	return nil
}

// UnlinkAll removes every session association of a task, refusing when any
// linked session is still running. The task's session set can change between
// the unlocked read and taking the locks, so it re-reads and retries with a
// fresh lock set when that happens.
func (s *Store) UnlinkAll(ctx context.Context, taskID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if len(t.SessionIDs) == 0 {
			return nil
		}
		keys := []string{taskKey(taskID)}
		locked := map[string]bool{}
		for _, id := range t.SessionIDs {
			keys = append(keys, sessionKey(id))
			locked[id] = true
		}

		retry := false
		err = s.locks.DoMulti(keys, func() error {
			t, err := s.tasks.Get(ctx, taskID)
			if err != nil {
				return err
			}
			for _, id := range t.SessionIDs {
				if !locked[id] {
					retry = true
					return nil
				}
			}
			for _, id := range t.SessionIDs {
				sess, err := s.sessions.Get(ctx, id)
				if err != nil {
					return err
				}
				if !sess.Status.Terminal() {
					return cerr.NewError(cerr.FailedPrecondition,
						fmt.Sprintf("session %s is still %s", id, sess.Status), nil)
				}
			}
			for _, id := range append([]string(nil), t.SessionIDs...) {
				if err := s.unlinkLocked(ctx, taskID, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
	}
	return cerr.NewError(cerr.Aborted,
		fmt.Sprintf("task %s keeps gaining sessions while unlinking", taskID), nil)
}

// ActiveSessions returns the ids of non-terminal sessions linked to the task.
func (s *Store) ActiveSessions(ctx context.Context, taskID string) ([]string, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var active []string
	for _, id := range t.SessionIDs {
		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !sess.Status.Terminal() {
			active = append(active, id)
		}
	}
	return active, nil
}

func (s *Store) publishLinked(ctx context.Context, taskID, sessionID string) {
	s.bus.Publish(ctx, session.TaskAddedEvent{SessionID: sessionID, TaskID: taskID})
	s.bus.Publish(ctx, task.SessionAddedEvent{TaskID: taskID, SessionID: sessionID})
}

func (s *Store) publishUnlinked(ctx context.Context, taskID, sessionID string) {
	s.bus.Publish(ctx, session.TaskRemovedEvent{SessionID: sessionID, TaskID: taskID})
	s.bus.Publish(ctx, task.SessionRemovedEvent{TaskID: taskID, SessionID: sessionID})
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
