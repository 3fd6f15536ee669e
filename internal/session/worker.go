package session

import (
	"context"
	"fmt"
	"time"

	"github.com/kazz187/maestro/internal/queue"
	"github.com/kazz187/maestro/internal/task"
	"github.com/kazz187/maestro/pkg/cerr"
)

// TakeNextResult is what a queue worker receives when asking for work.
// Item is nil when the queue is exhausted.
type TakeNextResult struct {
	Item *queue.Item `json:"item,omitempty"`
	Task *task.Task  `json:"task,omitempty"`
}

// TakeNext advances the session queue to the next queued item and moves the
// underlying task into in_progress. Workers must finish the current item
// (report completed, failed, or skipped) before taking another; a take on a
// processing item is a conflict, never a silent re-hand-out. An exhausted
// queue parks the session back in idle.
func (s *Service) TakeNext(ctx context.Context, id string) (*TakeNextResult, error) {
	var sess *Session
	var item *queue.Item
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
		if sess.Strategy != StrategyQueue || sess.Queue == nil {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("session %s uses the %s strategy", id, sess.Strategy), nil)
		}
		item, err = sess.Queue.TakeNext()
		if err != nil {
			return err
		}
		now := time.Now()
		if item == nil {
			if sess.Status == StatusWorking {
				sess.Status = StatusIdle
			}
		} else {
			sess.Status = StatusWorking
			sess.Timeline = append(sess.Timeline, TimelineEvent{
				Type:      TimelineTaskStarted,
				TaskID:    item.TaskID,
				Timestamp: now,
			})
		}
		sess.UpdatedAt = now
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, QueueUpdatedEvent{Session: sess})
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})
	if item == nil {
		return &TakeNextResult{}, nil
	}

	t, err := s.advanceTask(ctx, item.TaskID, task.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if _, err := s.tasks.SetSessionStatus(ctx, item.TaskID, id, task.StatusInProgress); err != nil {
		return nil, err
	}
	return &TakeNextResult{Item: item, Task: t}, nil
}

type Result string

const (
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
	ResultSkipped   Result = "skipped"
	ResultBlocked   Result = "blocked"
)

func (r Result) Valid() bool {
	switch r {
	case ResultCompleted, ResultFailed, ResultSkipped, ResultBlocked:
		return true
	}
	return false
}

type ReportRequest struct {
	TaskID  string `json:"taskId"`
	Result  Result `json:"result"`
	Message string `json:"message,omitempty"`
}

var resultTimeline = map[Result]TimelineEventType{
	ResultCompleted: TimelineTaskCompleted,
	ResultFailed:    TimelineTaskFailed,
	ResultSkipped:   TimelineTaskSkipped,
	ResultBlocked:   TimelineTaskBlocked,
}

// ReportResult records the outcome of work on one task: the queue item (for
// queue sessions) reaches its terminal sub-state, the session timeline gets
// the matching entry, and the task status advances. A blocked report leaves
// the queue item processing — the worker still owns it and decides its fate
// later.
func (s *Service) ReportResult(ctx context.Context, id string, req ReportRequest) (*Session, error) {
	if req.TaskID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "taskId is required", nil)
	}
	if !req.Result.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown result %q", req.Result), nil)
	}
	var sess *Session
	var queueTouched bool
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
		if !sess.HasTask(req.TaskID) {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("task %s is not assigned to session %s", req.TaskID, id), nil)
		}
		if sess.Strategy == StrategyQueue && sess.Queue != nil && req.Result != ResultBlocked {
			cur := sess.Queue.Current()
			if cur == nil || cur.TaskID != req.TaskID || cur.Status != queue.ItemStatusProcessing {
				return cerr.NewError(cerr.FailedPrecondition,
					fmt.Sprintf("task %s is not the item being processed", req.TaskID), nil)
			}
			switch req.Result {
			case ResultCompleted:
				_, err = sess.Queue.Complete()
			case ResultFailed:
				_, err = sess.Queue.Fail(req.Message)
			case ResultSkipped:
				_, err = sess.Queue.Skip()
			}
			if err != nil {
				return err
			}
			queueTouched = true
		}
		sess.Timeline = append(sess.Timeline, TimelineEvent{
			Type:      resultTimeline[req.Result],
			Message:   req.Message,
			TaskID:    req.TaskID,
			Timestamp: time.Now(),
		})
		sess.UpdatedAt = time.Now()
		return s.repo.Update(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if queueTouched {
		s.bus.Publish(ctx, QueueUpdatedEvent{Session: sess})
	}
	s.bus.Publish(ctx, UpdatedEvent{Session: sess})

	switch req.Result {
	case ResultCompleted:
		if _, err := s.advanceTask(ctx, req.TaskID, task.StatusCompleted); err != nil {
			return nil, err
		}
		if _, err := s.tasks.SetSessionStatus(ctx, req.TaskID, id, task.StatusCompleted); err != nil {
			return nil, err
		}
	case ResultBlocked:
		if _, err := s.advanceTask(ctx, req.TaskID, task.StatusBlocked); err != nil {
			return nil, err
		}
		if _, err := s.tasks.SetSessionStatus(ctx, req.TaskID, id, task.StatusBlocked); err != nil {
			return nil, err
		}
	case ResultFailed:
		// Tasks have no failed status; the aggregate stays where it is so
		// another session can pick the task up. Watchers hear about it on
		// the notify channel.
		t, err := s.tasks.Get(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		s.bus.Publish(ctx, task.NotifyEvent{Kind: task.NotifyTaskFailed, Task: t, SessionID: id})
	}
	return sess, nil
}

// advanceTask steps the task toward want, filling in intermediate
// transitions the worker skipped (a direct-strategy worker may report
// completed on a task still sitting in todo). Already being at or past the
// wanted status is not an error: another session may have advanced the
// aggregate first.
func (s *Service) advanceTask(ctx context.Context, taskID string, want task.Status) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == want {
		return t, nil
	}
	if t.Status == task.StatusTodo && want != task.StatusInProgress {
		t, err = s.tasks.UpdateStatus(ctx, taskID, task.StatusInProgress)
		if err != nil {
			return nil, err
		}
	}
	if !t.Status.CanTransitionTo(want) {
		return t, nil
	}
	return s.tasks.UpdateStatus(ctx, taskID, want)
}
