package task

import "github.com/kazz187/maestro/internal/event"

type CreatedEvent struct {
	event.Unscoped
	Task *Task `json:"task"`
}

func (CreatedEvent) Name() string { return "task:created" }

type UpdatedEvent struct {
	event.Unscoped
	Task *Task `json:"task"`
}

func (UpdatedEvent) Name() string { return "task:updated" }

type DeletedEvent struct {
	event.Unscoped
	TaskID string `json:"taskId"`
}

func (DeletedEvent) Name() string { return "task:deleted" }

type SessionAddedEvent struct {
	event.Unscoped
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

func (SessionAddedEvent) Name() string { return "task:session_added" }

type SessionRemovedEvent struct {
	event.Unscoped
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

func (SessionRemovedEvent) Name() string { return "task:session_removed" }

type NotifyKind string

const (
	NotifyTaskCompleted NotifyKind = "task_completed"
	NotifyTaskFailed    NotifyKind = "task_failed"
	NotifyTaskBlocked   NotifyKind = "task_blocked"
	NotifyTaskInReview  NotifyKind = "task_in_review"
)

// NotifyEvent flags status changes external watchers typically alert on, so
// they can subscribe to notify:* instead of diffing every task:updated.
type NotifyEvent struct {
	event.Unscoped
	Kind      NotifyKind `json:"kind"`
	Task      *Task      `json:"task"`
	SessionID string     `json:"sessionId,omitempty"`
}

func (e NotifyEvent) Name() string { return "notify:" + string(e.Kind) }
