package session

import "github.com/kazz187/maestro/internal/event"

// Session events are scoped to their session so bridge subscribers filtering
// on session ids only see the sessions they asked for.

type SpawnEvent struct {
	Session *Session     `json:"session"`
	Payload SpawnPayload `json:"payload"`
}

func (SpawnEvent) Name() string { return "session:spawn" }

func (e SpawnEvent) SessionScope() (string, bool) { return e.Session.ID, true }

type UpdatedEvent struct {
	Session *Session `json:"session"`
}

func (UpdatedEvent) Name() string { return "session:updated" }

func (e UpdatedEvent) SessionScope() (string, bool) { return e.Session.ID, true }

type TaskAddedEvent struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
}

func (TaskAddedEvent) Name() string { return "session:task_added" }

func (e TaskAddedEvent) SessionScope() (string, bool) { return e.SessionID, true }

type TaskRemovedEvent struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
}

func (TaskRemovedEvent) Name() string { return "session:task_removed" }

func (e TaskRemovedEvent) SessionScope() (string, bool) { return e.SessionID, true }

type QueueUpdatedEvent struct {
	Session *Session `json:"session"`
}

func (QueueUpdatedEvent) Name() string { return "queue:updated" }

func (e QueueUpdatedEvent) SessionScope() (string, bool) { return e.Session.ID, true }

// NeedsInputEvent is the notify-channel variant of a needs_input timeline
// entry. It is deliberately unscoped: watchers alerting on stuck sessions
// should see it even when they filter events to other sessions.
type NeedsInputEvent struct {
	event.Unscoped
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (NeedsInputEvent) Name() string { return "notify:needs_input" }
