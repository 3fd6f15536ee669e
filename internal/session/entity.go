package session

import (
	"time"

	"github.com/kazz187/maestro/internal/queue"
)

type Status string

const (
	StatusSpawning  Status = "spawning"
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSpawning, StatusIdle, StatusWorking, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether the session has finished. Terminal sessions keep
// their task relationships for history but accept no further lifecycle
// changes or queue advancement.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyQueue  Strategy = "queue"
)

func (s Strategy) Valid() bool {
	return s == StrategyDirect || s == StrategyQueue
}

type TimelineEventType string

const (
	TimelineSessionStarted TimelineEventType = "session_started"
	TimelineTaskStarted    TimelineEventType = "task_started"
	TimelineTaskCompleted  TimelineEventType = "task_completed"
	TimelineTaskFailed     TimelineEventType = "task_failed"
	TimelineTaskSkipped    TimelineEventType = "task_skipped"
	TimelineTaskBlocked    TimelineEventType = "task_blocked"
	TimelineNeedsInput     TimelineEventType = "needs_input"
	TimelineProgress       TimelineEventType = "progress"
	TimelineError          TimelineEventType = "error"
	TimelineMilestone      TimelineEventType = "milestone"
)

func (t TimelineEventType) Valid() bool {
	switch t {
	case TimelineSessionStarted, TimelineTaskStarted, TimelineTaskCompleted,
		TimelineTaskFailed, TimelineTaskSkipped, TimelineTaskBlocked,
		TimelineNeedsInput, TimelineProgress, TimelineError, TimelineMilestone:
		return true
	}
	return false
}

// TimelineEvent is one entry in a session's append-only history. Entries are
// never mutated after being appended.
type TimelineEvent struct {
	Type      TimelineEventType `yaml:"type" json:"type"`
	Message   string            `yaml:"message,omitempty" json:"message,omitempty"`
	TaskID    string            `yaml:"taskId,omitempty" json:"taskId,omitempty"`
	Timestamp time.Time         `yaml:"timestamp" json:"timestamp"`
}

type NeedsInput struct {
	Message   string    `yaml:"message" json:"message"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

type Session struct {
	ID         string            `yaml:"id" json:"id"`
	ProjectID  string            `yaml:"projectId" json:"projectId"`
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	TaskIDs    []string          `yaml:"taskIds" json:"taskIds"`
	Status     Status            `yaml:"status" json:"status"`
	Strategy   Strategy          `yaml:"strategy" json:"strategy"`
	EnvVars    map[string]string `yaml:"envVars,omitempty" json:"envVars,omitempty"`
	Timeline   []TimelineEvent   `yaml:"timeline" json:"timeline"`
	NeedsInput *NeedsInput       `yaml:"needsInput,omitempty" json:"needsInput,omitempty"`
	Queue      *queue.Queue      `yaml:"queue,omitempty" json:"queue,omitempty"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt  time.Time         `yaml:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time         `yaml:"updatedAt" json:"updatedAt"`
}

func (s *Session) HasTask(taskID string) bool {
	for _, id := range s.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}
