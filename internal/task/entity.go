package task

import "time"

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusInReview   Status = "in_review"
	StatusCompleted  Status = "completed"
	StatusArchived   Status = "archived"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Task struct {
	ID          string   `yaml:"id" json:"id"`
	ProjectID   string   `yaml:"projectId" json:"projectId"`
	ParentID    *string  `yaml:"parentId,omitempty" json:"parentId,omitempty"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Status      Status   `yaml:"status" json:"status"`
	Priority    Priority `yaml:"priority" json:"priority"`
	Prompt      string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	DependsOn   []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	SessionIDs  []string `yaml:"sessionIds" json:"sessionIds"`
	Skills      []string `yaml:"skills,omitempty" json:"skills,omitempty"`

	// SessionStatuses overlays a per-session view on top of Status, so two
	// sessions working the same task can report independent progress.
	SessionStatuses map[string]Status `yaml:"sessionStatuses,omitempty" json:"sessionStatuses,omitempty"`

	CreatedAt   time.Time  `yaml:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `yaml:"updatedAt" json:"updatedAt"`
	StartedAt   *time.Time `yaml:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `yaml:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// transitions lists the legal next statuses. Archiving is allowed from any
// non-terminal status; completed and archived are terminal.
var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusArchived},
	StatusInProgress: {StatusCompleted, StatusBlocked, StatusInReview, StatusArchived},
	StatusBlocked:    {StatusInProgress, StatusArchived},
	StatusInReview:   {StatusCompleted, StatusArchived},
	StatusCompleted:  {},
	StatusArchived:   {},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

func (t *Task) HasSession(sessionID string) bool {
	for _, id := range t.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}
