package mail

import "time"

type Type string

const (
	TypeAssignment   Type = "assignment"
	TypeStatusUpdate Type = "status_update"
	TypeQuery        Type = "query"
	TypeResponse     Type = "response"
	TypeDirective    Type = "directive"
	TypeNotification Type = "notification"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAssignment, TypeStatusUpdate, TypeQuery, TypeResponse, TypeDirective, TypeNotification:
		return true
	}
	return false
}

// Mail is one entry in the append-only inter-session message log. A nil
// ToSessionID broadcasts to every session in the project. Mail is never
// mutated or deleted once written.
type Mail struct {
	ID            string         `yaml:"id" json:"id"`
	ProjectID     string         `yaml:"projectId" json:"projectId"`
	FromSessionID string         `yaml:"fromSessionId" json:"fromSessionId"`
	ToSessionID   *string        `yaml:"toSessionId,omitempty" json:"toSessionId,omitempty"`
	ReplyToMailID *string        `yaml:"replyToMailId,omitempty" json:"replyToMailId,omitempty"`
	Type          Type           `yaml:"type" json:"type"`
	Subject       string         `yaml:"subject" json:"subject"`
	Body          map[string]any `yaml:"body,omitempty" json:"body,omitempty"`
	CreatedAt     time.Time      `yaml:"createdAt" json:"createdAt"`
}

// Broadcast reports whether the mail addresses the whole project.
func (m *Mail) Broadcast() bool {
	return m.ToSessionID == nil
}

// VisibleTo reports whether a session should see the mail: its own sent
// mail, mail addressed to it, and project broadcasts.
func (m *Mail) VisibleTo(sessionID string) bool {
	if m.FromSessionID == sessionID {
		return true
	}
	if m.Broadcast() {
		return true
	}
	return *m.ToSessionID == sessionID
}
