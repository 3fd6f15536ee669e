package mail

// SentEvent announces new mail. Directly addressed mail is scoped to its
// recipient session; broadcasts are visible to every subscriber.
type SentEvent struct {
	Mail *Mail `json:"mail"`
}

func (SentEvent) Name() string { return "mail:sent" }

func (e SentEvent) SessionScope() (string, bool) {
	if e.Mail.Broadcast() {
		return "", false
	}
	return *e.Mail.ToSessionID, true
}
