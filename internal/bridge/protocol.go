package bridge

import "time"

// The bridge speaks newline-delimited JSON in both directions over one
// long-lived TCP connection per subscriber.

const (
	// server -> client control acks; event envelopes use the domain event
	// name as their type instead of a constant
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"

	// client -> server
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Envelope is one outbound line. For event envelopes, Type and Event both
// carry the domain event name and Data its payload.
type Envelope struct {
	Type       string    `json:"type"`
	Event      string    `json:"event,omitempty"`
	Data       any       `json:"data,omitempty"`
	SessionIDs []string  `json:"sessionIds,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Control is one inbound line. "subscribe" installs (or replaces) the
// connection's session-id filter; "unsubscribe" clears it so the connection
// receives everything again.
type Control struct {
	Type       string   `json:"type"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}
