// Package event defines the contract every domain event satisfies. The
// concrete variants live next to the entities they describe (task, session,
// mail, project); keeping only the interface here lets those packages
// publish events without import cycles.
package event

// Event is a domain event published on the bus. The set of implementations
// is closed: each domain package declares its own variants and nothing else
// may flow through the bus.
type Event interface {
	// Name is the routing key, "entity:action" (e.g. "task:updated",
	// "session:task_added", "notify:task_completed").
	Name() string

	// SessionScope returns the session a scoped event belongs to. Unscoped
	// events (project, task, and notify variants) return ok=false and are
	// delivered to every bridge connection regardless of filter.
	SessionScope() (sessionID string, ok bool)
}

// Unscoped is embedded by event variants that are never session-scoped.
type Unscoped struct{}

func (Unscoped) SessionScope() (string, bool) { return "", false }
