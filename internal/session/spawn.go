package session

// SpawnRequest asks the service to allocate a session for the given tasks.
// The service never launches a process itself; it prepares everything the
// external launcher needs and hands it over in the spawn event payload.
type SpawnRequest struct {
	ProjectID string            `json:"projectId"`
	TaskIDs   []string          `json:"taskIds"`
	Strategy  Strategy          `json:"strategy"`
	Name      string            `json:"sessionName,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskContext is the slice of a task the spawned agent receives in its
// manifest.
type TaskContext struct {
	TaskID      string   `json:"taskId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Priority    string   `json:"priority"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// Manifest is the opaque payload the launcher passes to the agent process.
type Manifest struct {
	SessionID string        `json:"sessionId"`
	ProjectID string        `json:"projectId"`
	Strategy  Strategy      `json:"strategy"`
	Tasks     []TaskContext `json:"tasks"`
	Skills    []string      `json:"skills,omitempty"`
	ServerURL string        `json:"serverUrl"`
}

// SpawnPayload carries everything an external process-launcher needs to
// start the agent for a freshly spawned session.
type SpawnPayload struct {
	SessionID string            `json:"sessionId"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd"`
	EnvVars   map[string]string `json:"envVars"`
	Manifest  Manifest          `json:"manifest"`
}
