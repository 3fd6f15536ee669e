package project

import "github.com/kazz187/maestro/internal/event"

type CreatedEvent struct {
	event.Unscoped
	Project *Project `json:"project"`
}

func (CreatedEvent) Name() string { return "project:created" }

type UpdatedEvent struct {
	event.Unscoped
	Project *Project `json:"project"`
}

func (UpdatedEvent) Name() string { return "project:updated" }

type DeletedEvent struct {
	event.Unscoped
	ProjectID string `json:"projectId"`
}

func (DeletedEvent) Name() string { return "project:deleted" }
