package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/maestro/internal/event"
	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/session"
	"github.com/kazz187/maestro/internal/task"
)

// Dispatcher turns notify:* domain events into web-push notifications. It
// consumes the bus through a buffered channel subscriber so push delivery
// never blocks the publishing service operation.
type Dispatcher struct {
	eventBus *eventbus.Bus
	sender   *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		sender:   sender,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Channel(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.Info("notify dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("notify dispatcher stopped")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !strings.HasPrefix(ev.Name(), "notify:") {
				continue
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case task.NotifyEvent:
		d.sender.SendToAll(ctx, taskPayload(e))
	case session.NeedsInputEvent:
		d.sender.SendToAll(ctx, &Payload{
			Title: "Agent Needs Input",
			Body:  e.Message,
			URL:   fmt.Sprintf("/sessions/%s", e.SessionID),
			Tag:   e.SessionID,
		})
	}
}

func taskPayload(e task.NotifyEvent) *Payload {
	title := "Maestro"
	switch e.Kind {
	case task.NotifyTaskCompleted:
		title = "Task Completed"
	case task.NotifyTaskFailed:
		title = "Task Failed"
	case task.NotifyTaskBlocked:
		title = "Task Blocked"
	case task.NotifyTaskInReview:
		title = "Task Ready for Review"
	}
	return &Payload{
		Title: title,
		Body:  e.Task.Title,
		URL:   fmt.Sprintf("/projects/%s/tasks/%s", e.Task.ProjectID, e.Task.ID),
		Tag:   e.Task.ID,
	}
}
