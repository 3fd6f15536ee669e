package queue

import (
	"fmt"
	"time"

	"github.com/kazz187/maestro/pkg/cerr"
)

type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusSkipped    ItemStatus = "skipped"
)

type Item struct {
	TaskID      string     `yaml:"taskId" json:"taskId"`
	Status      ItemStatus `yaml:"status" json:"status"`
	AddedAt     time.Time  `yaml:"addedAt" json:"addedAt"`
	StartedAt   *time.Time `yaml:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `yaml:"completedAt,omitempty" json:"completedAt,omitempty"`
	FailReason  string     `yaml:"failReason,omitempty" json:"failReason,omitempty"`
}

// Queue orders the tasks of a queue-strategy session. CurrentIndex points at
// the active item, or -1 when the queue has never been advanced or is
// exhausted. At most one item is ever in processing state.
type Queue struct {
	SessionID    string    `yaml:"sessionId" json:"sessionId"`
	Items        []Item    `yaml:"items" json:"items"`
	CurrentIndex int       `yaml:"currentIndex" json:"currentIndex"`
	CreatedAt    time.Time `yaml:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `yaml:"updatedAt" json:"updatedAt"`
}

// New materializes a queue from the task ids in assignment order.
func New(sessionID string, taskIDs []string) *Queue {
	now := time.Now()
	items := make([]Item, 0, len(taskIDs))
	for _, id := range taskIDs {
		items = append(items, Item{
			TaskID:  id,
			Status:  ItemStatusQueued,
			AddedAt: now,
		})
	}
	return &Queue{
		SessionID:    sessionID,
		Items:        items,
		CurrentIndex: -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Current returns the item at CurrentIndex, or nil when the queue is idle.
func (q *Queue) Current() *Item {
	if q.CurrentIndex < 0 || q.CurrentIndex >= len(q.Items) {
		return nil
	}
	return &q.Items[q.CurrentIndex]
}

// TakeNext marks the next queued item as processing and advances
// CurrentIndex to it. Calling it while the current item is still processing
// is a conflict; the worker must complete, fail, or skip the item first.
// When no queued items remain it resets CurrentIndex to -1 and returns nil.
func (q *Queue) TakeNext() (*Item, error) {
	if cur := q.Current(); cur != nil && cur.Status == ItemStatusProcessing {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s is still processing", cur.TaskID), nil)
	}
	for i := range q.Items {
		if q.Items[i].Status != ItemStatusQueued {
			continue
		}
		now := time.Now()
		q.Items[i].Status = ItemStatusProcessing
		q.Items[i].StartedAt = &now
		q.CurrentIndex = i
		q.UpdatedAt = now
		return &q.Items[i], nil
	}
	q.CurrentIndex = -1
	q.UpdatedAt = time.Now()
	return nil, nil
}

// Complete marks the current processing item completed. CurrentIndex stays
// on the finished item until the worker calls TakeNext again.
func (q *Queue) Complete() (*Item, error) {
	return q.finish(ItemStatusCompleted, "")
}

// Fail marks the current processing item failed with the given reason.
func (q *Queue) Fail(reason string) (*Item, error) {
	return q.finish(ItemStatusFailed, reason)
}

// Skip marks the current processing item skipped.
func (q *Queue) Skip() (*Item, error) {
	return q.finish(ItemStatusSkipped, "")
}

func (q *Queue) finish(status ItemStatus, reason string) (*Item, error) {
	cur := q.Current()
	if cur == nil || cur.Status != ItemStatusProcessing {
		return nil, cerr.NewError(cerr.FailedPrecondition, "no task is processing", nil)
	}
	now := time.Now()
	cur.Status = status
	cur.CompletedAt = &now
	cur.FailReason = reason
	q.UpdatedAt = now
	return cur, nil
}

// Append adds a task to the end of the queue. Appending a task that is
// already queued or processing is a conflict; finished items may be re-added
// to run the task again.
func (q *Queue) Append(taskID string) error {
	for i := range q.Items {
		switch q.Items[i].Status {
		case ItemStatusQueued, ItemStatusProcessing:
			if q.Items[i].TaskID == taskID {
				return cerr.NewError(cerr.AlreadyExists,
					fmt.Sprintf("task %s is already queued", taskID), nil)
			}
		}
	}
	now := time.Now()
	q.Items = append(q.Items, Item{
		TaskID:  taskID,
		Status:  ItemStatusQueued,
		AddedAt: now,
	})
	q.UpdatedAt = now
	return nil
}

// Remove drops the first queued item for the task. Processing items cannot
// be removed; finished items are history and stay.
func (q *Queue) Remove(taskID string) error {
	for i := range q.Items {
		if q.Items[i].TaskID != taskID {
			continue
		}
		switch q.Items[i].Status {
		case ItemStatusProcessing:
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("task %s is processing and cannot be removed", taskID), nil)
		case ItemStatusQueued:
			q.Items = append(q.Items[:i], q.Items[i+1:]...)
			if q.CurrentIndex > i {
				q.CurrentIndex--
			}
			q.UpdatedAt = time.Now()
			return nil
		}
	}
	return cerr.NewError(cerr.NotFound,
		fmt.Sprintf("task %s is not queued", taskID), nil)
}

// Pending reports whether any item is still queued or processing.
func (q *Queue) Pending() bool {
	for i := range q.Items {
		switch q.Items[i].Status {
		case ItemStatusQueued, ItemStatusProcessing:
			return true
		}
	}
	return false
}
