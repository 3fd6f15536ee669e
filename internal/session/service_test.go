package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazz187/maestro/internal/event"
	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/project"
	projectrepo "github.com/kazz187/maestro/internal/project/repositoryimpl"
	"github.com/kazz187/maestro/internal/queue"
	"github.com/kazz187/maestro/internal/relation"
	"github.com/kazz187/maestro/internal/session"
	sessionrepo "github.com/kazz187/maestro/internal/session/repositoryimpl"
	"github.com/kazz187/maestro/internal/task"
	taskrepo "github.com/kazz187/maestro/internal/task/repositoryimpl"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/keylock"
	"github.com/kazz187/maestro/pkg/storage"
)

type fixture struct {
	sessions  *session.Service
	tasks     *task.Service
	taskRepo  task.Repository
	projectID string
	events    *[]event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	locks := keylock.New()

	var events []event.Event
	bus.Subscribe("*", func(_ context.Context, ev event.Event) {
		events = append(events, ev)
	})

	projectRepo := projectrepo.NewYAMLRepository(st)
	taskRepo := taskrepo.NewYAMLRepository(st)
	sessionRepo := sessionrepo.NewYAMLRepository(st)
	relations := relation.NewStore(taskRepo, sessionRepo, locks, bus)
	taskSvc := task.NewService(taskRepo, projectRepo, relations, locks, bus)
	sessionSvc := session.NewService(sessionRepo, projectRepo, taskSvc, relations, locks, bus, session.SpawnConfig{
		Command:   "maestro-agent run",
		ServerURL: "http://localhost:4820",
	})

	ctx := context.Background()
	p := &project.Project{ID: "p1", Name: "demo", WorkingDir: "/work/demo", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, projectRepo.Create(ctx, p))

	return &fixture{
		sessions:  sessionSvc,
		tasks:     taskSvc,
		taskRepo:  taskRepo,
		projectID: p.ID,
		events:    &events,
	}
}

func (f *fixture) createTask(t *testing.T, title string) *task.Task {
	t.Helper()
	created, err := f.tasks.Create(context.Background(), task.CreateRequest{
		ProjectID: f.projectID,
		Title:     title,
	})
	require.NoError(t, err)
	return created
}

func (f *fixture) eventNames() []string {
	names := make([]string, 0, len(*f.events))
	for _, ev := range *f.events {
		names = append(names, ev.Name())
	}
	return names
}

func (f *fixture) lastSpawn(t *testing.T) session.SpawnEvent {
	t.Helper()
	for i := len(*f.events) - 1; i >= 0; i-- {
		if ev, ok := (*f.events)[i].(session.SpawnEvent); ok {
			return ev
		}
	}
	t.Fatal("no session:spawn event published")
	return session.SpawnEvent{}
}

func TestSpawnValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sessions.Spawn(ctx, session.SpawnRequest{TaskIDs: []string{"t"}})
	require.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = f.sessions.Spawn(ctx, session.SpawnRequest{ProjectID: f.projectID})
	require.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = f.sessions.Spawn(ctx, session.SpawnRequest{ProjectID: f.projectID, TaskIDs: []string{"ghost"}})
	require.True(t, cerr.IsCode(err, cerr.NotFound))

	created := f.createTask(t, "t")
	_, err = f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{created.ID},
		Strategy:  "round_robin",
	})
	require.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

// External callers address the optional session name as sessionName.
func TestSpawnRequestWireShape(t *testing.T) {
	var req session.SpawnRequest
	raw := `{"projectId":"p1","taskIds":["t1","t2"],"strategy":"queue","sessionName":"refactor bot"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	require.Equal(t, "refactor bot", req.Name)
	require.Equal(t, session.StrategyQueue, req.Strategy)
}

func TestSpawnStoresSessionName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.createTask(t, "t")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{created.ID},
		Name:      "refactor bot",
	})
	require.NoError(t, err)
	require.Equal(t, "refactor bot", sess.Name)
}

func TestSpawnLinksTasksAndPublishesPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	t2 := f.createTask(t, "two")
	_, err := f.tasks.Update(ctx, t1.ID, task.UpdateRequest{Skills: &[]string{"go", "sql"}})
	require.NoError(t, err)
	_, err = f.tasks.Update(ctx, t2.ID, task.UpdateRequest{Skills: &[]string{"go"}})
	require.NoError(t, err)

	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{t1.ID, t2.ID},
	})
	require.NoError(t, err)
	require.Equal(t, session.StatusSpawning, sess.Status)
	require.Equal(t, session.StrategyDirect, sess.Strategy)
	require.Equal(t, []string{t1.ID, t2.ID}, sess.TaskIDs)
	require.Equal(t, sess.ID, sess.EnvVars["MAESTRO_SESSION_ID"])

	for _, id := range []string{t1.ID, t2.ID} {
		got, err := f.tasks.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, []string{sess.ID}, got.SessionIDs)
	}

	spawn := f.lastSpawn(t)
	require.Equal(t, "maestro-agent run", spawn.Payload.Command)
	require.Equal(t, "/work/demo", spawn.Payload.Cwd)
	require.Equal(t, sess.ID, spawn.Payload.Manifest.SessionID)
	require.Len(t, spawn.Payload.Manifest.Tasks, 2)
	require.Equal(t, []string{"go", "sql"}, spawn.Payload.Manifest.Skills)
}

func TestSpawnQueueStrategyBuildsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	t2 := f.createTask(t, "two")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{t1.ID, t2.ID},
		Strategy:  session.StrategyQueue,
	})
	require.NoError(t, err)
	require.NotNil(t, sess.Queue)
	require.Len(t, sess.Queue.Items, 2)
	require.Equal(t, -1, sess.Queue.CurrentIndex)
}

func TestSpawnFailsClosedOnBadCommand(t *testing.T) {
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	locks := keylock.New()
	projectRepo := projectrepo.NewYAMLRepository(st)
	taskRepo := taskrepo.NewYAMLRepository(st)
	sessionRepo := sessionrepo.NewYAMLRepository(st)
	relations := relation.NewStore(taskRepo, sessionRepo, locks, bus)
	taskSvc := task.NewService(taskRepo, projectRepo, relations, locks, bus)
	// Empty agent command: spawn must not leave the session in spawning.
	sessionSvc := session.NewService(sessionRepo, projectRepo, taskSvc, relations, locks, bus, session.SpawnConfig{})

	ctx := context.Background()
	p := &project.Project{ID: "p1", Name: "demo", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, projectRepo.Create(ctx, p))
	created, err := taskSvc.Create(ctx, task.CreateRequest{ProjectID: "p1", Title: "t"})
	require.NoError(t, err)

	_, err = sessionSvc.Spawn(ctx, session.SpawnRequest{ProjectID: "p1", TaskIDs: []string{created.ID}})
	require.True(t, cerr.IsCode(err, cerr.Internal))

	all, err := sessionRepo.List(ctx, session.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, session.StatusFailed, all[0].Status)
	require.Equal(t, session.TimelineError, all[0].Timeline[len(all[0].Timeline)-1].Type)
}

func TestRegisterIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.createTask(t, "t")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{ProjectID: f.projectID, TaskIDs: []string{created.ID}})
	require.NoError(t, err)

	got, err := f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusIdle, got.Status)
	require.Equal(t, session.TimelineSessionStarted, got.Timeline[len(got.Timeline)-1].Type)
	entries := len(got.Timeline)

	got, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusIdle, got.Status)
	require.Len(t, got.Timeline, entries)

	_, err = f.sessions.Stop(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, sess.ID)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestNeedsInputRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.createTask(t, "t")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{ProjectID: f.projectID, TaskIDs: []string{created.ID}})
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)

	got, err := f.sessions.SetNeedsInput(ctx, sess.ID, "which branch?")
	require.NoError(t, err)
	require.NotNil(t, got.NeedsInput)
	require.Equal(t, "which branch?", got.NeedsInput.Message)
	require.Contains(t, f.eventNames(), "notify:needs_input")

	got, err = f.sessions.ClearNeedsInput(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, got.NeedsInput)

	_, err = f.sessions.Complete(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.sessions.SetNeedsInput(ctx, sess.ID, "too late")
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestAddRemoveTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	t2 := f.createTask(t, "two")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{t1.ID},
		Strategy:  session.StrategyQueue,
	})
	require.NoError(t, err)

	got, err := f.sessions.AddTask(ctx, sess.ID, t2.ID)
	require.NoError(t, err)
	require.Equal(t, []string{t1.ID, t2.ID}, got.TaskIDs)
	require.Len(t, got.Queue.Items, 2)

	// Linking the same task twice is refused.
	_, err = f.sessions.AddTask(ctx, sess.ID, t2.ID)
	require.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	got, err = f.sessions.RemoveTask(ctx, sess.ID, t2.ID)
	require.NoError(t, err)
	require.Equal(t, []string{t1.ID}, got.TaskIDs)
	require.Len(t, got.Queue.Items, 1)

	taskSide, err := f.tasks.Get(ctx, t2.ID)
	require.NoError(t, err)
	require.Empty(t, taskSide.SessionIDs)
}

// Exercises the whole queue worker protocol: spawn, register, take, report,
// drain.
func TestQueueWorkerLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	t2 := f.createTask(t, "two")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{t1.ID, t2.ID},
		Strategy:  session.StrategyQueue,
	})
	require.NoError(t, err)

	_, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)

	// First take hands out t1 and moves everything to in-flight.
	res, err := f.sessions.TakeNext(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	require.Equal(t, t1.ID, res.Item.TaskID)
	require.Equal(t, task.StatusInProgress, res.Task.Status)
	require.NotNil(t, res.Task.StartedAt)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusWorking, got.Status)
	require.Equal(t, 0, got.Queue.CurrentIndex)
	require.Equal(t, queue.ItemStatusProcessing, got.Queue.Items[0].Status)

	// Taking again while t1 is processing is a conflict.
	_, err = f.sessions.TakeNext(ctx, sess.ID)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	// Completing t1 finishes the queue item and the task.
	_, err = f.sessions.ReportResult(ctx, sess.ID, session.ReportRequest{TaskID: t1.ID, Result: session.ResultCompleted})
	require.NoError(t, err)

	got, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, queue.ItemStatusCompleted, got.Queue.Items[0].Status)

	doneTask, err := f.tasks.Get(ctx, t1.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, doneTask.Status)
	require.NotNil(t, doneTask.CompletedAt)
	firstCompleted := *doneTask.CompletedAt

	// Second item fails; the aggregate task stays todo for a retry elsewhere.
	res, err = f.sessions.TakeNext(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, t2.ID, res.Item.TaskID)
	_, err = f.sessions.ReportResult(ctx, sess.ID, session.ReportRequest{
		TaskID:  t2.ID,
		Result:  session.ResultFailed,
		Message: "compile error",
	})
	require.NoError(t, err)

	got, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, queue.ItemStatusFailed, got.Queue.Items[1].Status)
	require.Equal(t, "compile error", got.Queue.Items[1].FailReason)

	failedTask, err := f.tasks.Get(ctx, t2.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, failedTask.Status)
	require.Contains(t, f.eventNames(), "notify:task_failed")

	// Exhausted queue: no item, session parks in idle.
	res, err = f.sessions.TakeNext(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, res.Item)
	got, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusIdle, got.Status)
	require.Equal(t, -1, got.Queue.CurrentIndex)

	// completedAt never moves once set.
	doneTask, err = f.tasks.Get(ctx, t1.ID)
	require.NoError(t, err)
	require.Equal(t, firstCompleted, *doneTask.CompletedAt)
}

func TestReportBlockedLeavesItemProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{t1.ID},
		Strategy:  session.StrategyQueue,
	})
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.sessions.TakeNext(ctx, sess.ID)
	require.NoError(t, err)

	_, err = f.sessions.ReportResult(ctx, sess.ID, session.ReportRequest{
		TaskID:  t1.ID,
		Result:  session.ResultBlocked,
		Message: "waiting on review",
	})
	require.NoError(t, err)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, queue.ItemStatusProcessing, got.Queue.Items[0].Status)

	blocked, err := f.tasks.Get(ctx, t1.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusBlocked, blocked.Status)

	// The worker still owns the item and can finish it later.
	_, err = f.sessions.ReportResult(ctx, sess.ID, session.ReportRequest{TaskID: t1.ID, Result: session.ResultSkipped})
	require.NoError(t, err)
	got, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, queue.ItemStatusSkipped, got.Queue.Items[0].Status)
}

func TestTakeNextRefusedOnDirectStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{ProjectID: f.projectID, TaskIDs: []string{t1.ID}})
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)

	_, err = f.sessions.TakeNext(ctx, sess.ID)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestTerminalSessionRefusesWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: f.projectID,
		TaskIDs:   []string{t1.ID},
		Strategy:  session.StrategyQueue,
	})
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.sessions.Complete(ctx, sess.ID)
	require.NoError(t, err)

	_, err = f.sessions.TakeNext(ctx, sess.ID)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	_, err = f.sessions.ReportResult(ctx, sess.ID, session.ReportRequest{TaskID: t1.ID, Result: session.ResultCompleted})
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	t2 := f.createTask(t, "two")
	_, err = f.sessions.AddTask(ctx, sess.ID, t2.ID)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestDirectStrategyReportAdvancesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t, "one")
	sess, err := f.sessions.Spawn(ctx, session.SpawnRequest{ProjectID: f.projectID, TaskIDs: []string{t1.ID}})
	require.NoError(t, err)
	_, err = f.sessions.Register(ctx, sess.ID)
	require.NoError(t, err)

	// Worker reports completion on a task still in todo; the intermediate
	// transition is filled in and completedAt set.
	_, err = f.sessions.ReportResult(ctx, sess.ID, session.ReportRequest{TaskID: t1.ID, Result: session.ResultCompleted})
	require.NoError(t, err)

	got, err := f.tasks.Get(ctx, t1.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, task.StatusCompleted, got.SessionStatuses[sess.ID])
}
