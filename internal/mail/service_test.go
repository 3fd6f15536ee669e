package mail_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazz187/maestro/internal/event"
	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/mail"
	mailrepo "github.com/kazz187/maestro/internal/mail/repositoryimpl"
	"github.com/kazz187/maestro/internal/session"
	sessionrepo "github.com/kazz187/maestro/internal/session/repositoryimpl"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/storage"
)

type fixture struct {
	service *mail.Service
	events  *[]event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()

	var events []event.Event
	bus.Subscribe("*", func(_ context.Context, ev event.Event) {
		events = append(events, ev)
	})

	sessionRepo := sessionrepo.NewYAMLRepository(st)
	ctx := context.Background()
	for _, seed := range []struct {
		id, projectID string
	}{
		{"s1", "p1"}, {"s2", "p1"}, {"s3", "p2"},
	} {
		require.NoError(t, sessionRepo.Create(ctx, &session.Session{
			ID:        seed.id,
			ProjectID: seed.projectID,
			Status:    session.StatusIdle,
			Strategy:  session.StrategyDirect,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}))
	}

	return &fixture{
		service: mail.NewService(mailrepo.NewYAMLRepository(st), sessionRepo, bus),
		events:  &events,
	}
}

func ptr(s string) *string { return &s }

func TestSendValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  mail.SendRequest
		code cerr.Code
	}{
		{
			name: "missing project",
			req:  mail.SendRequest{FromSessionID: "s1", Type: mail.TypeQuery, Subject: "x"},
			code: cerr.InvalidArgument,
		},
		{
			name: "missing sender",
			req:  mail.SendRequest{ProjectID: "p1", Type: mail.TypeQuery, Subject: "x"},
			code: cerr.InvalidArgument,
		},
		{
			name: "missing subject",
			req:  mail.SendRequest{ProjectID: "p1", FromSessionID: "s1", Type: mail.TypeQuery},
			code: cerr.InvalidArgument,
		},
		{
			name: "bad type",
			req:  mail.SendRequest{ProjectID: "p1", FromSessionID: "s1", Type: "gossip", Subject: "x"},
			code: cerr.InvalidArgument,
		},
		{
			name: "unknown sender",
			req:  mail.SendRequest{ProjectID: "p1", FromSessionID: "ghost", Type: mail.TypeQuery, Subject: "x"},
			code: cerr.NotFound,
		},
		{
			name: "sender in other project",
			req:  mail.SendRequest{ProjectID: "p1", FromSessionID: "s3", Type: mail.TypeQuery, Subject: "x"},
			code: cerr.InvalidArgument,
		},
		{
			name: "recipient in other project",
			req:  mail.SendRequest{ProjectID: "p1", FromSessionID: "s1", ToSessionID: ptr("s3"), Type: mail.TypeQuery, Subject: "x"},
			code: cerr.InvalidArgument,
		},
		{
			name: "reply to unknown mail",
			req:  mail.SendRequest{ProjectID: "p1", FromSessionID: "s1", ReplyToMailID: ptr("nope"), Type: mail.TypeResponse, Subject: "x"},
			code: cerr.NotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Send(ctx, tt.req)
			require.True(t, cerr.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestSendDirectScopesEventToRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID:     "p1",
		FromSessionID: "s1",
		ToSessionID:   ptr("s2"),
		Type:          mail.TypeQuery,
		Subject:       "does the schema migrate?",
		Body:          map[string]any{"table": "users"},
	})
	require.NoError(t, err)
	require.False(t, m.Broadcast())

	require.Len(t, *f.events, 1)
	sent, ok := (*f.events)[0].(mail.SentEvent)
	require.True(t, ok)
	scope, scoped := sent.SessionScope()
	require.True(t, scoped)
	require.Equal(t, "s2", scope)
}

func TestSendBroadcastIsUnscoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID:     "p1",
		FromSessionID: "s1",
		Type:          mail.TypeNotification,
		Subject:       "deploy frozen until monday",
	})
	require.NoError(t, err)
	require.True(t, m.Broadcast())

	sent, ok := (*f.events)[0].(mail.SentEvent)
	require.True(t, ok)
	_, scoped := sent.SessionScope()
	require.False(t, scoped)
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	direct, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID: "p1", FromSessionID: "s1", ToSessionID: ptr("s2"),
		Type: mail.TypeQuery, Subject: "direct",
	})
	require.NoError(t, err)
	broadcast, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID: "p1", FromSessionID: "s2",
		Type: mail.TypeNotification, Subject: "broadcast",
	})
	require.NoError(t, err)

	// s1 sees its own sent mail and the broadcast.
	got, err := f.service.List(ctx, mail.ListFilter{ProjectID: "p1", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// s2 sees the mail addressed to it and its own broadcast.
	got, err = f.service.List(ctx, mail.ListFilter{ProjectID: "p1", SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// A stranger session only sees the broadcast.
	got, err = f.service.List(ctx, mail.ListFilter{ProjectID: "p1", SessionID: "s3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, broadcast.ID, got[0].ID)

	_ = direct
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID: "p1", FromSessionID: "s1",
		Type: mail.TypeStatusUpdate, Subject: "first",
	})
	require.NoError(t, err)
	time.Sleep(time.Millisecond) // keep the two createdAt values apart
	second, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID: "p1", FromSessionID: "s1",
		Type: mail.TypeQuery, Subject: "second",
	})
	require.NoError(t, err)

	got, err := f.service.List(ctx, mail.ListFilter{ProjectID: "p1", Type: mail.TypeQuery})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, second.ID, got[0].ID)

	// Since is an exclusive cursor: mail at or before the cursor is skipped.
	got, err = f.service.List(ctx, mail.ListFilter{ProjectID: "p1", Since: first.CreatedAt})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, second.ID, got[0].ID)

	_, err = f.service.List(ctx, mail.ListFilter{Type: "gossip"})
	require.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID: "p1", FromSessionID: "s1", ToSessionID: ptr("s2"),
		Type: mail.TypeQuery, Subject: "which port?",
	})
	require.NoError(t, err)
	reply, err := f.service.Send(ctx, mail.SendRequest{
		ProjectID: "p1", FromSessionID: "s2", ToSessionID: ptr("s1"),
		ReplyToMailID: &parent.ID,
		Type:          mail.TypeResponse, Subject: "4820",
	})
	require.NoError(t, err)
	require.Equal(t, parent.ID, *reply.ReplyToMailID)

	got, err := f.service.Replies(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, reply.ID, got[0].ID)

	got, err = f.service.Replies(ctx, reply.ID)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = f.service.Replies(ctx, "ghost")
	require.True(t, cerr.IsCode(err, cerr.NotFound))
}
