package mockserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.RecordEvent(ctx, &Event{Type: EventLogin, UserID: "u-1", CreatedAt: base}))
	require.NoError(t, store.RecordEvent(ctx, &Event{
		Type: EventBotStarted, UserID: "u-1", Detail: json.RawMessage(`{"id":2}`), CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, store.RecordEvent(ctx, &Event{Type: EventLogin, UserID: "u-2"}))

	events, err := store.Events(ctx, "u-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventBotStarted, events[0].Type)
	assert.JSONEq(t, `{"id":2}`, string(events[0].Detail))
	assert.Equal(t, EventLogin, events[1].Type)
	assert.JSONEq(t, `{}`, string(events[1].Detail))

	events, err = store.Events(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestServer_RecordsAccountEvents(t *testing.T) {
	srv, ts := newTestServer(t, 0)
	ctx := context.Background()
	client := loggedInClient(t, ts.URL, "frank")

	_ = client.Login(ctx, "frank", "wrong")
	_, err := client.StartBot(ctx, 0, 1, "mortal")
	require.NoError(t, err)
	client.StopBot(ctx)
	_, err = client.Logout(ctx)
	require.NoError(t, err)

	user, err := srv.store.GetUserByName(ctx, "frank")
	require.NoError(t, err)
	events, err := srv.store.Events(ctx, user.ID, 0)
	require.NoError(t, err)

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.ElementsMatch(t, []string{
		EventRegistered, EventLogin, EventLoginFailed, EventBotStarted, EventBotStopped, EventLogout,
	}, types)
}
