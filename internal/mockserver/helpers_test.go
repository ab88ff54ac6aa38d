package mockserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexbotov/mjapi/pkg/mjapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "mockserver-test-secret"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, queryLimit int) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(newTestStore(t), NewTokenIssuer(testSecret, time.Hour), Config{
		Models:     []string{"mortal", "mortal-v4"},
		QueryLimit: queryLimit,
		TrialCode:  mjapi.TrialCode,
	}, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T, baseURL string) *mjapi.Client {
	t.Helper()
	client := mjapi.NewClient(&mjapi.ClientConfig{BaseURL: baseURL, Timeout: 5 * time.Second})
	t.Cleanup(func() { client.Close() })
	return client
}

// loggedInClient registers a fresh account and logs the client in
func loggedInClient(t *testing.T, baseURL, name string) *mjapi.Client {
	t.Helper()
	ctx := context.Background()
	client := newClient(t, baseURL)

	reg, err := client.Register(ctx, name)
	require.NoError(t, err)
	secret, ok := reg["secret"].(string)
	require.True(t, ok, "register response lacks secret: %v", reg)

	require.NoError(t, client.Login(ctx, name, secret))
	return client
}
