package mockserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexbotov/mjapi/pkg/mjapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tsumo(actor int, pai string) map[string]interface{} {
	return map[string]interface{}{"type": "tsumo", "actor": actor, "pai": pai}
}

func TestServer_AccountFlow(t *testing.T) {
	_, ts := newTestServer(t, 100)
	ctx := context.Background()
	client := loggedInClient(t, ts.URL, "alice")
	assert.NotEmpty(t, client.Token())

	info, err := client.GetUserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", info["name"])
	assert.Equal(t, false, info["trial"])

	_, err = client.Register(ctx, "alice")
	var apiErr *mjapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	token := client.Token()
	err = client.Login(ctx, "alice", "wrong-secret")
	var authErr *mjapi.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, token, client.Token())

	_, err = client.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, client.Token())

	_, err = client.GetUserInfo(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestServer_Trial(t *testing.T) {
	_, ts := newTestServer(t, 100)
	ctx := context.Background()
	client := newClient(t, ts.URL)

	require.NoError(t, client.Trial(ctx))
	info, err := client.GetUserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, info["trial"])
}

func TestServer_TempUser(t *testing.T) {
	_, ts := newTestServer(t, 100)
	ctx := context.Background()
	owner := loggedInClient(t, ts.URL, "bob")

	borrowed := newClient(t, ts.URL)
	borrowed.SetTempUser(owner.Token())
	info, err := borrowed.GetUserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", info["name"])

	stranger := newClient(t, ts.URL)
	stranger.SetTempUser("garbage")
	_, err = stranger.GetUserInfo(ctx)
	var apiErr *mjapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestServer_BotFlow(t *testing.T) {
	_, ts := newTestServer(t, 100)
	ctx := context.Background()
	client := loggedInClient(t, ts.URL, "carol")

	models, err := client.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mortal", "mortal-v4"}, models)

	_, err = client.StartBot(ctx, 2, 3, "unknown")
	var apiErr *mjapi.APIError
	require.ErrorAs(t, err, &apiErr)

	started, err := client.StartBot(ctx, 2, 3, "mortal")
	require.NoError(t, err)
	assert.Equal(t, "bot started", started["message"])

	reaction, err := client.Act(ctx, 0, tsumo(1, "3m"))
	require.NoError(t, err)
	assert.Nil(t, reaction)

	reaction, err = client.Act(ctx, 1, tsumo(2, "7s"))
	require.NoError(t, err)
	assert.Equal(t, mjapi.Payload{"type": "dahai", "actor": float64(2), "pai": "7s", "tsumogiri": true}, reaction)

	reaction, err = client.Batch(ctx, []mjapi.Action{
		{Seq: 2, Data: map[string]interface{}{"type": "dahai", "actor": 2, "pai": "7s"}},
		{Seq: 3, Data: tsumo(2, "E")},
	})
	require.NoError(t, err)
	assert.Equal(t, "E", reaction["pai"])

	// A gap is reported in the payload, not as an error.
	reaction, err = client.Act(ctx, 9, tsumo(2, "N"))
	require.NoError(t, err)
	require.True(t, reaction.HasError())
	assert.Equal(t, float64(4), reaction["expected"])

	used, err := client.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, used)

	limit, err := client.GetLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(100), limit["limit"])
	assert.Equal(t, float64(97), limit["remaining"])

	stopped := client.StopBot(ctx)
	assert.Equal(t, "bot stopped", stopped["message"])

	stopped = client.StopBot(ctx)
	assert.True(t, stopped.HasError())

	reaction, err = client.Act(ctx, 4, tsumo(2, "N"))
	require.NoError(t, err)
	assert.True(t, reaction.HasError())
}

func TestServer_QueryLimit(t *testing.T) {
	_, ts := newTestServer(t, 1)
	ctx := context.Background()
	client := loggedInClient(t, ts.URL, "dave")

	_, err := client.StartBot(ctx, 0, 1, "mortal")
	require.NoError(t, err)

	_, err = client.Act(ctx, 0, tsumo(1, "1p"))
	require.NoError(t, err)

	reaction, err := client.Act(ctx, 1, tsumo(1, "2p"))
	require.NoError(t, err)
	msg, ok := reaction.ErrorMessage()
	require.True(t, ok)
	assert.Equal(t, "query limit reached", msg)
}

func TestServer_ConcurrentCallersShareOneClient(t *testing.T) {
	_, ts := newTestServer(t, 0)
	ctx := context.Background()
	client := loggedInClient(t, ts.URL, "erin")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.GetUsage(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent call failed: %v", err)
	}
}

func TestSerialMiddleware_RejectsOverlap(t *testing.T) {
	srv := New(newTestStore(t), NewTokenIssuer(testSecret, time.Hour), Config{}, zerolog.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := srv.SerialMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodGet, "/mjai/usage", nil)
	first.Header.Set("Authorization", "Bearer tok")
	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, first)
		done <- rec.Code
	}()
	<-entered

	second := httptest.NewRequest(http.MethodGet, "/mjai/usage", nil)
	second.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limited"}`, rec.Body.String())

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestServer_ClosedClient(t *testing.T) {
	_, ts := newTestServer(t, 0)
	client := newClient(t, ts.URL)
	require.NoError(t, client.Close())

	_, err := client.GetUserInfo(context.Background())
	assert.True(t, errors.Is(err, mjapi.ErrClosed))
}

func TestServer_NotFound(t *testing.T) {
	_, ts := newTestServer(t, 0)
	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
