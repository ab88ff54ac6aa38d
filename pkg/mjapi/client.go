package mjapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is an MJAPI client that keeps at most one request in flight.
//
// All operations share a single keep-alive connection. The server rate
// limits per user, so concurrent callers are queued on mu instead of
// opening parallel connections. The client never retries.
type Client struct {
	config     *ClientConfig
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	// mu is held for one round trip at a time and guards token and closed.
	mu     sync.Mutex
	token  string
	closed bool

	closeOnce sync.Once
}

// NewClient creates a new MJAPI client with its own single-connection transport
func NewClient(config *ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return NewClientWithHTTPClient(config, &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	})
}

// NewClientWithHTTPClient creates a new MJAPI client with a custom HTTP client
func NewClientWithHTTPClient(config *ClientConfig, httpClient *http.Client) *Client {
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	c := &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
	// Safety net only; owners are expected to call Close.
	runtime.SetFinalizer(c, (*Client).Close)
	return c
}

// Close releases the underlying connection. It waits for an in-flight
// request to finish and is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.httpClient.CloseIdleConnections()
		c.mu.Unlock()
		runtime.SetFinalizer(c, nil)
	})
	return nil
}

// Token returns the active bearer token, or "" when none is set
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// setBearerToken installs the token used for the Authorization header.
// It takes mu so a token never changes in the middle of a round trip.
func (c *Client) setBearerToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// send performs one serialized round trip and returns the status and raw body
func (c *Client) send(ctx context.Context, method, path string, reqBody interface{}) (int, []byte, error) {
	var bodyBytes []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyBytes = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, nil, &TransportError{Method: method, Path: path, Err: ErrClosed}
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("request_id", requestID).
		Msg("round trip")

	return resp.StatusCode, respBody, nil
}

// request sends a query-style call. With raiseError unset, transport
// failures and structured error payloads are not returned as errors: the
// former yield a nil payload and the latter the payload itself. A response
// that cannot be interpreted is always an error.
func (c *Client) request(ctx context.Context, method, path string, reqBody interface{}, raiseError bool) (Payload, error) {
	status, body, err := c.send(ctx, method, path, reqBody)
	if err != nil {
		var transportErr *TransportError
		if !raiseError && errors.As(err, &transportErr) {
			c.logger.Warn().Err(err).Str("path", path).Msg("suppressed transport error")
			return nil, nil
		}
		return nil, err
	}
	return processResponse(status, body, raiseError)
}

func (c *Client) get(ctx context.Context, path string, raiseError bool) (Payload, error) {
	return c.request(ctx, http.MethodGet, path, nil, raiseError)
}

func (c *Client) post(ctx context.Context, path string, reqBody interface{}, raiseError bool) (Payload, error) {
	return c.request(ctx, http.MethodPost, path, reqBody, raiseError)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isEmpty(body []byte) bool {
	return len(bytes.TrimSpace(body)) == 0
}

// processResponse returns results or an error for the query-style path
func processResponse(status int, body []byte, raiseError bool) (Payload, error) {
	if isSuccess(status) {
		if isEmpty(body) {
			return nil, nil
		}
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, &ProtocolError{StatusCode: status, Body: string(body), Reason: "invalid JSON"}
		}
		return p, nil
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil || p == nil {
		return nil, &ProtocolError{StatusCode: status, Body: string(body)}
	}
	message, ok := p.ErrorMessage()
	if !ok {
		return nil, &ProtocolError{StatusCode: status, Body: string(body)}
	}
	if raiseError {
		return nil, &APIError{StatusCode: status, Message: message, Body: p}
	}
	return p, nil
}

// postAct sends an action query and interprets the reply.
//
// The result is nil when the bot has nothing to do, the reaction object
// under "act" on success, or the whole error payload when the server
// answered with {"error": ...}. Anything else is a *ProtocolError.
func (c *Client) postAct(ctx context.Context, path string, seq int, reqBody interface{}) (Payload, error) {
	status, body, err := c.send(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return nil, err
	}

	if isEmpty(body) {
		if isSuccess(status) {
			return nil, nil
		}
		return nil, &ProtocolError{StatusCode: status}
	}

	var p Payload
	decodeErr := json.Unmarshal(body, &p)

	if isSuccess(status) {
		if decodeErr != nil {
			return nil, &ProtocolError{StatusCode: status, Body: string(body), Reason: "invalid JSON"}
		}
		act, ok := p["act"]
		if !ok || act == nil {
			return nil, nil
		}
		reaction, isObject := act.(map[string]interface{})
		if !isObject {
			return nil, &ProtocolError{StatusCode: status, Body: string(body), Reason: "act is not an object"}
		}
		c.logger.Debug().Int("seq", seq).Interface("reaction", reaction).Msg("bot reaction")
		return Payload(reaction), nil
	}

	if decodeErr == nil && p.HasError() {
		return p, nil
	}
	return nil, &ProtocolError{StatusCode: status, Body: string(body)}
}

// adoptIdentity installs the "id" of a login or trial response as the token
func (c *Client) adoptIdentity(p Payload, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &AuthenticationError{Body: apiErr.Body, Err: apiErr}
	}
	if err != nil {
		return err
	}

	id, ok := p["id"]
	if !ok || id == nil {
		return &AuthenticationError{Body: p}
	}
	token, isString := id.(string)
	if !isString {
		token = fmt.Sprint(id)
	}
	c.setBearerToken(token)
	return nil
}

// Register creates a new account. The response body is returned unmodified.
func (c *Client) Register(ctx context.Context, name string) (Payload, error) {
	return c.post(ctx, PathRegister, &RegisterRequest{Name: name}, true)
}

// Login authenticates with name and secret and keeps the returned token.
// On failure the previous token stays active.
func (c *Client) Login(ctx context.Context, name, secret string) error {
	p, err := c.post(ctx, PathLogin, &LoginRequest{Name: name, Secret: secret}, true)
	return c.adoptIdentity(p, err)
}

// Trial logs in with a sponsored trial account
func (c *Client) Trial(ctx context.Context) error {
	p, err := c.post(ctx, PathTrial, &TrialRequest{Code: TrialCode}, true)
	return c.adoptIdentity(p, err)
}

// SetTempUser installs a caller-supplied token without contacting the server
func (c *Client) SetTempUser(token string) {
	c.setBearerToken(token)
}

// Logout ends the session on the server. The local token is kept.
func (c *Client) Logout(ctx context.Context) (Payload, error) {
	return c.post(ctx, PathLogout, nil, true)
}

// GetUserInfo returns the current user's info
func (c *Client) GetUserInfo(ctx context.Context) (Payload, error) {
	return c.get(ctx, PathUser, true)
}

// ListModels returns the names of the available models
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	p, err := c.get(ctx, PathList, true)
	if err != nil {
		return nil, err
	}

	raw, ok := p["models"].([]interface{})
	if !ok {
		return nil, &ProtocolError{StatusCode: http.StatusOK, Reason: `missing field "models"`}
	}
	models := make([]string, 0, len(raw))
	for _, m := range raw {
		name, isString := m.(string)
		if !isString {
			return nil, &ProtocolError{StatusCode: http.StatusOK, Reason: fmt.Sprintf("model name %v is not a string", m)}
		}
		models = append(models, name)
	}
	return models, nil
}

// GetUsage returns the number of bot queries used
func (c *Client) GetUsage(ctx context.Context) (int, error) {
	p, err := c.get(ctx, PathUsage, true)
	if err != nil {
		return 0, err
	}

	used, ok := p["used"].(float64)
	if !ok {
		return 0, &ProtocolError{StatusCode: http.StatusOK, Reason: `missing field "used"`}
	}
	return int(used), nil
}

// GetLimit returns the query limit body as sent by the server
func (c *Client) GetLimit(ctx context.Context) (Payload, error) {
	return c.get(ctx, PathLimit, true)
}

// StartBot starts a bot for seat id with the given model
func (c *Client) StartBot(ctx context.Context, id, bound int, model string) (Payload, error) {
	return c.post(ctx, PathStart, &StartRequest{ID: id, Bound: bound, Model: model}, true)
}

// StopBot stops the bot. It never fails: errors are logged and nil is
// returned, error payloads are returned as-is.
func (c *Client) StopBot(ctx context.Context) Payload {
	p, err := c.post(ctx, PathStop, nil, false)
	if err != nil {
		c.logger.Warn().Err(err).Msg("stop bot failed")
		return nil
	}
	return p
}

// Act sends a single event and returns the bot's reaction.
//
// A nil Payload with a nil error means the bot has no reaction for seq.
// An error-shaped Payload (see Payload.HasError) is returned, not raised.
func (c *Client) Act(ctx context.Context, seq int, data interface{}) (Payload, error) {
	return c.postAct(ctx, PathAct, seq, &Action{Seq: seq, Data: data})
}

// Batch sends several events in one request. The reaction belongs to the
// last action. An empty batch returns nil without contacting the server.
func (c *Client) Batch(ctx context.Context, actions []Action) (Payload, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	seq := actions[len(actions)-1].Seq
	return c.postAct(ctx, PathBatch, seq, actions)
}
