package mjapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Endpoint paths of the MJAPI service
const (
	PathRegister = "/user/register"
	PathLogin    = "/user/login"
	PathTrial    = "/user/trial"
	PathUser     = "/user"
	PathLogout   = "/user/logout"
	PathList     = "/mjai/list"
	PathUsage    = "/mjai/usage"
	PathLimit    = "/mjai/limit"
	PathStart    = "/mjai/start"
	PathAct      = "/mjai/act"
	PathBatch    = "/mjai/batch"
	PathStop     = "/mjai/stop"
)

// TrialCode is the promotional code accepted by /user/trial
const TrialCode = "FREE_TRIAL_SPONSORED_BY_MJAPI_DiscordID_9ns4esyx"

// DefaultTimeout bounds a single request/response round trip
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned for calls made after Close
var ErrClosed = errors.New("mjapi: client closed")

// Payload is a decoded JSON object returned by the service
type Payload map[string]interface{}

// ErrorMessage reports the value of the "error" key, if the payload has one.
// Non-string values are formatted with fmt.Sprint.
func (p Payload) ErrorMessage() (string, bool) {
	v, ok := p["error"]
	if !ok {
		return "", false
	}
	if s, isString := v.(string); isString {
		return s, true
	}
	return fmt.Sprint(v), true
}

// HasError reports whether the payload is error-shaped
func (p Payload) HasError() bool {
	_, ok := p["error"]
	return ok
}

// Action is one sequenced mjai event sent to the bot
type Action struct {
	Seq  int         `json:"seq"`
	Data interface{} `json:"data"`
}

// RegisterRequest is the request body for /user/register
type RegisterRequest struct {
	Name string `json:"name"`
}

// LoginRequest is the request body for /user/login
type LoginRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// TrialRequest is the request body for /user/trial
type TrialRequest struct {
	Code string `json:"code"`
}

// StartRequest is the request body for /mjai/start
type StartRequest struct {
	ID    int    `json:"id"`
	Bound int    `json:"bound"`
	Model string `json:"model"`
}

// TransportError is a network-level failure: dial, timeout, reset or a
// request made on a closed client.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mjapi: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a structured {"error": ...} payload on a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
	Body       Payload
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mjapi: error in response %d: %s", e.StatusCode, e.Message)
}

// AuthenticationError means login or trial did not yield an identity
type AuthenticationError struct {
	Body Payload
	Err  error
}

func (e *AuthenticationError) Error() string {
	if msg, ok := e.Body.ErrorMessage(); ok {
		return fmt.Sprintf("mjapi: authentication failed: %s", msg)
	}
	return fmt.Sprintf("mjapi: authentication failed: %v", map[string]interface{}(e.Body))
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ProtocolError is a response the client cannot interpret
type ProtocolError struct {
	StatusCode int
	Body       string
	Reason     string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("mjapi: unexpected response, status code %d", e.StatusCode)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ClientConfig holds the configuration for the MJAPI client
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Logger    *zerolog.Logger
}

// DefaultConfig returns a default client configuration
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:   DefaultTimeout,
		UserAgent: "mjapi-go",
	}
}
