// Package relay speaks the store-and-forward relay contract: typed envelopes, a
// retrying HTTP client, the per-session poller and an in-memory relay server.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"securepeer/logging"
	"securepeer/models"
	"securepeer/storage"
)

const (
	// DefaultMaxRetries bounds retries of one relay call after the first attempt.
	DefaultMaxRetries = 3
	// DefaultInitialBackoff is the first retry delay; later delays grow exponentially.
	DefaultInitialBackoff = 250 * time.Millisecond
	// DefaultRequestTimeout bounds one HTTP attempt.
	DefaultRequestTimeout = 10 * time.Second
	// MaxQueryLength caps search query size.
	MaxQueryLength = 64
)

// ClientOptions configures a relay Client. BaseURL is required.
type ClientOptions struct {
	BaseURL        string
	HTTPClient     *http.Client
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// User is the relay's public directory entry.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey []byte `json:"publicKey"`
}

// StatusError is a non-2xx relay response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay %s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("relay %s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

// Unwrap classifies 5xx responses as relay failures and 4xx as validation failures.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 {
		return models.ErrRelay
	}
	return models.ErrValidation
}

// Client calls one relay. It holds no package level state; every Client is built from
// an explicit base URL.
type Client struct {
	base       string
	http       *http.Client
	maxRetries uint64
	initial    time.Duration
	logger     *logrus.Logger
}

// NewClient validates options and returns a Client.
func NewClient(options ClientOptions) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/")
	if base == "" {
		return nil, errors.New("relay base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid relay base url %q", options.BaseURL)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	retries := options.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = DefaultMaxRetries
	}
	initial := options.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}

	return &Client{
		base:       base,
		http:       httpClient,
		maxRetries: uint64(retries),
		initial:    initial,
		logger:     logging.OrDiscard(options.Logger),
	}, nil
}

// BaseURL returns the relay root this client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

// Register publishes the identity in the relay directory.
func (c *Client) Register(ctx context.Context, user User) error {
	if user.ID == "" || user.Username == "" || len(user.PublicKey) == 0 {
		return fmt.Errorf("%w: register requires id, username and public key", models.ErrValidation)
	}

	err := c.do(ctx, http.MethodPost, "/register", user, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
		return fmt.Errorf("%w: %q is taken on the relay", models.ErrDuplicateUsername, user.Username)
	}
	return err
}

// SearchUsers returns directory entries whose username contains query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(query) > MaxQueryLength {
		return nil, fmt.Errorf("%w: query must be 1-%d characters", models.ErrMalformedQuery, MaxQueryLength)
	}

	var users []User
	if err := c.do(ctx, http.MethodGet, "/users?q="+url.QueryEscape(query), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// LookupUser fetches one directory entry by id.
func (c *Client) LookupUser(ctx context.Context, id string) (User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/user/"+url.PathEscape(id), nil, &user)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return User{}, fmt.Errorf("%w: %q", models.ErrUnknownPeer, id)
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

type sendResponse struct {
	Success bool      `json:"success"`
	Request *Envelope `json:"request,omitempty"`
	Signal  *Envelope `json:"signal,omitempty"`
}

// SendRequest posts env on the request queue and returns it with the relay-assigned
// id and timestamp.
func (c *Client) SendRequest(ctx context.Context, env Envelope) (Envelope, error) {
	if env.Type.Queue() != storage.QueueRequest {
		return Envelope{}, fmt.Errorf("%w: %s does not travel on the request queue", models.ErrValidation, env.Type)
	}
	return c.send(ctx, "/request", env)
}

// SendSignal posts env on the signal queue and returns it with the relay-assigned id
// and timestamp. Acceptance by the relay says nothing about peer receipt.
func (c *Client) SendSignal(ctx context.Context, env Envelope) (Envelope, error) {
	if env.Type.Queue() != storage.QueueSignal {
		return Envelope{}, fmt.Errorf("%w: %s does not travel on the signal queue", models.ErrValidation, env.Type)
	}
	return c.send(ctx, "/signal", env)
}

// PollRequests returns every request envelope addressed to userID.
func (c *Client) PollRequests(ctx context.Context, userID string) ([]Envelope, error) {
	var envs []Envelope
	if err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(userID), nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// PollSignals returns every signal envelope addressed to userID.
func (c *Client) PollSignals(ctx context.Context, userID string) ([]Envelope, error) {
	var envs []Envelope
	if err := c.do(ctx, http.MethodGet, "/signals/"+url.PathEscape(userID), nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) send(ctx context.Context, path string, env Envelope) (Envelope, error) {
	if env.From == "" || env.To == "" {
		return Envelope{}, fmt.Errorf("%w: envelope requires from and to", models.ErrValidation)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownEnvelopeType, env.Type)
	}

	body := Envelope{From: env.From, To: env.To, Type: env.Type, Payload: env.Payload}
	var out sendResponse
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return Envelope{}, err
	}

	stored := out.Request
	if stored == nil {
		stored = out.Signal
	}
	if !out.Success || stored == nil || stored.ID == "" {
		return Envelope{}, fmt.Errorf("%w: relay %s returned no stored envelope", models.ErrRelay, path)
	}

	c.logger.WithFields(logrus.Fields{
		"envelope_id": stored.ID,
		"type":        stored.Type,
		"to":          stored.To,
	}).Debug("relay envelope sent")
	return *stored, nil
}

// do runs one JSON call with exponential backoff. Transport errors and 5xx responses
// are retried; 4xx responses and context cancellation are final.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode relay %s %s: %w", method, path, err)
		}
		payload = encoded
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)

	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := c.once(ctx, method, path, payload, out)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"retry":  wait.String(),
		}).WithError(err).Debug("relay call failed, retrying")
	}

	err := backoff.RetryNotify(attempt, retry, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s %s: %v", models.ErrRelay, method, path, ctxErr)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", models.ErrRelay, method, path, err)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build relay request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&msg)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: msg.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay %s %s: %w", method, path, err)
	}
	return nil
}
