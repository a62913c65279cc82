// Package pulpclient is a session-authenticated HTTP client for one Pulp 3
// server. It knows how to follow Pulp's asynchronous task pointer
// pattern: any mutating call returns {task: "<href>"}, and the caller
// polls that href until the task reaches a terminal state.
package pulpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/pulp-manager/pkg/types"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Client talks to exactly one Pulp server over HTTP basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	username   string
	password   string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeouts sets the connect/read timeouts named by the
// remotes.sock_connect_timeout / sock_read_timeout application config keys.
func WithTimeouts(connect, read time.Duration) Option {
	return func(c *Client) {
		transport := cleanhttp.DefaultPooledTransport()
		transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext
		if rt, ok := c.httpClient.Transport.(*retryablehttp.RoundTripper); ok {
			rt.Client.HTTPClient.Transport = transport
			rt.Client.HTTPClient.Timeout = read
			return
		}
		c.httpClient.Transport = transport
		c.httpClient.Timeout = read
	}
}

// NewClient builds a Client whose transport retries transient network
// errors and 5xx responses with backoff, mirroring the retryablehttp +
// cleanhttp pairing used for external HTTP calls elsewhere in the stack.
func NewClient(baseURL, username, password string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pulp base url: %v", types.ErrConfigInvalid, err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = cleanhttp.DefaultPooledClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = retryablehttp.DefaultRetryPolicy

	c := &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    parsed,
		username:   username,
		password:   password,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HTTPError carries a non-2xx Pulp response, including the verbatim body
// so PulpTaskFailed / 4xx outcomes can record it per §4.5 step 5.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("pulp returned HTTP %d: %s", e.StatusCode, e.Body)
}

// taskPointer is the envelope any mutating Pulp call returns.
type taskPointer struct {
	Task string `json:"task"`
}

// Do issues a request against path with the given method and JSON body
// (nil for none), decoding the JSON response into out (nil to discard).
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	u := c.resolve(path)

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", types.ErrPulpUnreachable, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPulpUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", types.ErrPulpUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// SubmitTask issues a mutating call and returns the task href Pulp
// responds with.
func (c *Client) SubmitTask(ctx context.Context, method, path string, body interface{}) (string, error) {
	var ptr taskPointer
	if err := c.Do(ctx, method, path, body, &ptr); err != nil {
		return "", err
	}
	if ptr.Task == "" {
		return "", fmt.Errorf("%w: response did not include a task reference", types.ErrPulpUnreachable)
	}
	return ptr.Task, nil
}

// Task mirrors the task resource returned by polling a task href.
type Task struct {
	State             string          `json:"state"`
	Error             *TaskError      `json:"error,omitempty"`
	CreatedResources  []string        `json:"created_resources,omitempty"`
}

// TaskError is Pulp's verbatim per-task error payload.
type TaskError struct {
	Description string                 `json:"description"`
	Traceback   string                 `json:"traceback,omitempty"`
	Extra       map[string]interface{} `json:"-"`
}

const (
	TaskStateWaiting   = "waiting"
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
	TaskStateCanceled  = "canceled"
)

func taskIsTerminal(state string) bool {
	switch state {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// GetTask fetches the current state of a task by href.
func (c *Client) GetTask(ctx context.Context, href string) (*Task, error) {
	var t Task
	if err := c.Do(ctx, http.MethodGet, href, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask issues Pulp's task cancel request.
func (c *Client) CancelTask(ctx context.Context, href string) error {
	return c.Do(ctx, http.MethodPatch, href, map[string]string{"state": "canceled"}, nil)
}

// Page mirrors Pulp's paginated collection envelope.
type Page struct {
	Count    int             `json:"count"`
	Next     string          `json:"next"`
	Previous string          `json:"previous"`
	Results  json.RawMessage `json:"results"`
}

// ListAll walks every page of a paginated collection starting at path,
// handing each page's raw results to decode in page order.
func (c *Client) ListAll(ctx context.Context, path string, decode func(raw json.RawMessage) error) error {
	next := path
	for next != "" {
		var page Page
		if err := c.Do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return err
		}
		if err := decode(page.Results); err != nil {
			return err
		}
		next = page.Next
	}
	return nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	rel, err := url.Parse(path)
	if err != nil {
		rel = &url.URL{Path: path}
	}
	return c.baseURL.ResolveReference(rel).String()
}
