package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"avachat/internal/domain"
)

// Default connection pool settings. The client talks to a single API host
// with short, frequent requests.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second

	defaultRequestTimeout = 15 * time.Second

	cbMaxFailures uint32 = 5
	cbTimeout            = 30 * time.Second
	cbInterval           = 60 * time.Second
)

// ConnectionStatus reports whether a third-party provider account is linked.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Provider  string `json:"provider"`
	User      string `json:"user,omitempty"`
}

// ImportTask is the accepted response for a URL import request.
type ImportTask struct {
	TaskID string `json:"task_id"`
}

// TaskStatus is the polled state of a backend import task.
type TaskStatus struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Import task status values as reported by the backend.
const (
	TaskPending    = "PENDING"
	TaskProcessing = "PROCESSING"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
)

// Preferences is the per-user settings record.
type Preferences struct {
	OnboardingDismissed bool   `json:"onboarding_dismissed"`
	Theme               string `json:"theme,omitempty"`
}

// Client is the HTTP client for the collaborator REST API: provider
// connection status, URL imports, and user preferences. The WebSocket
// event stream is a separate concern (the transport channel).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// NewClient creates a client for the API at baseURL (no trailing slash).
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend:api",
		MaxRequests: 1,
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: newPooledTransport(),
		},
		breaker: cb,
		logger:  logger,
	}
}

// newPooledTransport creates an http.Transport with connection pooling
// sized for a single-host API.
func newPooledTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       defaultMaxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ConnectionStatus returns whether the named provider account is linked.
func (c *Client) ConnectionStatus(ctx context.Context, provider string) (*ConnectionStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/connections/"+provider+"/status", nil)
	if err != nil {
		return nil, domain.NewDomainError("backend.connection_status", err, provider)
	}

	var envelope struct {
		Success bool             `json:"success"`
		Data    ConnectionStatus `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.NewDomainError("backend.connection_status", err, "malformed response")
	}
	if !envelope.Success {
		return nil, domain.NewDomainError("backend.connection_status", domain.ErrBackendStatus, provider)
	}
	return &envelope.Data, nil
}

// ImportURL submits a URL for asynchronous import. The returned task id is
// tracked through the event stream and TaskStatus polling.
func (c *Client) ImportURL(ctx context.Context, url string) (*ImportTask, error) {
	if url == "" {
		return nil, domain.WrapOp("backend.import_url", domain.ErrImportMissingURL)
	}

	payload, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return nil, domain.WrapOp("backend.import_url", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v1/imports", payload)
	if err != nil {
		return nil, domain.NewDomainError("backend.import_url", err, url)
	}

	var task ImportTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, domain.NewDomainError("backend.import_url", err, "malformed response")
	}
	return &task, nil
}

// TaskStatus polls an import task. Unknown ids report PENDING: the backend
// registers tasks asynchronously, so "not yet visible" is not an error.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/imports/"+taskID, nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &TaskStatus{TaskID: taskID, Status: TaskPending}, nil
		}
		return nil, domain.NewDomainError("backend.task_status", err, taskID)
	}

	var status TaskStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, domain.NewDomainError("backend.task_status", err, "malformed response")
	}
	if status.Status == "" {
		status.Status = TaskPending
	}
	if status.TaskID == "" {
		status.TaskID = taskID
	}
	return &status, nil
}

// Preferences fetches the per-user settings record.
func (c *Client) Preferences(ctx context.Context) (*Preferences, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/preferences", nil)
	if err != nil {
		return nil, domain.WrapOp("backend.preferences", err)
	}
	var prefs Preferences
	if err := json.Unmarshal(body, &prefs); err != nil {
		return nil, domain.NewDomainError("backend.preferences", err, "malformed response")
	}
	return &prefs, nil
}

// UpdatePreferences persists the per-user settings record.
func (c *Client) UpdatePreferences(ctx context.Context, prefs Preferences) error {
	payload, err := json.Marshal(prefs)
	if err != nil {
		return domain.WrapOp("backend.update_preferences", err)
	}
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/preferences", payload); err != nil {
		return domain.WrapOp("backend.update_preferences", err)
	}
	return nil
}

// do runs one request through the circuit breaker and maps error statuses
// to domain errors.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		return nil, c.statusError(resp.StatusCode, body)
	})
}

// statusError maps an HTTP error response to a domain error. Validation
// failures carry a machine-readable error_code in the body.
func (c *Client) statusError(status int, body []byte) error {
	var apiErr struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch status {
	case http.StatusBadRequest:
		switch apiErr.ErrorCode {
		case string(domain.CodeMissingURL):
			return domain.ErrImportMissingURL
		case string(domain.CodeInvalidURL):
			return domain.ErrImportInvalidURL
		}
		return &domain.DomainError{Op: "backend", Err: domain.ErrInvalidInput, Detail: apiErr.Message}
	case http.StatusNotFound:
		return &domain.DomainError{Op: "backend", Err: domain.ErrNotFound, Detail: apiErr.Message}
	case http.StatusConflict:
		return domain.ErrImportConflict
	case http.StatusTooManyRequests:
		return &domain.DomainError{Op: "backend", Err: domain.ErrRateLimit, Detail: apiErr.Message}
	default:
		return &domain.DomainError{
			Op:     "backend",
			Err:    domain.ErrBackendStatus,
			Detail: fmt.Sprintf("status %d: %s", status, apiErr.Message),
		}
	}
}
