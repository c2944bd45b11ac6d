// Package store provides the HTTP client for the incident job store REST API.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10
)

// Client talks to the job store's REST API. All blocking calls take a
// context; a client-side rate limiter keeps dashboard bursts from flooding
// the store.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

var _ interfaces.StoreClient = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a job store client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a non-2xx response from the job store.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("job store API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// do performs one request against the store. A nil body sends no payload;
// a nil result skips response decoding (ack-only endpoints).
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	reqURL := fmt.Sprintf("%s%s", c.baseURL, path)
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("url", c.baseURL+path).
			Msg("Job store API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, result)
}

func (c *Client) del(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

type enqueueRequest struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

type listResponse struct {
	Jobs []*models.Job `json:"jobs"`
}

type retryResponse struct {
	NewJobID string `json:"new_job_id"`
}

// EnqueueJob submits a new job and returns its id.
func (c *Client) EnqueueJob(ctx context.Context, jobType string, params map[string]interface{}) (string, error) {
	var resp enqueueResponse
	if err := c.post(ctx, "/jobs", enqueueRequest{Type: jobType, Params: params}, &resp); err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return resp.JobID, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.get(ctx, "/jobs/"+id, nil, &job); err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs fetches a job snapshot. An empty status returns jobs in every
// state; limit bounds the response size.
func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp listResponse
	if err := c.get(ctx, "/jobs", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return resp.Jobs, nil
}

// CancelJob asks the store to cancel a job. Cancellation is cooperative:
// the store acks the request and the cancelled terminal arrives later
// through the stream or a snapshot.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	if err := c.del(ctx, "/jobs/"+id); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	return nil
}

// DeleteJob permanently removes a job record from the store.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	if err := c.del(ctx, "/jobs/"+id+"/delete"); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// RetryJob requeues a failed job under a new id and returns that id.
func (c *Client) RetryJob(ctx context.Context, id string) (string, error) {
	var resp retryResponse
	if err := c.post(ctx, "/jobs/"+id+"/retry", nil, &resp); err != nil {
		return "", fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	return resp.NewJobID, nil
}

// UnstickJob asks the store to recover a wedged job. Ack only; the outcome
// arrives through the stream.
func (c *Client) UnstickJob(ctx context.Context, id string) error {
	if err := c.post(ctx, "/jobs/"+id+"/unstick", nil, nil); err != nil {
		return fmt.Errorf("failed to unstick job %s: %w", id, err)
	}
	return nil
}

type triageRequest struct {
	Limit      int  `json:"limit"`
	AutoReject bool `json:"auto_reject"`
}

type limitRequest struct {
	Limit int `json:"limit"`
}

// batch posts one synchronous batch operation. When the store reports a
// non-2xx but the body still carries a result with an error message, that
// message is surfaced as the operation outcome instead of a bare status
// code.
func (c *Client) batch(ctx context.Context, path string, body interface{}) (*models.BatchResult, error) {
	var result models.BatchResult
	err := c.post(ctx, path, body, &result)
	if err == nil {
		return &result, nil
	}

	if apiErr, ok := err.(*APIError); ok {
		var failed models.BatchResult
		if jsonErr := json.Unmarshal([]byte(apiErr.Message), &failed); jsonErr == nil && failed.Error != "" {
			return &failed, nil
		}
	}
	return nil, fmt.Errorf("batch %s failed: %w", path, err)
}

// Triage classifies up to limit unreviewed incidents. With autoReject the
// store also rejects the incidents triage marks not relevant.
func (c *Client) Triage(ctx context.Context, limit int, autoReject bool) (*models.BatchResult, error) {
	return c.batch(ctx, "/batch/triage", triageRequest{Limit: limit, AutoReject: autoReject})
}

// BatchExtract runs extraction over up to limit triage-recommended incidents.
func (c *Client) BatchExtract(ctx context.Context, limit int) (*models.BatchResult, error) {
	return c.batch(ctx, "/batch/extract", limitRequest{Limit: limit})
}

// AutoApprove approves up to limit extracted incidents that pass the
// store's quality checks.
func (c *Client) AutoApprove(ctx context.Context, limit int) (*models.BatchResult, error) {
	return c.batch(ctx, "/batch/approve", limitRequest{Limit: limit})
}

// RejectNotRelevant rejects every incident triage has marked not relevant.
func (c *Client) RejectNotRelevant(ctx context.Context) (*models.BatchResult, error) {
	return c.batch(ctx, "/batch/reject-not-relevant", nil)
}

// SchemaUpgrade re-extracts up to limit approved incidents stored under an
// older extraction schema.
func (c *Client) SchemaUpgrade(ctx context.Context, limit int) (*models.BatchResult, error) {
	return c.batch(ctx, "/batch/schema-upgrade", limitRequest{Limit: limit})
}
