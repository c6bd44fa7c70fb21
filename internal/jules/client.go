package jules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/jules-scheduler/internal/model"
)

const (
	// DefaultBaseURL is the public Jules API endpoint
	DefaultBaseURL = "https://jules.googleapis.com/v1alpha"

	apiKeyHeader   = "X-Goog-Api-Key"
	maxErrorBody   = 4096
	defaultTimeout = 30 * time.Second
)

// Config configures a Client
type Config struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// ListOptions controls paging of list endpoints
type ListOptions struct {
	PageSize  int
	PageToken string
}

// CreateSessionRequest is the body of a session creation call
type CreateSessionRequest struct {
	Prompt              string               `json:"prompt"`
	SourceContext       model.SourceContext  `json:"sourceContext"`
	Title               string               `json:"title,omitempty"`
	RequirePlanApproval bool                 `json:"requirePlanApproval,omitempty"`
	AutomationMode      model.AutomationMode `json:"automationMode,omitempty"`
}

// Client talks to the Jules REST API
type Client struct {
	logger     *zap.Logger
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new API client
func NewClient(config Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		logger:  logger.Named("jules"),
		apiKey:  config.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return c
}

// ListSources lists the repositories connected to the account
func (c *Client) ListSources(ctx context.Context, opts ListOptions) (*model.ListSourcesResponse, error) {
	var out model.ListSourcesResponse
	if err := c.do(ctx, http.MethodGet, "/sources"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSource fetches one source. name may be the full resource name
// ("sources/...") or the bare ID.
func (c *Client) GetSource(ctx context.Context, name string) (*model.Source, error) {
	var out model.Source
	if err := c.do(ctx, http.MethodGet, "/"+resourcePath("sources", name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession starts a new coding session
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions lists recent sessions
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) (*model.ListSessionsResponse, error) {
	var out model.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/sessions"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession fetches one session
func (c *Client) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodGet, "/"+resourcePath("sessions", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApprovePlan approves the plan of a session waiting for approval
func (c *Client) ApprovePlan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/"+resourcePath("sessions", id)+":approvePlan", struct{}{}, nil)
}

// SendMessage sends a follow-up message to a session
func (c *Client) SendMessage(ctx context.Context, id, prompt string) error {
	body := map[string]string{"prompt": prompt}
	return c.do(ctx, http.MethodPost, "/"+resourcePath("sessions", id)+":sendMessage", body, nil)
}

// ListActivities lists the activity timeline of a session
func (c *Client) ListActivities(ctx context.Context, id string, opts ListOptions) (*model.ListActivitiesResponse, error) {
	var out model.ListActivitiesResponse
	path := "/" + resourcePath("sessions", id) + "/activities" + opts.query()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRemoteSession creates a session from a stored task payload
func (c *Client) CreateRemoteSession(ctx context.Context, payload model.TaskPayload) (*model.Session, error) {
	branch := payload.Branch
	if branch == "" {
		branch = model.DefaultBranch
	}
	return c.CreateSession(ctx, CreateSessionRequest{
		Prompt: payload.Prompt,
		SourceContext: model.SourceContext{
			Source:            payload.Source,
			GithubRepoContext: &model.GithubRepoContext{StartingBranch: branch},
		},
		Title:               payload.Title,
		RequirePlanApproval: payload.RequirePlanApproval,
		AutomationMode:      payload.AutomationMode,
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Jules API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// resourcePath returns "collection/id" whether or not name already carries
// the collection prefix
func resourcePath(collection, name string) string {
	name = strings.TrimPrefix(name, "/")
	if strings.HasPrefix(name, collection+"/") {
		return name
	}
	return collection + "/" + url.PathEscape(name)
}

func (o ListOptions) query() string {
	values := url.Values{}
	if o.PageSize > 0 {
		values.Set("pageSize", strconv.Itoa(o.PageSize))
	}
	if o.PageToken != "" {
		values.Set("pageToken", o.PageToken)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}
