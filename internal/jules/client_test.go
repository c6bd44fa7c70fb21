package jules

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: server.URL}, zap.NewNop())
}

func TestClient_CreateRemoteSession(t *testing.T) {
	var got CreateSessionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"sessions/123","id":"123","state":"QUEUED","prompt":"bump deps"}`))
	})

	session, err := client.CreateRemoteSession(context.Background(), model.TaskPayload{
		Prompt:              "bump deps",
		Source:              "sources/github/acme/api",
		AutomationMode:      model.AutomationModeAutoCreatePR,
		RequirePlanApproval: true,
		Title:               "Weekly deps",
	})
	require.NoError(t, err)
	assert.Equal(t, "123", session.ID)
	assert.Equal(t, model.SessionStateQueued, session.State)

	assert.Equal(t, "bump deps", got.Prompt)
	assert.Equal(t, "sources/github/acme/api", got.SourceContext.Source)
	require.NotNil(t, got.SourceContext.GithubRepoContext)
	assert.Equal(t, "main", got.SourceContext.GithubRepoContext.StartingBranch)
	assert.Equal(t, model.AutomationModeAutoCreatePR, got.AutomationMode)
	assert.True(t, got.RequirePlanApproval)
	assert.Equal(t, "Weekly deps", got.Title)
}

func TestClient_Endpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("List Sources With Paging", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sources", r.URL.Path)
			assert.Equal(t, "10", r.URL.Query().Get("pageSize"))
			assert.Equal(t, "abc", r.URL.Query().Get("pageToken"))
			_, _ = w.Write([]byte(`{"sources":[{"name":"sources/github/acme/api","id":"github/acme/api"}],"nextPageToken":"def"}`))
		})

		resp, err := client.ListSources(ctx, ListOptions{PageSize: 10, PageToken: "abc"})
		require.NoError(t, err)
		require.Len(t, resp.Sources, 1)
		assert.Equal(t, "sources/github/acme/api", resp.Sources[0].Name)
		assert.Equal(t, "def", resp.NextPageToken)
	})

	t.Run("Get Source By Full Name", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sources/github/acme/api", r.URL.Path)
			_, _ = w.Write([]byte(`{"name":"sources/github/acme/api","githubRepo":{"owner":"acme","repo":"api"}}`))
		})

		source, err := client.GetSource(ctx, "sources/github/acme/api")
		require.NoError(t, err)
		require.NotNil(t, source.GithubRepo)
		assert.Equal(t, "acme", source.GithubRepo.Owner)
	})

	t.Run("Get Session", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/sessions/42", r.URL.Path)
			_, _ = w.Write([]byte(`{"id":"42","state":"AWAITING_PLAN_APPROVAL"}`))
		})

		session, err := client.GetSession(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateAwaitingPlanApproval, session.State)
	})

	t.Run("List Sessions", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sessions", r.URL.Path)
			assert.Empty(t, r.URL.RawQuery)
			_, _ = w.Write([]byte(`{"sessions":[{"id":"1"},{"id":"2"}]}`))
		})

		resp, err := client.ListSessions(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, resp.Sessions, 2)
	})

	t.Run("Approve Plan", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/sessions/42:approvePlan", r.URL.Path)
			_, _ = w.Write([]byte(`{}`))
		})

		require.NoError(t, client.ApprovePlan(ctx, "sessions/42"))
	})

	t.Run("Send Message", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sessions/42:sendMessage", r.URL.Path)
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "also fix the README", body["prompt"])
		})

		require.NoError(t, client.SendMessage(ctx, "42", "also fix the README"))
	})

	t.Run("List Activities", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sessions/42/activities", r.URL.Path)
			_, _ = w.Write([]byte(`{"activities":[{"id":"a1","planGenerated":{"plan":{"steps":[]}}}]}`))
		})

		resp, err := client.ListActivities(ctx, "42", ListOptions{})
		require.NoError(t, err)
		require.Len(t, resp.Activities, 1)
		assert.NotEmpty(t, resp.Activities[0].PlanGenerated)
	})
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
		message   string
	}{
		{"Bad Request", http.StatusBadRequest, `{"error":{"code":400,"message":"invalid source"}}`, true, "invalid source"},
		{"Not Found", http.StatusNotFound, `not here`, true, "not here"},
		{"Timeout", http.StatusRequestTimeout, ``, false, ""},
		{"Throttled", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, false, "slow down"},
		{"Server Error", http.StatusInternalServerError, `oops`, false, "oops"},
		{"Unavailable", http.StatusServiceUnavailable, ``, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.GetSession(ctx, "42")
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.permanent, apiErr.Permanent())
			assert.Equal(t, !tt.permanent, apiErr.Temporary())
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}

	t.Run("Missing API Key", func(t *testing.T) {
		client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
		_, err := client.ListSources(ctx, ListOptions{})
		assert.ErrorIs(t, err, ErrMissingAPIKey)

		var permanent interface{ Permanent() bool }
		require.True(t, errors.As(err, &permanent))
		assert.True(t, permanent.Permanent())
	})
}
