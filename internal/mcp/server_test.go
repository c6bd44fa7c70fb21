package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/jules"
	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/monitor"
	"github.com/t77yq/jules-scheduler/internal/service"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) ListSources(ctx context.Context, opts jules.ListOptions) (*model.ListSourcesResponse, error) {
	args := m.Called(ctx, opts)
	resp, _ := args.Get(0).(*model.ListSourcesResponse)
	return resp, args.Error(1)
}

func (m *mockAPI) CreateSession(ctx context.Context, req jules.CreateSessionRequest) (*model.Session, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*model.Session)
	return session, args.Error(1)
}

func (m *mockAPI) GetSession(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	session, _ := args.Get(0).(*model.Session)
	return session, args.Error(1)
}

func (m *mockAPI) ApprovePlan(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockAPI) SendMessage(ctx context.Context, id, prompt string) error {
	return m.Called(ctx, id, prompt).Error(0)
}

func (m *mockAPI) ListActivities(ctx context.Context, id string, opts jules.ListOptions) (*model.ListActivitiesResponse, error) {
	args := m.Called(ctx, id, opts)
	resp, _ := args.Get(0).(*model.ListActivitiesResponse)
	return resp, args.Error(1)
}

// fakeSchedules keeps schedules in memory
type fakeSchedules struct {
	mu        sync.Mutex
	views     []service.ScheduleView
	createErr error
	created   []service.CreateScheduleRequest
	sourceErr error
}

func (f *fakeSchedules) Create(_ context.Context, req service.CreateScheduleRequest) (*service.ScheduleView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	view := service.ScheduleView{ScheduledTask: model.ScheduledTask{ID: "id-1", Name: req.Name, Cron: req.Cron, Enabled: true}}
	f.views = append(f.views, view)
	return &view, nil
}

func (f *fakeSchedules) List(context.Context) ([]service.ScheduleView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.ScheduleView{}, f.views...), nil
}

func (f *fakeSchedules) Delete(_ context.Context, idOrName string) (*model.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, view := range f.views {
		if view.ID == idOrName || view.Name == idOrName {
			f.views = append(f.views[:i], f.views[i+1:]...)
			task := view.ScheduledTask
			return &task, nil
		}
	}
	return nil, service.ErrScheduleNotFound
}

func (f *fakeSchedules) Update(_ context.Context, req service.UpdateScheduleRequest) (*service.ScheduleView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.views {
		if f.views[i].ID == req.Schedule || f.views[i].Name == req.Schedule {
			if req.Enabled != nil {
				f.views[i].Enabled = *req.Enabled
			}
			view := f.views[i]
			return &view, nil
		}
	}
	return nil, service.ErrScheduleNotFound
}

func (f *fakeSchedules) History(context.Context, string, int) ([]*model.RunRecord, error) {
	return []*model.RunRecord{{ID: "run-1", ScheduleID: "id-1", Status: model.RunStatusSucceeded, SessionID: "s-1"}}, nil
}

func (f *fakeSchedules) ExecutionSummary(context.Context) ([]model.ScheduledTask, error) {
	return []model.ScheduledTask{}, nil
}

func (f *fakeSchedules) CheckSource(string) error {
	return f.sourceErr
}

type fakeStatus struct{}

func (fakeStatus) Snapshot(context.Context) (*monitor.Status, error) {
	return &monitor.Status{Version: "test", ArmedSchedules: 2}, nil
}

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func newTestServer(api SessionAPI, schedules ScheduleManager) *Server {
	return NewServer(Config{Name: "jules-scheduler", Version: "test"}, api, schedules, fakeStatus{}, zap.NewNop())
}

func initMessages() []map[string]any {
	return []map[string]any{
		{
			"jsonrpc": "2.0",
			"id":      0,
			"method":  "initialize",
			"params": map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{},
				"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
			},
		},
		{"jsonrpc": "2.0", "method": "notifications/initialized"},
	}
}

func call(id int, method string, params any) map[string]any {
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	return msg
}

func toolCall(id int, name string, args map[string]any) map[string]any {
	return call(id, "tools/call", map[string]any{"name": name, "arguments": args})
}

// mcpSession feeds messages to a fresh Run and returns the responses keyed by
// request id, since responses arrive in completion order
func mcpSession(t *testing.T, server *Server, messages ...map[string]any) map[string]testResponse {
	t.Helper()

	var input bytes.Buffer
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		input.Write(data)
		input.WriteByte('\n')
	}

	var output bytes.Buffer
	require.NoError(t, server.Run(context.Background(), &input, &output))

	responses := make(map[string]testResponse)
	scanner := bufio.NewScanner(&output)
	for scanner.Scan() {
		var resp testResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), "raw: %s", scanner.Text())
		responses[string(resp.ID)] = resp
	}
	require.NoError(t, scanner.Err())
	return responses
}

// toolBody decodes the JSON text of a tools/call result
func toolBody(t *testing.T, resp testResponse) (map[string]any, bool) {
	t.Helper()
	require.Nil(t, resp.Error)

	var result toolsCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &body))
	return body, result.IsError
}

func TestServerInitialize(t *testing.T) {
	responses := mcpSession(t, newTestServer(&mockAPI{}, &fakeSchedules{}), initMessages()...)
	require.Len(t, responses, 1)

	var result initializeResult
	require.NoError(t, json.Unmarshal(responses["0"].Result, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, "jules-scheduler", result.ServerInfo.Name)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Resources)
	assert.NotNil(t, result.Capabilities.Prompts)
}

func TestServerRequiresInitialize(t *testing.T) {
	responses := mcpSession(t, newTestServer(&mockAPI{}, &fakeSchedules{}),
		call(1, "tools/list", nil),
		call(2, "ping", nil),
	)

	require.NotNil(t, responses["1"].Error)
	assert.Equal(t, codeInvalidRequest, responses["1"].Error.Code)
	assert.Nil(t, responses["2"].Error)
}

func TestServerProtocolErrors(t *testing.T) {
	server := newTestServer(&mockAPI{}, &fakeSchedules{})

	var input bytes.Buffer
	input.WriteString("{not json\n")
	input.WriteString(`{"jsonrpc":"1.0","id":7,"method":"ping"}` + "\n")
	for _, msg := range append(initMessages(), call(8, "no/such/method", nil)) {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		input.Write(append(data, '\n'))
	}

	var output bytes.Buffer
	require.NoError(t, server.Run(context.Background(), &input, &output))

	codes := map[string]int{}
	scanner := bufio.NewScanner(&output)
	for scanner.Scan() {
		var resp testResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		if resp.Error != nil {
			codes[string(resp.ID)] = resp.Error.Code
		}
	}
	assert.Equal(t, map[string]int{
		"null": codeParseError,
		"7":    codeInvalidRequest,
		"8":    codeMethodNotFound,
	}, codes)
}

func TestToolsList(t *testing.T) {
	server := newTestServer(&mockAPI{}, &fakeSchedules{})
	responses := mcpSession(t, server, append(initMessages(), call(1, "tools/list", nil))...)

	var result toolsListResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &result))

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	assert.Equal(t, []string{
		"create_coding_task",
		"manage_session",
		"get_session_state",
		"list_sources",
		"schedule_recurring_task",
		"list_schedules",
		"delete_schedule",
		"update_schedule",
		"get_schedule_history",
	}, names)
}

func TestCreateCodingTask(t *testing.T) {
	api := &mockAPI{}
	api.On("CreateSession", mock.Anything, mock.MatchedBy(func(req jules.CreateSessionRequest) bool {
		return req.Prompt == "fix it" &&
			req.SourceContext.Source == "sources/github/acme/app" &&
			req.SourceContext.GithubRepoContext.StartingBranch == "main" &&
			req.AutomationMode == model.AutomationModeAutoCreatePR
	})).Return(&model.Session{ID: "s-1", Name: "sessions/s-1", State: model.SessionStateQueued}, nil).Once()

	responses := mcpSession(t, newTestServer(api, &fakeSchedules{}), append(initMessages(),
		toolCall(1, "create_coding_task", map[string]any{"prompt": "fix it", "source": "sources/github/acme/app"}),
	)...)

	body, isError := toolBody(t, responses["1"])
	assert.False(t, isError)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "s-1", body["session"].(map[string]any)["id"])
	api.AssertExpectations(t)
}

func TestCreateCodingTaskErrors(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		sourceErr error
		apiErr    error
		wantError string
	}{
		{
			name:      "missing prompt",
			args:      map[string]any{"source": "sources/github/acme/app"},
			wantError: "prompt is required",
		},
		{
			name:      "bad automation mode",
			args:      map[string]any{"prompt": "p", "source": "sources/github/acme/app", "automationMode": "NOPE"},
			wantError: "automationMode",
		},
		{
			name:      "source not allowed",
			args:      map[string]any{"prompt": "p", "source": "sources/github/evil/app"},
			sourceErr: service.ErrSourceNotAllowed,
			wantError: "allowed repositories",
		},
		{
			name:      "api failure",
			args:      map[string]any{"prompt": "p", "source": "sources/github/acme/app"},
			apiErr:    &jules.APIError{StatusCode: 403, Status: "403 Forbidden", Message: "denied"},
			wantError: "denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{}
			if tt.apiErr != nil {
				api.On("CreateSession", mock.Anything, mock.Anything).Return(nil, tt.apiErr).Once()
			}

			responses := mcpSession(t, newTestServer(api, &fakeSchedules{sourceErr: tt.sourceErr}), append(initMessages(),
				toolCall(1, "create_coding_task", tt.args),
			)...)

			body, isError := toolBody(t, responses["1"])
			assert.True(t, isError)
			assert.Equal(t, false, body["success"])
			assert.Contains(t, body["error"], tt.wantError)
			api.AssertExpectations(t)
		})
	}
}

func TestManageSession(t *testing.T) {
	api := &mockAPI{}
	api.On("ApprovePlan", mock.Anything, "s-1").Return(nil).Once()
	api.On("SendMessage", mock.Anything, "s-1", "also update docs").Return(nil).Once()

	responses := mcpSession(t, newTestServer(api, &fakeSchedules{}), append(initMessages(),
		toolCall(1, "manage_session", map[string]any{"sessionId": "s-1", "action": "approve_plan"}),
		toolCall(2, "manage_session", map[string]any{"sessionId": "s-1", "action": "send_message", "message": "also update docs"}),
		toolCall(3, "manage_session", map[string]any{"sessionId": "s-1", "action": "send_message"}),
		toolCall(4, "manage_session", map[string]any{"sessionId": "s-1", "action": "explode"}),
	)...)

	for _, id := range []string{"1", "2"} {
		body, isError := toolBody(t, responses[id])
		assert.False(t, isError, id)
		assert.Equal(t, true, body["success"], id)
	}
	body, isError := toolBody(t, responses["3"])
	assert.True(t, isError)
	assert.Equal(t, "message is required", body["error"])

	body, isError = toolBody(t, responses["4"])
	assert.True(t, isError)
	assert.Contains(t, body["error"], "unknown action")
	api.AssertExpectations(t)
}

func TestGetSessionState(t *testing.T) {
	api := &mockAPI{}
	api.On("GetSession", mock.Anything, "s-1").Return(&model.Session{
		ID:    "s-1",
		State: model.SessionStateAwaitingPlanApproval,
		Outputs: []model.SessionOutput{
			{PullRequest: &model.PullRequest{URL: "https://github.com/acme/app/pull/1"}},
			{},
		},
	}, nil).Once()

	responses := mcpSession(t, newTestServer(api, &fakeSchedules{}), append(initMessages(),
		toolCall(1, "get_session_state", map[string]any{"sessionId": "s-1"}),
	)...)

	body, isError := toolBody(t, responses["1"])
	assert.False(t, isError)
	assert.Equal(t, true, body["needsInput"])
	assert.Equal(t, []any{"https://github.com/acme/app/pull/1"}, body["pullRequests"])
}

func TestScheduleTools(t *testing.T) {
	schedules := &fakeSchedules{}
	server := newTestServer(&mockAPI{}, schedules)

	responses := mcpSession(t, server, append(initMessages(),
		toolCall(1, "schedule_recurring_task", map[string]any{
			"name":   "weekly-deps",
			"cron":   "0 9 * * 1",
			"prompt": "update deps",
			"source": "sources/github/acme/app",
		}),
	)...)
	body, isError := toolBody(t, responses["1"])
	require.False(t, isError, body)
	require.Len(t, schedules.created, 1)
	assert.Equal(t, "weekly-deps", schedules.created[0].Name)

	responses = mcpSession(t, server, append(initMessages(),
		toolCall(2, "update_schedule", map[string]any{"schedule": "weekly-deps", "enabled": false}),
		toolCall(3, "update_schedule", map[string]any{"schedule": "weekly-deps"}),
		toolCall(4, "get_schedule_history", map[string]any{"schedule": "weekly-deps"}),
	)...)
	body, isError = toolBody(t, responses["2"])
	assert.False(t, isError)
	assert.Equal(t, false, body["schedule"].(map[string]any)["enabled"])

	body, isError = toolBody(t, responses["3"])
	assert.True(t, isError)
	assert.Contains(t, body["error"], "nothing to update")

	body, _ = toolBody(t, responses["4"])
	assert.EqualValues(t, 1, body["count"])

	responses = mcpSession(t, server, append(initMessages(), toolCall(5, "list_schedules", nil))...)
	body, _ = toolBody(t, responses["5"])
	assert.EqualValues(t, 1, body["count"])

	responses = mcpSession(t, server, append(initMessages(),
		toolCall(6, "delete_schedule", map[string]any{"schedule": "weekly-deps"}),
	)...)
	body, isError = toolBody(t, responses["6"])
	assert.False(t, isError)
	assert.Empty(t, schedules.views)

	responses = mcpSession(t, server, append(initMessages(),
		toolCall(7, "delete_schedule", map[string]any{"schedule": "weekly-deps"}),
	)...)
	body, isError = toolBody(t, responses["7"])
	assert.True(t, isError)
	assert.Contains(t, body["error"], "not found")
}

func TestScheduleRecurringTaskValidationError(t *testing.T) {
	schedules := &fakeSchedules{createErr: &service.ValidationError{Field: "cron", Message: "invalid cron expression"}}

	responses := mcpSession(t, newTestServer(&mockAPI{}, schedules), append(initMessages(),
		toolCall(1, "schedule_recurring_task", map[string]any{"name": "x", "cron": "bogus"}),
	)...)

	body, isError := toolBody(t, responses["1"])
	assert.True(t, isError)
	assert.Contains(t, body["error"], "cron")
}

func TestUnknownTool(t *testing.T) {
	responses := mcpSession(t, newTestServer(&mockAPI{}, &fakeSchedules{}), append(initMessages(),
		toolCall(1, "launch_rockets", nil),
	)...)

	body, isError := toolBody(t, responses["1"])
	assert.True(t, isError)
	assert.Equal(t, "unknown tool: launch_rockets", body["error"])
}

func TestResources(t *testing.T) {
	api := &mockAPI{}
	api.On("ListSources", mock.Anything, jules.ListOptions{}).
		Return(&model.ListSourcesResponse{Sources: []model.Source{{Name: "sources/github/acme/app", ID: "a"}}, NextPageToken: "p2"}, nil).Once()
	api.On("ListSources", mock.Anything, jules.ListOptions{PageToken: "p2"}).
		Return(&model.ListSourcesResponse{Sources: []model.Source{{Name: "sources/github/acme/lib", ID: "b"}}}, nil).Once()
	api.On("GetSession", mock.Anything, "s-1").Return(&model.Session{ID: "s-1"}, nil).Once()
	api.On("ListActivities", mock.Anything, "s-1", jules.ListOptions{}).
		Return(&model.ListActivitiesResponse{Activities: []model.Activity{{ID: "a1"}, {ID: "a2"}}}, nil).Once()
	api.On("GetSession", mock.Anything, "broken").Return(nil, errors.New("boom")).Once()

	responses := mcpSession(t, newTestServer(api, &fakeSchedules{}), append(initMessages(),
		call(1, "resources/list", nil),
		call(2, "resources/templates/list", nil),
		call(3, "resources/read", map[string]any{"uri": uriSources}),
		call(4, "resources/read", map[string]any{"uri": "jules://sessions/s-1/full"}),
		call(5, "resources/read", map[string]any{"uri": uriServerStatus}),
		call(6, "resources/read", map[string]any{"uri": "jules://nope"}),
		call(7, "resources/read", map[string]any{"uri": "jules://sessions/broken/full"}),
	)...)

	var list resourcesListResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &list))
	assert.Len(t, list.Resources, 4)

	var templates resourceTemplatesListResult
	require.NoError(t, json.Unmarshal(responses["2"].Result, &templates))
	require.Len(t, templates.ResourceTemplates, 1)
	assert.Equal(t, "jules://sessions/{id}/full", templates.ResourceTemplates[0].URITemplate)

	readText := func(id string) string {
		var result resourcesReadResult
		require.NoError(t, json.Unmarshal(responses[id].Result, &result))
		require.Len(t, result.Contents, 1)
		return result.Contents[0].Text
	}

	var sources []model.Source
	require.NoError(t, json.Unmarshal([]byte(readText("3")), &sources))
	assert.Len(t, sources, 2)

	var full sessionFull
	require.NoError(t, json.Unmarshal([]byte(readText("4")), &full))
	assert.Equal(t, "s-1", full.Session.ID)
	assert.Len(t, full.Activities, 2)

	assert.Contains(t, readText("5"), `"armed_schedules": 2`)

	require.NotNil(t, responses["6"].Error)
	assert.Equal(t, codeResourceNotFound, responses["6"].Error.Code)

	assert.Contains(t, readText("7"), `"error": "boom"`)
	api.AssertExpectations(t)
}

func TestResourcesCyclingPageTokens(t *testing.T) {
	api := &mockAPI{}
	api.On("ListSources", mock.Anything, jules.ListOptions{}).
		Return(&model.ListSourcesResponse{Sources: []model.Source{{ID: "1"}}, NextPageToken: "A"}, nil).Once()
	api.On("ListSources", mock.Anything, jules.ListOptions{PageToken: "A"}).
		Return(&model.ListSourcesResponse{Sources: []model.Source{{ID: "2"}}, NextPageToken: "B"}, nil).Once()
	api.On("ListSources", mock.Anything, jules.ListOptions{PageToken: "B"}).
		Return(&model.ListSourcesResponse{Sources: []model.Source{{ID: "3"}}, NextPageToken: "A"}, nil).Once()

	responses := mcpSession(t, newTestServer(api, &fakeSchedules{}), append(initMessages(),
		call(1, "resources/read", map[string]any{"uri": uriSources}),
	)...)

	var result resourcesReadResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &result))
	require.Len(t, result.Contents, 1)

	var sources []model.Source
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &sources))
	assert.Len(t, sources, 3)
	api.AssertExpectations(t)
}

func TestCollectPages(t *testing.T) {
	t.Run("Page Limit", func(t *testing.T) {
		calls := 0
		err := collectPages(func(token string) (string, error) {
			calls++
			return fmt.Sprintf("page-%d", calls), nil
		})
		require.NoError(t, err)
		assert.Equal(t, maxListPages, calls)
	})

	t.Run("Error", func(t *testing.T) {
		err := collectPages(func(token string) (string, error) {
			if token == "" {
				return "next", nil
			}
			return "", errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
	})
}

func TestSessionIDFromURI(t *testing.T) {
	tests := []struct {
		uri    string
		wantID string
		wantOK bool
	}{
		{"jules://sessions/123/full", "123", true},
		{"jules://sessions//full", "", false},
		{"jules://sessions/a/b/full", "", false},
		{"jules://sessions/123", "", false},
		{"jules://schedules", "", false},
	}
	for _, tt := range tests {
		id, ok := sessionIDFromURI(tt.uri)
		assert.Equal(t, tt.wantID, id, tt.uri)
		assert.Equal(t, tt.wantOK, ok, tt.uri)
	}
}

func TestPrompts(t *testing.T) {
	responses := mcpSession(t, newTestServer(&mockAPI{}, &fakeSchedules{}), append(initMessages(),
		call(1, "prompts/list", nil),
		call(2, "prompts/get", map[string]any{
			"name":      "fix_bug",
			"arguments": map[string]string{"description": "crash on empty input", "location": "parser.go"},
		}),
		call(3, "prompts/get", map[string]any{"name": "fix_bug"}),
		call(4, "prompts/get", map[string]any{"name": "nope"}),
	)...)

	var list promptsListResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &list))
	var names []string
	for _, p := range list.Prompts {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"refactor_module", "add_test_coverage", "dependency_update", "fix_bug"}, names)

	var got promptsGetResult
	require.NoError(t, json.Unmarshal(responses["2"].Result, &got))
	require.Len(t, got.Messages, 1)
	text := got.Messages[0].Content.Text
	assert.Contains(t, text, "crash on empty input")
	assert.Contains(t, text, "parser.go")
	assert.False(t, strings.Contains(text, "{{"), text)

	for _, id := range []string{"3", "4"} {
		require.NotNil(t, responses[id].Error, id)
		assert.Equal(t, codeInvalidParams, responses[id].Error.Code, id)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader, writer := io.Pipe()
	defer writer.Close()

	var output bytes.Buffer
	assert.NoError(t, newTestServer(&mockAPI{}, &fakeSchedules{}).Run(ctx, reader, &output))
}
