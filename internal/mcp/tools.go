package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/jules"
	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/service"
)

// toolHandler returns the fields of a successful result envelope
type toolHandler func(ctx context.Context, args json.RawMessage) (map[string]any, error)

type tool struct {
	name        string
	description string
	inputSchema map[string]any
	annotations *toolAnnotations
	handler     toolHandler
}

// invalidArgumentsError marks a malformed tool call
type invalidArgumentsError struct {
	msg string
}

func (e *invalidArgumentsError) Error() string { return e.msg }

func invalidArguments(format string, args ...any) error {
	return &invalidArgumentsError{msg: fmt.Sprintf(format, args...)}
}

func boolPtr(value bool) *bool {
	return &value
}

var (
	readOnly    = &toolAnnotations{ReadOnlyHint: boolPtr(true), OpenWorldHint: boolPtr(false)}
	remoteRead  = &toolAnnotations{ReadOnlyHint: boolPtr(true)}
	destructive = &toolAnnotations{DestructiveHint: boolPtr(true), OpenWorldHint: boolPtr(false)}
)

func objectSchema(required []string, properties map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func (s *Server) buildTools() []tool {
	automationMode := map[string]any{
		"type":        "string",
		"enum":        []string{string(model.AutomationModeAutoCreatePR), string(model.AutomationModeUnspecified)},
		"description": "AUTO_CREATE_PR publishes a pull request when the session completes",
	}
	sessionProps := map[string]any{
		"prompt":              stringProp("Instructions for the coding agent"),
		"source":              stringProp("Source name, e.g. sources/github/owner/repo"),
		"branch":              stringProp("Starting branch (default main)"),
		"title":               stringProp("Optional session title"),
		"automationMode":      automationMode,
		"requirePlanApproval": map[string]any{"type": "boolean", "description": "Wait for plan approval before executing"},
	}

	scheduleProps := map[string]any{
		"name":     stringProp("Unique schedule name"),
		"cron":     stringProp("5-field cron expression: minute hour day-of-month month day-of-week"),
		"timezone": stringProp("IANA timezone, e.g. America/New_York (default: server local time)"),
	}
	for k, v := range sessionProps {
		scheduleProps[k] = v
	}

	return []tool{
		{
			name:        "create_coding_task",
			description: "Create a Jules coding session for a repository",
			inputSchema: objectSchema([]string{"prompt", "source"}, sessionProps),
			handler:     s.createCodingTask,
		},
		{
			name:        "manage_session",
			description: "Approve the plan of a session or send it a follow-up message",
			inputSchema: objectSchema([]string{"sessionId", "action"}, map[string]any{
				"sessionId": stringProp("Session ID"),
				"action": map[string]any{
					"type": "string",
					"enum": []string{"approve_plan", "send_message"},
				},
				"message": stringProp("Message text, required for send_message"),
			}),
			handler: s.manageSession,
		},
		{
			name:        "get_session_state",
			description: "Get the current state and outputs of a session",
			inputSchema: objectSchema([]string{"sessionId"}, map[string]any{
				"sessionId": stringProp("Session ID"),
			}),
			annotations: remoteRead,
			handler:     s.getSessionState,
		},
		{
			name:        "list_sources",
			description: "List the repositories connected to Jules",
			inputSchema: objectSchema(nil, map[string]any{
				"pageSize":  map[string]any{"type": "integer", "minimum": 1},
				"pageToken": stringProp("Token from a previous page"),
			}),
			annotations: remoteRead,
			handler:     s.listSources,
		},
		{
			name:        "schedule_recurring_task",
			description: "Schedule a Jules session to be created on a cron schedule",
			inputSchema: objectSchema([]string{"name", "cron", "prompt", "source"}, scheduleProps),
			handler:     s.scheduleRecurringTask,
		},
		{
			name:        "list_schedules",
			description: "List scheduled tasks with their next run times",
			inputSchema: objectSchema(nil, map[string]any{}),
			annotations: readOnly,
			handler:     s.listSchedules,
		},
		{
			name:        "delete_schedule",
			description: "Delete a scheduled task by ID or name",
			inputSchema: objectSchema([]string{"schedule"}, map[string]any{
				"schedule": stringProp("Schedule ID or name"),
			}),
			annotations: destructive,
			handler:     s.deleteSchedule,
		},
		{
			name:        "update_schedule",
			description: "Change the cron expression, timezone or enabled flag of a schedule",
			inputSchema: objectSchema([]string{"schedule"}, map[string]any{
				"schedule": stringProp("Schedule ID or name"),
				"cron":     stringProp("New cron expression"),
				"timezone": stringProp("New IANA timezone"),
				"enabled":  map[string]any{"type": "boolean"},
			}),
			handler: s.updateSchedule,
		},
		{
			name:        "get_schedule_history",
			description: "Show recent executions of scheduled tasks",
			inputSchema: objectSchema(nil, map[string]any{
				"schedule": stringProp("Schedule ID or name (default: all)"),
				"limit":    map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
			}),
			annotations: readOnly,
			handler:     s.getScheduleHistory,
		},
	}
}

func (s *Server) handleToolsList(encoder *lockedEncoder, req *request) error {
	descriptions := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		descriptions = append(descriptions, toolDescription{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema,
			Annotations: t.annotations,
		})
	}
	return writeResult(encoder, req.ID, toolsListResult{Tools: descriptions})
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *lockedEncoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for tools/call")
	}

	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	t, ok := s.toolsByName[params.Name]
	if !ok {
		return writeResult(encoder, req.ID, envelope(nil, fmt.Errorf("unknown tool: %s", params.Name)))
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	fields, err := s.callTool(ctx, t, args)
	if err != nil {
		s.logger.Warn("Tool call failed",
			zap.String("tool", t.name),
			zap.Error(err))
	}
	return writeResult(encoder, req.ID, envelope(fields, err))
}

// callTool runs a handler, turning a panic into an error so one bad call
// never takes the server down
func (s *Server) callTool(ctx context.Context, t *tool, args json.RawMessage) (fields map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Tool handler panicked", zap.String("tool", t.name), zap.Any("panic", r))
			fields, err = nil, fmt.Errorf("internal error in %s", t.name)
		}
	}()
	return t.handler(ctx, args)
}

// envelope renders the {success, ...} result body every tool returns
func envelope(fields map[string]any, err error) toolsCallResult {
	body := map[string]any{}
	if err != nil {
		body["success"] = false
		body["error"] = err.Error()
	} else {
		for k, v := range fields {
			body[k] = v
		}
		body["success"] = true
	}

	data, marshalErr := json.MarshalIndent(body, "", "  ")
	if marshalErr != nil {
		data = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, marshalErr.Error()))
		err = marshalErr
	}
	return toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: string(data)}},
		IsError: err != nil,
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return invalidArguments("invalid arguments: %v", err)
	}
	return nil
}

func requireArg(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidArguments("%s is required", name)
	}
	return nil
}

type sessionArgs struct {
	Prompt              string               `json:"prompt"`
	Source              string               `json:"source"`
	Branch              string               `json:"branch"`
	Title               string               `json:"title"`
	AutomationMode      model.AutomationMode `json:"automationMode"`
	RequirePlanApproval bool                 `json:"requirePlanApproval"`
}

func (s *Server) createCodingTask(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args sessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireArg("prompt", args.Prompt); err != nil {
		return nil, err
	}
	if err := requireArg("source", args.Source); err != nil {
		return nil, err
	}
	if args.AutomationMode == "" {
		args.AutomationMode = model.AutomationModeAutoCreatePR
	}
	if !args.AutomationMode.Valid() {
		return nil, invalidArguments("automationMode must be %s or %s", model.AutomationModeAutoCreatePR, model.AutomationModeUnspecified)
	}
	if args.Branch == "" {
		args.Branch = model.DefaultBranch
	}
	if err := s.schedules.CheckSource(args.Source); err != nil {
		return nil, err
	}

	session, err := s.api.CreateSession(ctx, jules.CreateSessionRequest{
		Prompt: args.Prompt,
		SourceContext: model.SourceContext{
			Source:            args.Source,
			GithubRepoContext: &model.GithubRepoContext{StartingBranch: args.Branch},
		},
		Title:               args.Title,
		RequirePlanApproval: args.RequirePlanApproval,
		AutomationMode:      args.AutomationMode,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"session": sessionSummary(session),
		"message": fmt.Sprintf("Session %s created", session.ID),
	}, nil
}

func (s *Server) manageSession(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		SessionID string `json:"sessionId"`
		Action    string `json:"action"`
		Message   string `json:"message"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireArg("sessionId", args.SessionID); err != nil {
		return nil, err
	}

	switch args.Action {
	case "approve_plan":
		if err := s.api.ApprovePlan(ctx, args.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{
			"sessionId": args.SessionID,
			"message":   "Plan approved",
		}, nil
	case "send_message":
		if err := requireArg("message", args.Message); err != nil {
			return nil, err
		}
		if err := s.api.SendMessage(ctx, args.SessionID, args.Message); err != nil {
			return nil, err
		}
		return map[string]any{
			"sessionId": args.SessionID,
			"message":   "Message sent",
		}, nil
	case "":
		return nil, invalidArguments("action is required")
	default:
		return nil, invalidArguments("unknown action %q, expected approve_plan or send_message", args.Action)
	}
}

func (s *Server) getSessionState(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireArg("sessionId", args.SessionID); err != nil {
		return nil, err
	}

	session, err := s.api.GetSession(ctx, args.SessionID)
	if err != nil {
		return nil, err
	}

	var pullRequests []string
	for _, output := range session.Outputs {
		if output.PullRequest != nil && output.PullRequest.URL != "" {
			pullRequests = append(pullRequests, output.PullRequest.URL)
		}
	}
	return map[string]any{
		"session":      sessionSummary(session),
		"pullRequests": pullRequests,
		"needsInput": session.State == model.SessionStateAwaitingPlanApproval ||
			session.State == model.SessionStateAwaitingUserFeedback,
	}, nil
}

func (s *Server) listSources(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		PageSize  int    `json:"pageSize"`
		PageToken string `json:"pageToken"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	resp, err := s.api.ListSources(ctx, jules.ListOptions{PageSize: args.PageSize, PageToken: args.PageToken})
	if err != nil {
		return nil, err
	}
	sources := resp.Sources
	if sources == nil {
		sources = []model.Source{}
	}
	fields := map[string]any{
		"sources": sources,
		"count":   len(sources),
	}
	if resp.NextPageToken != "" {
		fields["nextPageToken"] = resp.NextPageToken
	}
	return fields, nil
}

func (s *Server) scheduleRecurringTask(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var req service.CreateScheduleRequest
	if err := decodeArgs(raw, &req); err != nil {
		return nil, err
	}

	view, err := s.schedules.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"schedule": view,
		"message":  fmt.Sprintf("Schedule %q created", view.Name),
	}
	if view.NextRun != nil {
		fields["nextRun"] = view.NextRun
	}
	return fields, nil
}

func (s *Server) listSchedules(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	views, err := s.schedules.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schedules": views,
		"count":     len(views),
	}, nil
}

func (s *Server) deleteSchedule(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		Schedule string `json:"schedule"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireArg("schedule", args.Schedule); err != nil {
		return nil, err
	}

	task, err := s.schedules.Delete(ctx, args.Schedule)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"deleted": map[string]string{"id": task.ID, "name": task.Name},
		"message": fmt.Sprintf("Schedule %q deleted", task.Name),
	}, nil
}

func (s *Server) updateSchedule(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var req service.UpdateScheduleRequest
	if err := decodeArgs(raw, &req); err != nil {
		return nil, err
	}
	if req.Cron == nil && req.Timezone == nil && req.Enabled == nil {
		return nil, invalidArguments("nothing to update: set cron, timezone or enabled")
	}

	view, err := s.schedules.Update(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schedule": view,
		"message":  fmt.Sprintf("Schedule %q updated", view.Name),
	}, nil
}

func (s *Server) getScheduleHistory(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		Schedule string `json:"schedule"`
		Limit    int    `json:"limit"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	runs, err := s.schedules.History(ctx, args.Schedule, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"runs":  runs,
		"count": len(runs),
	}, nil
}

func sessionSummary(session *model.Session) map[string]any {
	summary := map[string]any{
		"id":    session.ID,
		"name":  session.Name,
		"state": session.State,
	}
	if session.Title != "" {
		summary["title"] = session.Title
	}
	if session.URL != "" {
		summary["url"] = session.URL
	}
	if session.SourceContext.Source != "" {
		summary["source"] = session.SourceContext.Source
	}
	return summary
}
