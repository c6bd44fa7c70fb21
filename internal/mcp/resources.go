package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/jules"
	"github.com/t77yq/jules-scheduler/internal/model"
)

const (
	uriSources         = "jules://sources"
	uriSchedules       = "jules://schedules"
	uriScheduleHistory = "jules://schedules/history"
	uriServerStatus    = "jules://server/status"

	sessionURIPrefix = "jules://sessions/"
	sessionURISuffix = "/full"

	mimeJSON = "application/json"

	// maxListPages bounds how many pages one resource read follows
	maxListPages = 100
)

var staticResources = []resourceDescription{
	{URI: uriSources, Name: "Connected sources", Description: "Repositories connected to Jules", MIMEType: mimeJSON},
	{URI: uriSchedules, Name: "Scheduled tasks", Description: "All scheduled tasks with their next run times", MIMEType: mimeJSON},
	{URI: uriScheduleHistory, Name: "Schedule execution history", Description: "Scheduled tasks that have run, most recent first", MIMEType: mimeJSON},
	{URI: uriServerStatus, Name: "Server status", Description: "Process, host and scheduler status", MIMEType: mimeJSON},
}

var resourceTemplates = []resourceTemplate{
	{
		URITemplate: sessionURIPrefix + "{id}" + sessionURISuffix,
		Name:        "Session with activities",
		Description: "A session and its full activity timeline",
		MIMEType:    mimeJSON,
	},
}

func (s *Server) handleResourcesList(encoder *lockedEncoder, req *request) error {
	return writeResult(encoder, req.ID, resourcesListResult{Resources: staticResources})
}

func (s *Server) handleResourceTemplatesList(encoder *lockedEncoder, req *request) error {
	return writeResult(encoder, req.ID, resourceTemplatesListResult{ResourceTemplates: resourceTemplates})
}

func (s *Server) handleResourcesRead(ctx context.Context, encoder *lockedEncoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for resources/read")
	}

	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid resources/read params: "+err.Error())
	}

	var (
		body any
		err  error
	)
	switch params.URI {
	case uriSources:
		body, err = s.readSources(ctx)
	case uriSchedules:
		body, err = s.schedules.List(ctx)
	case uriScheduleHistory:
		body, err = s.schedules.ExecutionSummary(ctx)
	case uriServerStatus:
		body, err = s.status.Snapshot(ctx)
	default:
		id, ok := sessionIDFromURI(params.URI)
		if !ok {
			return writeError(encoder, req.ID, codeResourceNotFound, "resource not found: "+params.URI)
		}
		body, err = s.readSessionFull(ctx, id)
	}

	if err != nil {
		s.logger.Warn("Resource read failed", zap.String("uri", params.URI), zap.Error(err))
		body = map[string]any{"success": false, "error": err.Error()}
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return writeError(encoder, req.ID, codeInternalError, fmt.Sprintf("failed to encode %s: %v", params.URI, err))
	}
	return writeResult(encoder, req.ID, resourcesReadResult{
		Contents: []resourceContent{{URI: params.URI, MIMEType: mimeJSON, Text: string(data)}},
	})
}

func sessionIDFromURI(uri string) (string, bool) {
	if !strings.HasPrefix(uri, sessionURIPrefix) || !strings.HasSuffix(uri, sessionURISuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, sessionURIPrefix), sessionURISuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (s *Server) readSources(ctx context.Context) ([]model.Source, error) {
	var sources []model.Source
	err := collectPages(func(token string) (string, error) {
		resp, err := s.api.ListSources(ctx, jules.ListOptions{PageToken: token})
		if err != nil {
			return "", err
		}
		sources = append(sources, resp.Sources...)
		return resp.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}
	if sources == nil {
		sources = []model.Source{}
	}
	return sources, nil
}

type sessionFull struct {
	Session    *model.Session   `json:"session"`
	Activities []model.Activity `json:"activities"`
}

func (s *Server) readSessionFull(ctx context.Context, id string) (*sessionFull, error) {
	session, err := s.api.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	full := &sessionFull{Session: session, Activities: []model.Activity{}}
	err = collectPages(func(token string) (string, error) {
		resp, err := s.api.ListActivities(ctx, id, jules.ListOptions{PageToken: token})
		if err != nil {
			return "", err
		}
		full.Activities = append(full.Activities, resp.Activities...)
		return resp.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}
	return full, nil
}

// collectPages calls fetch with successive page tokens until the list ends.
// A token seen before, or more than maxListPages pages, also ends it.
func collectPages(fetch func(token string) (string, error)) error {
	seen := make(map[string]bool)
	var token string
	for page := 0; page < maxListPages; page++ {
		next, err := fetch(token)
		if err != nil {
			return err
		}
		if next == "" || seen[next] {
			return nil
		}
		seen[next] = true
		token = next
	}
	return nil
}
