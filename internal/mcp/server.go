package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/jules"
	"github.com/t77yq/jules-scheduler/internal/model"
	"github.com/t77yq/jules-scheduler/internal/monitor"
	"github.com/t77yq/jules-scheduler/internal/service"
)

const maxMessageSize = 4 * 1024 * 1024

// SessionAPI is the slice of the Jules client the tools use
type SessionAPI interface {
	ListSources(ctx context.Context, opts jules.ListOptions) (*model.ListSourcesResponse, error)
	CreateSession(ctx context.Context, req jules.CreateSessionRequest) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ApprovePlan(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, prompt string) error
	ListActivities(ctx context.Context, id string, opts jules.ListOptions) (*model.ListActivitiesResponse, error)
}

// ScheduleManager is the admission layer the scheduling tools call
type ScheduleManager interface {
	Create(ctx context.Context, req service.CreateScheduleRequest) (*service.ScheduleView, error)
	List(ctx context.Context) ([]service.ScheduleView, error)
	Delete(ctx context.Context, idOrName string) (*model.ScheduledTask, error)
	Update(ctx context.Context, req service.UpdateScheduleRequest) (*service.ScheduleView, error)
	History(ctx context.Context, idOrName string, limit int) ([]*model.RunRecord, error)
	ExecutionSummary(ctx context.Context) ([]model.ScheduledTask, error)
	CheckSource(source string) error
}

// StatusSource produces server status snapshots
type StatusSource interface {
	Snapshot(ctx context.Context) (*monitor.Status, error)
}

// Config identifies the server to clients
type Config struct {
	Name    string
	Version string
}

// Server is an MCP server speaking newline-delimited JSON-RPC 2.0. Requests
// other than initialize are handled concurrently; responses are written in
// completion order.
type Server struct {
	logger    *zap.Logger
	config    Config
	api       SessionAPI
	schedules ScheduleManager
	status    StatusSource

	tools       []tool
	toolsByName map[string]*tool
	prompts     []prompt

	mu          sync.Mutex
	initialized bool
	wg          sync.WaitGroup
}

// NewServer creates an MCP server over the given backends
func NewServer(config Config, api SessionAPI, schedules ScheduleManager, status StatusSource, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger.Named("mcp"),
		config:    config,
		api:       api,
		schedules: schedules,
		status:    status,
		prompts:   builtinPrompts(),
	}
	s.tools = s.buildTools()
	s.toolsByName = make(map[string]*tool, len(s.tools))
	for i := range s.tools {
		s.toolsByName[s.tools[i].name] = &s.tools[i]
	}
	return s
}

// Run processes requests from input until EOF or ctx is cancelled, then
// waits for in-flight requests to finish
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	encoder := &lockedEncoder{encoder: json.NewEncoder(output)}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	defer s.wg.Wait()
	s.logger.Info("MCP server listening on stdio")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
				default:
				}
				s.logger.Info("Input closed")
				return nil
			}
			if err := s.handleLine(ctx, encoder, line); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleLine(ctx context.Context, encoder *lockedEncoder, line []byte) error {
	if len(line) == 0 {
		return nil
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		if writeErr := writeError(encoder, json.RawMessage("null"), codeParseError, "parse error: "+err.Error()); writeErr != nil {
			return fmt.Errorf("writing parse error response: %w", writeErr)
		}
		return nil
	}

	if req.JSONRPC != "2.0" {
		if !req.isNotification() {
			if writeErr := writeError(encoder, req.ID, codeInvalidRequest, "unsupported JSON-RPC version"); writeErr != nil {
				return fmt.Errorf("writing version error response: %w", writeErr)
			}
		}
		return nil
	}

	if req.isNotification() {
		s.logger.Debug("Notification received", zap.String("method", req.Method))
		return nil
	}

	// initialize is handled inline so later requests observe its effect
	if req.Method == "initialize" {
		return s.handleInitialize(encoder, &req)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatch(ctx, encoder, &req); err != nil {
			s.logger.Error("Failed to write response",
				zap.String("method", req.Method),
				zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) dispatch(ctx context.Context, encoder *lockedEncoder, req *request) error {
	if req.Method != "ping" && !s.isInitialized() {
		return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
	}

	switch req.Method {
	case "ping":
		return writeResult(encoder, req.ID, map[string]any{})
	case "tools/list":
		return s.handleToolsList(encoder, req)
	case "tools/call":
		return s.handleToolsCall(ctx, encoder, req)
	case "resources/list":
		return s.handleResourcesList(encoder, req)
	case "resources/templates/list":
		return s.handleResourceTemplatesList(encoder, req)
	case "resources/read":
		return s.handleResourcesRead(ctx, encoder, req)
	case "prompts/list":
		return s.handlePromptsList(encoder, req)
	case "prompts/get":
		return s.handlePromptsGet(encoder, req)
	default:
		return writeError(encoder, req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Server) handleInitialize(encoder *lockedEncoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for initialize")
	}

	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info("Client initialized",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version),
		zap.String("protocol_version", params.ProtocolVersion))

	return writeResult(encoder, req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &listCapability{},
			Resources: &listCapability{},
			Prompts:   &listCapability{},
		},
		ServerInfo: serverInfo{
			Name:    s.config.Name,
			Version: s.config.Version,
		},
		Instructions: "Create and manage Jules coding sessions, and schedule recurring Jules tasks with cron expressions.",
	})
}
