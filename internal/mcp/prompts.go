package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

type prompt struct {
	name        string
	description string
	arguments   []promptArgument
	template    string
}

// render substitutes {{name}} placeholders. Optional arguments that were
// not supplied render as an empty string.
func (p *prompt) render(args map[string]string) (string, error) {
	pairs := make([]string, 0, 2*len(p.arguments))
	for _, arg := range p.arguments {
		value := strings.TrimSpace(args[arg.Name])
		if value == "" && arg.Required {
			return "", fmt.Errorf("missing required argument %q", arg.Name)
		}
		pairs = append(pairs, "{{"+arg.Name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(p.template), nil
}

func builtinPrompts() []prompt {
	return []prompt{
		{
			name:        "refactor_module",
			description: "Ask Jules to refactor a module without changing behavior",
			arguments: []promptArgument{
				{Name: "module", Description: "Path of the module to refactor", Required: true},
				{Name: "goal", Description: "What the refactor should achieve"},
			},
			template: "Refactor the module at {{module}}. Goal: {{goal}}\n" +
				"Keep the public behavior unchanged, keep existing tests passing and " +
				"add tests where coverage is missing.",
		},
		{
			name:        "add_test_coverage",
			description: "Ask Jules to add tests for untested code",
			arguments: []promptArgument{
				{Name: "target", Description: "File, package or directory to cover", Required: true},
				{Name: "framework", Description: "Test framework to use"},
			},
			template: "Add unit tests for {{target}} using {{framework}}.\n" +
				"Cover the main paths and the edge cases, and do not change production code " +
				"unless a test exposes a bug.",
		},
		{
			name:        "dependency_update",
			description: "Ask Jules to update dependencies and fix breakages",
			arguments: []promptArgument{
				{Name: "scope", Description: "Which dependencies to update (default: all)"},
			},
			template: "Update the project dependencies ({{scope}}) to their latest compatible versions.\n" +
				"Fix any build or test failures the update causes and summarize notable changes.",
		},
		{
			name:        "fix_bug",
			description: "Ask Jules to reproduce and fix a bug",
			arguments: []promptArgument{
				{Name: "description", Description: "What goes wrong", Required: true},
				{Name: "location", Description: "Where the bug is suspected to live"},
			},
			template: "Fix the following bug: {{description}}\n" +
				"Suspected location: {{location}}\n" +
				"Write a failing test that reproduces it first, then make it pass.",
		},
	}
}

func (s *Server) handlePromptsList(encoder *lockedEncoder, req *request) error {
	descriptions := make([]promptDescription, 0, len(s.prompts))
	for _, p := range s.prompts {
		descriptions = append(descriptions, promptDescription{
			Name:        p.name,
			Description: p.description,
			Arguments:   p.arguments,
		})
	}
	return writeResult(encoder, req.ID, promptsListResult{Prompts: descriptions})
}

func (s *Server) handlePromptsGet(encoder *lockedEncoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for prompts/get")
	}

	var params promptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid prompts/get params: "+err.Error())
	}

	for i := range s.prompts {
		p := &s.prompts[i]
		if p.name != params.Name {
			continue
		}
		text, err := p.render(params.Arguments)
		if err != nil {
			return writeError(encoder, req.ID, codeInvalidParams, err.Error())
		}
		return writeResult(encoder, req.ID, promptsGetResult{
			Description: p.description,
			Messages: []promptMessage{{
				Role:    "user",
				Content: contentBlock{Type: "text", Text: text},
			}},
		})
	}
	return writeError(encoder, req.ID, codeInvalidParams, "unknown prompt: "+params.Name)
}
