package model

import (
	"encoding/json"
	"time"
)

// SessionState represents the lifecycle state of a remote coding session
type SessionState string

const (
	SessionStateUnspecified          SessionState = "STATE_UNSPECIFIED"
	SessionStateQueued               SessionState = "QUEUED"
	SessionStatePlanning             SessionState = "PLANNING"
	SessionStateAwaitingPlanApproval SessionState = "AWAITING_PLAN_APPROVAL"
	SessionStateAwaitingUserFeedback SessionState = "AWAITING_USER_FEEDBACK"
	SessionStateInProgress           SessionState = "IN_PROGRESS"
	SessionStatePaused               SessionState = "PAUSED"
	SessionStateFailed               SessionState = "FAILED"
	SessionStateCompleted            SessionState = "COMPLETED"
)

// GithubBranch names a branch of a GitHub repository
type GithubBranch struct {
	DisplayName string `json:"displayName"`
}

// GithubRepo describes the repository behind a source
type GithubRepo struct {
	Owner         string         `json:"owner"`
	Repo          string         `json:"repo"`
	IsPrivate     bool           `json:"isPrivate,omitempty"`
	DefaultBranch *GithubBranch  `json:"defaultBranch,omitempty"`
	Branches      []GithubBranch `json:"branches,omitempty"`
}

// Source is a repository the coding agent is connected to
type Source struct {
	Name       string      `json:"name"`
	ID         string      `json:"id"`
	GithubRepo *GithubRepo `json:"githubRepo,omitempty"`
}

// GithubRepoContext selects the starting branch of a session
type GithubRepoContext struct {
	StartingBranch string `json:"startingBranch"`
}

// SourceContext binds a session to a source
type SourceContext struct {
	Source            string             `json:"source"`
	GithubRepoContext *GithubRepoContext `json:"githubRepoContext,omitempty"`
}

// PullRequest is a pull request published by a session
type PullRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// SessionOutput is one output produced by a session
type SessionOutput struct {
	PullRequest *PullRequest `json:"pullRequest,omitempty"`
}

// Session is a remote unit of work executed by the coding agent
type Session struct {
	Name                string          `json:"name"`
	ID                  string          `json:"id"`
	Title               string          `json:"title,omitempty"`
	Prompt              string          `json:"prompt"`
	SourceContext       SourceContext   `json:"sourceContext"`
	RequirePlanApproval bool            `json:"requirePlanApproval,omitempty"`
	AutomationMode      AutomationMode  `json:"automationMode,omitempty"`
	State               SessionState    `json:"state,omitempty"`
	URL                 string          `json:"url,omitempty"`
	CreateTime          *time.Time      `json:"createTime,omitempty"`
	UpdateTime          *time.Time      `json:"updateTime,omitempty"`
	Outputs             []SessionOutput `json:"outputs,omitempty"`
}

// Activity is a single event in a session's timeline. Variant payloads are
// kept raw; callers that need them decode the field they care about.
type Activity struct {
	Name             string          `json:"name"`
	ID               string          `json:"id"`
	Description      string          `json:"description,omitempty"`
	CreateTime       *time.Time      `json:"createTime,omitempty"`
	Originator       string          `json:"originator,omitempty"`
	PlanGenerated    json.RawMessage `json:"planGenerated,omitempty"`
	PlanApproved     json.RawMessage `json:"planApproved,omitempty"`
	UserMessaged     json.RawMessage `json:"userMessaged,omitempty"`
	AgentMessaged    json.RawMessage `json:"agentMessaged,omitempty"`
	ProgressUpdated  json.RawMessage `json:"progressUpdated,omitempty"`
	SessionCompleted json.RawMessage `json:"sessionCompleted,omitempty"`
	SessionFailed    json.RawMessage `json:"sessionFailed,omitempty"`
	Artifacts        json.RawMessage `json:"artifacts,omitempty"`
}

// ListSourcesResponse is a page of sources
type ListSourcesResponse struct {
	Sources       []Source `json:"sources"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

// ListSessionsResponse is a page of sessions
type ListSessionsResponse struct {
	Sessions      []Session `json:"sessions"`
	NextPageToken string    `json:"nextPageToken,omitempty"`
}

// ListActivitiesResponse is a page of session activities
type ListActivitiesResponse struct {
	Activities    []Activity `json:"activities"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}
