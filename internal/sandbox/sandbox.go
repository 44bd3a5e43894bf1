// Package sandbox runs agent invocations inside Docker containers, either a
// fresh container per run or a warm per-group daemon, and owns the
// response-file protocol between host and container.
package sandbox

import (
	"context"
	"errors"
)

// Container-side mount points. The in-container agent is built against these
// paths; they never vary per group.
const (
	ContainerGroupDir   = "/workspace/group"
	ContainerSessionDir = "/workspace/session"
	ContainerIPCDir     = "/workspace/ipc"
	ContainerConfigDir  = "/workspace/config"
)

// Stdout sentinels for ephemeral mode. The agent wraps its response JSON in
// these so the host can extract it from mixed output.
const (
	OutputStartMarker = "---DOTCLAW_OUTPUT_START---"
	OutputEndMarker   = "---DOTCLAW_OUTPUT_END---"
)

// Typed runner failures. The executor retries preemption, stale responses
// and daemon timeouts at this layer; everything else surfaces to the
// failover policy.
var (
	ErrPreempted     = errors.New("container preempted by a newer message")
	ErrStaleResponse = errors.New("stale or unparseable response file")
	ErrDaemonTimeout = errors.New("daemon did not produce a response in time")
)

// Request is the invocation payload handed to the in-container agent.
type Request struct {
	ID          string `json:"id"`
	Prompt      string `json:"prompt"`
	GroupFolder string `json:"groupFolder"`
	ChatJID     string `json:"chatJid"`
	IsMain      bool   `json:"isMain"`
	UserID      string `json:"userId,omitempty"`
	UserName    string `json:"userName,omitempty"`

	Model           string   `json:"model"`
	Fallbacks       []string `json:"fallbacks,omitempty"`
	ReasoningEffort string   `json:"reasoningEffort,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	MaxToolSteps    int      `json:"maxToolSteps,omitempty"`
	TimeoutMs       int64    `json:"timeoutMs"`

	ToolAllow           []string       `json:"toolAllow,omitempty"`
	ToolDeny            []string       `json:"toolDeny,omitempty"`
	ToolBudgetsSnapshot map[string]int `json:"toolBudgetsSnapshot,omitempty"`

	SessionID      string `json:"sessionId,omitempty"`
	PersistSession bool   `json:"persistSession"`

	Recall                string            `json:"recall,omitempty"`
	UserProfile           string            `json:"userProfile,omitempty"`
	SystemPromptOverrides string            `json:"systemPromptOverrides,omitempty"`
	Personalization       map[string]string `json:"personalization,omitempty"`
}

// ToolCall is one tool invocation reported back by the agent.
type ToolCall struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
}

// Response is the agent's reply.
type Response struct {
	Status            string     `json:"status"` // "success" or "error"
	Result            string     `json:"result,omitempty"`
	Error             string     `json:"error,omitempty"`
	NewSessionID      string     `json:"newSessionId,omitempty"`
	Model             string     `json:"model,omitempty"`
	LatencyMs         int64      `json:"latency_ms,omitempty"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	TokensPrompt      int        `json:"tokens_prompt,omitempty"`
	TokensCompletion  int        `json:"tokens_completion,omitempty"`
	MemoryRecallCount int        `json:"memory_recall_count,omitempty"`
	StreamDir         string     `json:"stream_dir,omitempty"`
}

// Runner executes one agent request.
type Runner interface {
	Run(ctx context.Context, req Request) (Response, error)
	// Cancel preempts the in-flight request with the given id, if any.
	Cancel(ctx context.Context, groupFolder, requestID string) error
	Close() error
}
