package mcp

import (
	"encoding/json"
	"fmt"
	"github.com/agenthub/waitprobe/internal/jsonrpc"
)

const (
	MethodToolsCall = "tools/call"
	ToolWaitNotify  = "wait_notify"
)

// DefaultWaitTimeoutSec is what the hub uses when timeout_sec is missing
// or not positive.
const DefaultWaitTimeoutSec = 180

type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// NewWaitNotifyCall builds the tools/call envelope for wait_notify.
func NewWaitNotifyCall(id, agentID string, timeoutSec int) jsonrpc.Request {
	return jsonrpc.NewRequest(id, MethodToolsCall, CallToolParams{
		Name: ToolWaitNotify,
		Arguments: map[string]interface{}{
			"agent_id":    agentID,
			"timeout_sec": timeoutSec,
		},
	})
}

// WaitNotifyArgs are the decoded wait_notify arguments.
type WaitNotifyArgs struct {
	AgentID    string
	TimeoutSec int
}

// ParseWaitNotifyArgs validates wait_notify arguments the way the hub does:
// agent_id is required, and timeout_sec falls back to the default.
func ParseWaitNotifyArgs(args map[string]interface{}) (WaitNotifyArgs, error) {
	agentID, ok := args["agent_id"].(string)
	if !ok || agentID == "" {
		return WaitNotifyArgs{}, fmt.Errorf("agent_id is required and must be a string")
	}

	timeout := DefaultWaitTimeoutSec
	if n, ok := args["timeout_sec"].(float64); ok && int(n) > 0 {
		timeout = int(n)
	}

	return WaitNotifyArgs{AgentID: agentID, TimeoutSec: timeout}, nil
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult marshals v as indented JSON into a single text content item.
func TextResult(v interface{}) (CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return CallToolResult{Content: []Content{{Type: "text", Text: string(data)}}}, nil
}

// ErrorResult reports a tool-level failure.
func ErrorResult(msg string) CallToolResult {
	return CallToolResult{Content: []Content{{Type: "text", Text: msg}}, IsError: true}
}
