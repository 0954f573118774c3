package mcp

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewWaitNotifyCallShape(t *testing.T) {
	b, err := json.Marshal(NewWaitNotifyCall("wait_test", "Gemini-Automated-Tester", 30))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"method": "tools/call",
		"params": {
			"name": "wait_notify",
			"arguments": {"agent_id": "Gemini-Automated-Tester", "timeout_sec": 30}
		},
		"id": "wait_test"
	}`, string(b))
}

func TestParseWaitNotifyArgs(t *testing.T) {
	args, err := ParseWaitNotifyArgs(map[string]interface{}{"agent_id": "a", "timeout_sec": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, WaitNotifyArgs{AgentID: "a", TimeoutSec: 5}, args)

	args, err = ParseWaitNotifyArgs(map[string]interface{}{"agent_id": "a", "timeout_sec": float64(-1)})
	require.NoError(t, err)
	assert.Equal(t, DefaultWaitTimeoutSec, args.TimeoutSec)

	args, err = ParseWaitNotifyArgs(map[string]interface{}{"agent_id": "a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultWaitTimeoutSec, args.TimeoutSec)

	_, err = ParseWaitNotifyArgs(map[string]interface{}{"agent_id": 7})
	assert.Error(t, err)
	_, err = ParseWaitNotifyArgs(nil)
	assert.Error(t, err)
}

func TestTextResult(t *testing.T) {
	res, err := TextResult(map[string]interface{}{"status": "timeout"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.JSONEq(t, `{"status":"timeout"}`, res.Content[0].Text)
	assert.False(t, res.IsError)

	assert.True(t, ErrorResult("nope").IsError)
}
