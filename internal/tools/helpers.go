package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jamesprial/raspi-doctor/internal/safety"
)

// JSONResult marshals v to indented JSON as a text result.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns a result flagged as an error.
func ErrorResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError("error: " + msg)
}

// IntArg reads an integer argument, falling back to def when absent and
// clamping into [lo, hi].
func IntArg(req mcp.CallToolRequest, name string, def, lo, hi int) int {
	n := req.GetInt(name, def)
	return min(max(n, lo), hi)
}

// LogAudit records a tool invocation. A nil logger is ignored.
func LogAudit(audit *safety.AuditLogger, toolName string, params map[string]any, result string, start time.Time) {
	if audit == nil {
		return
	}
	_ = audit.Log(safety.AuditEntry{
		Timestamp: start,
		Tool:      toolName,
		Params:    params,
		Result:    result,
		Duration:  time.Since(start),
	})
}

// ConfirmPrompt issues a token for toolName on subject and tells the caller
// how to use it.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, subject, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, subject)
	target := subject
	if target == "" {
		target = "this host"
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation required for %s on %q.\n\n%s\n\nTo proceed, call %s again with the same arguments and confirmation_token=%q.",
		toolName, target, description, toolName, token,
	))
}
