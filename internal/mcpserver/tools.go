// Package mcpserver registers MCP tools for inspecting and resetting the
// relay's credential state. It adapts the worker to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/authrelay/internal/worker"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// PageCounter reports how many pages are connected. *pages.Hub satisfies
// it.
type PageCounter interface {
	Count() int
}

// RegisterTools adds all relay tools to the given MCP server. pages may be
// nil.
func RegisterTools(server *mcp.Server, w *worker.Worker, pages PageCounter) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "credential_status",
		Description: "Report the stored credential's state (absent, unauthorized or present), its expiry, whether a refresh currently holds the lock, and how many pages are connected. Never returns the credential itself.",
	}, statusHandler(w, pages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "credential_clear",
		Description: "Remove the stored credential, as a logout would, without navigating any page. The next API request resolves from scratch.",
	}, clearHandler(w))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lock_release",
		Description: "Force-release the refresh lock. Use when a refresh is stuck and requests are waiting on it.",
	}, lockReleaseHandler(w))
}

// --- Input types ---

// EmptyInput is used by tools that take no parameters.
type EmptyInput struct{}

// --- Output types ---

// StatusResult is returned by credential_status.
type StatusResult struct {
	State          string `json:"state"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Expired        bool   `json:"expired"`
	Malformed      bool   `json:"malformed,omitempty"`
	LockHeld       bool   `json:"lock_held"`
	ConnectedPages int    `json:"connected_pages"`
}

// ClearResult is returned by credential_clear.
type ClearResult struct {
	PreviousState string `json:"previous_state"`
}

// LockReleaseResult is returned by lock_release.
type LockReleaseResult struct {
	WasHeld bool `json:"was_held"`
}

// --- Handlers ---

func statusHandler(w *worker.Worker, pages PageCounter) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		st, err := w.Status()
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{
			State:     st.State,
			Expired:   st.Expired,
			Malformed: st.Malformed,
			LockHeld:  st.LockHeld,
		}

		if !st.ExpiresAt.IsZero() {
			result.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
		}

		if pages != nil {
			result.ConnectedPages = pages.Count()
		}

		return textResult(result), result, nil
	}
}

func clearHandler(w *worker.Worker) mcp.ToolHandlerFor[EmptyInput, *ClearResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ClearResult, error) {
		st, err := w.Status()
		if err != nil {
			return nil, nil, err
		}

		if err := w.ClearCredential(); err != nil {
			return nil, nil, err
		}

		result := &ClearResult{PreviousState: st.State}

		return textResult(result), result, nil
	}
}

func lockReleaseHandler(w *worker.Worker) mcp.ToolHandlerFor[EmptyInput, *LockReleaseResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *LockReleaseResult, error) {
		result := &LockReleaseResult{WasHeld: w.Locked()}
		w.Reset()

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
