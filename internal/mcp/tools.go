package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcplib "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

// defaultTTLSeconds applies when the caller does not ask for a lifetime.
const defaultTTLSeconds = 900

type handlers struct {
	engine  *lifecycle.Engine
	agentID string
	logger  *slog.Logger
}

// --- Tool definitions ---

func requestSecretTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name: "request_secret",
		Description: "Request time-boxed access to a secret. Policy decides immediately: " +
			"APPROVED returns the secret, DENIED returns the reason, PENDING_APPROVAL " +
			"waits for a human.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"resource_id": map[string]any{"type": "string", "description": "Resource to access, e.g. prod_db"},
				"task_id":     map[string]any{"type": "string", "description": "Ticket or task this access serves"},
				"summary":     map[string]any{"type": "string", "description": "One line on why access is needed (max 280 characters)"},
				"description": map[string]any{"type": "string", "description": "Longer justification"},
				"ttl_seconds": map[string]any{"type": "integer", "description": "Requested lifetime; capped by the server"},
			},
			"required": []string{"resource_id", "task_id", "summary"},
		},
	}
}

func checkRequestTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "check_request",
		Description: "Check the current status of an earlier request. Approved requests include the secret until it expires.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"request_id": map[string]any{"type": "string", "description": "Id returned by request_secret"},
			},
			"required": []string{"request_id"},
		},
	}
}

// --- Handlers ---

type requestSecretArgs struct {
	ResourceID  string `json:"resource_id"`
	TaskID      string `json:"task_id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type checkRequestArgs struct {
	RequestID string `json:"request_id"`
}

// requestResult is what the agent sees. Secret is set only while live.
type requestResult struct {
	RequestID string         `json:"request_id"`
	Status    access.Status  `json:"status"`
	Resource  string         `json:"resource_id"`
	Reason    string         `json:"reason,omitempty"`
	Secret    *access.Secret `json:"secret,omitempty"`
	Next      string         `json:"next,omitempty"`
}

func (h *handlers) handleRequestSecret(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args requestSecretArgs
	if err := decodeArgs(req, &args); err != nil {
		return toolError(err.Error()), nil
	}
	if args.TTLSeconds == 0 {
		args.TTLSeconds = defaultTTLSeconds
	}

	r, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
		AgentID:    h.agentID,
		ResourceID: strings.TrimSpace(args.ResourceID),
		Intent: access.Intent{
			TaskID:      args.TaskID,
			Summary:     args.Summary,
			Description: args.Description,
		},
		TTLSeconds: args.TTLSeconds,
	})
	if err != nil {
		h.logger.Warn("mcp request_secret failed", "agent", h.agentID, "error", err)
		return toolError(err.Error()), nil
	}
	return toolJSON(result(r)), nil
}

func (h *handlers) handleCheckRequest(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args checkRequestArgs
	if err := decodeArgs(req, &args); err != nil {
		return toolError(err.Error()), nil
	}
	if args.RequestID == "" {
		return toolError("request_id is required"), nil
	}
	r, err := h.engine.Poll(ctx, args.RequestID)
	if err != nil || r.AgentID != h.agentID {
		return toolError(fmt.Sprintf("request %s not found", args.RequestID)), nil
	}
	return toolJSON(result(r)), nil
}

func result(r access.Request) requestResult {
	out := requestResult{RequestID: r.ID, Status: r.Status, Resource: r.ResourceID, Secret: r.Secret}
	if r.Decision != nil {
		out.Reason = r.Decision.Reason
	}
	switch r.Status {
	case access.StatusPending:
		out.Next = "waiting for human approval; call check_request later"
	case access.StatusApproved:
		out.Next = "secret expires at " + r.Secret.ExpiresAt.UTC().Format(time.RFC3339)
	case access.StatusExpired:
		out.Next = "access has ended; submit a new request if still needed"
	}
	return out
}

func decodeArgs(req *mcplib.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func toolJSON(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{&mcplib.TextContent{Text: string(data)}},
	}
}

func toolError(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{&mcplib.TextContent{Text: msg}},
		IsError: true,
	}
}
