// Package mcp lets an agent request secrets through Model Context Protocol
// tools. One server is bound to one agent id.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	mcplib "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

const instructions = "Sentinel brokers access to secrets. Call request_secret with the " +
	"resource you need, a task id and a one-line summary of why. An APPROVED " +
	"answer carries the secret; PENDING_APPROVAL means a human must decide, so " +
	"call check_request later with the returned id."

// NewServer creates an MCP server whose tools act as agentID.
func NewServer(eng *lifecycle.Engine, agentID, version string, logger *slog.Logger) (*mcplib.Server, error) {
	if agentID == "" {
		return nil, errors.New("mcp: agent id is required")
	}
	s := mcplib.NewServer(&mcplib.Implementation{
		Name:    "sentinel",
		Version: version,
	}, &mcplib.ServerOptions{Instructions: instructions})

	h := &handlers{engine: eng, agentID: agentID, logger: logger}
	s.AddTool(requestSecretTool(), h.handleRequestSecret)
	s.AddTool(checkRequestTool(), h.handleCheckRequest)
	return s, nil
}

// Serve runs s on stdio until ctx is done or the client disconnects.
func Serve(ctx context.Context, s *mcplib.Server) error {
	return s.Run(ctx, &mcplib.StdioTransport{})
}
