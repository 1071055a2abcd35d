package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/inference"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/reasoner"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions    Sessions
	Occupations Occupations
	Companies   Companies
}

// NewMCPServer creates an MCP server with all joyjoin tools registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"joyjoin",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("joyjoin extracts user attributes (city, occupation, industry, interests and more) from onboarding conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("match_occupation",
			mcp.WithDescription("Match a free-text job description to a canonical occupation."),
			mcp.WithString("text", mcp.Description("What the user said about their work"), mcp.Required()),
		),
		mcpMatchOccupation(deps),
	)

	s.AddTool(
		mcp.NewTool("recognize_company",
			mcp.WithDescription("Recognize a known employer in free text and list its common roles."),
			mcp.WithString("text", mcp.Description("Text that may mention a company"), mcp.Required()),
		),
		mcpRecognizeCompany(deps),
	)

	s.AddTool(
		mcp.NewTool("infer_turn",
			mcp.WithDescription("Process one user message in a session and return extracted and inferred attributes. Starts a new session when session_id is empty."),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session id")),
			mcp.WithString("user_id", mcp.Description("User id for a new session")),
			mcp.WithString("dimension", mcp.Description("Conversation dimension this turn belongs to (e.g. career)")),
		),
		mcpInferTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("session_digest",
			mcp.WithDescription("Summarize what is known in a session, with the questions to skip and confirm."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpSessionDigest(deps),
	)

	return s
}

func mcpMatchOccupation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpError("text is required"), nil
		}

		m := deps.Occupations.Match(text)
		if m == nil {
			return mcpText("no occupation matched"), nil
		}
		return mcpJSON(m)
	}
}

func mcpRecognizeCompany(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpError("text is required"), nil
		}

		resp := recognizeCompany(deps.Companies, text)
		if resp.Company == nil {
			return mcpText("no company recognized"), nil
		}
		return mcpJSON(resp)
	}
}

func mcpInferTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcpError("message is required"), nil
		}

		id := req.GetString("session_id", "")
		if id == "" {
			sess, err := deps.Sessions.Start(ctx, req.GetString("user_id", ""))
			if err != nil {
				return mcpError(fmt.Sprintf("failed to start session: %v", err)), nil
			}
			id = sess.ID
		}

		turn := session.TurnRequest{Message: message}
		if dim := req.GetString("dimension", ""); dim != "" {
			turn.Progress = &reasoner.Progress{Dimension: dim}
		}

		res, err := deps.Sessions.Turn(ctx, id, turn)
		if err != nil {
			return mcpError(sessionErrorText(err)), nil
		}
		return mcpJSON(struct {
			SessionID string           `json:"sessionId"`
			Result    inference.Result `json:"result"`
		}{id, res})
	}
}

func mcpSessionDigest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil || id == "" {
			return mcpError("session_id is required"), nil
		}

		d, err := deps.Sessions.Digest(ctx, id)
		if err != nil {
			return mcpError(sessionErrorText(err)), nil
		}
		return mcpJSON(d)
	}
}

func sessionErrorText(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session not found"
	case errors.Is(err, session.ErrEnded):
		return "session has ended"
	default:
		return err.Error()
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
