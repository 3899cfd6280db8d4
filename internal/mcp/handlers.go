package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/clarify/internal/ambiguity"
	"github.com/ziadkadry99/clarify/internal/calibration"
	"github.com/ziadkadry99/clarify/internal/session"
)

// handleStartClarification opens a new session from the agent's detected
// ambiguities.
func (s *Server) handleStartClarification(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	rawAmbiguities, err := request.RequireString("ambiguities")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: ambiguities"), nil
	}

	var ambs []ambiguity.Ambiguity
	if err := json.Unmarshal([]byte(rawAmbiguities), &ambs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ambiguities is not a valid JSON array: %v", err)), nil
	}

	sess, err := s.engine.Start(ctx, session.StartRequest{
		UserScope:      request.GetString("user_scope", ""),
		OriginalQuery:  query,
		Ambiguities:    ambs,
		PatternSupport: request.GetFloat("pattern_support", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("starting session failed: %v", err)), nil
	}

	return jsonResult(sess)
}

// handleSubmitAnswers applies an answer batch to a session.
func (s *Server) handleSubmitAnswers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	rawAnswers, err := request.RequireString("answers")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: answers"), nil
	}

	var answers []session.AnswerInput
	if err := json.Unmarshal([]byte(rawAnswers), &answers); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("answers is not a valid JSON array: %v", err)), nil
	}
	if len(answers) == 0 {
		return mcp.NewToolResultError("at least one answer is required"), nil
	}

	sess, err := s.engine.Apply(ctx, sessionID, answers)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("applying answers failed: %v", err)), nil
	}

	return jsonResult(sess)
}

// handleGetSession returns the full session state.
func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	sess, err := s.engine.Get(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("loading session failed: %v", err)), nil
	}

	return jsonResult(sess)
}

// handleGetResolvedContext returns the disambiguated context of a resolved
// session.
func (s *Server) handleGetResolvedContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	rc, err := s.engine.ResolvedContext(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolved context unavailable: %v", err)), nil
	}

	return jsonResult(rc)
}

// handleReportOutcome records the downstream result of a session.
func (s *Server) handleReportOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	rawOutcome, err := request.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: outcome"), nil
	}

	outcome := calibration.Outcome(strings.ToLower(rawOutcome))
	if !outcome.Valid() {
		return mcp.NewToolResultError("outcome must be approved, rejected or modified"), nil
	}

	if err := s.engine.ReportOutcome(ctx, sessionID, outcome, nil); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recording outcome failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Outcome %q recorded for session %s.", outcome, sessionID)), nil
}

// jsonResult renders a value as indented JSON tool output.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}
