package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/clarify/internal/calibration"
	"github.com/ziadkadry99/clarify/internal/db"
	"github.com/ziadkadry99/clarify/internal/session"
)

func newTestMCPServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	calib, err := calibration.NewStore(database, calibration.Config{})
	if err != nil {
		t.Fatalf("creating calibration store: %v", err)
	}
	engine := session.NewEngine(session.NewStore(database), nil, calib, nil, nil,
		session.Config{ProceedThreshold: 0.5})
	return NewServer(engine)
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	return text.Text
}

const testAmbiguities = `[{
	"id": "amb-1",
	"kind": "entity",
	"severity": "critical",
	"candidates": [
		{"entity_id": "light-1", "label": "kitchen light"},
		{"entity_id": "light-2", "label": "hallway light"}
	]
}]`

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name     string
		tool     mcp.Tool
		wantName string
	}{
		{"start_clarification", startClarificationTool, "start_clarification"},
		{"submit_answers", submitAnswersTool, "submit_answers"},
		{"get_session", getSessionTool, "get_session"},
		{"get_resolved_context", getResolvedContextTool, "get_resolved_context"},
		{"report_outcome", reportOutcomeTool, "report_outcome"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.tool.Name != tt.wantName {
				t.Errorf("tool name = %q, want %q", tt.tool.Name, tt.wantName)
			}
			if tt.tool.Description == "" {
				t.Error("tool description should not be empty")
			}
		})
	}
}

func TestNewServer(t *testing.T) {
	srv := newTestMCPServer(t)
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	if srv.mcp == nil {
		t.Fatal("MCP server not initialized")
	}
	if srv.engine == nil {
		t.Fatal("engine not set")
	}
}

func TestHandleStartClarification(t *testing.T) {
	srv := newTestMCPServer(t)
	ctx := context.Background()

	t.Run("opens session with questions", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{
			"query":       "turn on the light",
			"ambiguities": testAmbiguities,
		}

		result, err := srv.handleStartClarification(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.IsError {
			t.Fatalf("unexpected tool error: %v", result.Content)
		}

		var sess session.Session
		if err := json.Unmarshal([]byte(resultText(t, result)), &sess); err != nil {
			t.Fatalf("result is not a session: %v", err)
		}
		if sess.State != session.StateAwaitingAnswers {
			t.Errorf("expected awaiting_answers, got %s", sess.State)
		}
		if len(sess.Rounds) != 1 || len(sess.Rounds[0].Questions) != 1 {
			t.Errorf("expected one question in one round, got %+v", sess.Rounds)
		}
	})

	t.Run("missing query", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"ambiguities": testAmbiguities}

		result, err := srv.handleStartClarification(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for missing query")
		}
	})

	t.Run("invalid ambiguities json", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{
			"query":       "turn on the light",
			"ambiguities": "not json",
		}

		result, err := srv.handleStartClarification(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for invalid ambiguities")
		}
	})

	t.Run("malformed ambiguity", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{
			"query":       "turn on the light",
			"ambiguities": `[{"id": "amb-1", "kind": "entity", "severity": "critical", "candidates": []}]`,
		}

		result, err := srv.handleStartClarification(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for ambiguity without candidates")
		}
	})
}

func TestClarificationToolFlow(t *testing.T) {
	srv := newTestMCPServer(t)
	ctx := context.Background()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"query":       "turn on the light",
		"ambiguities": testAmbiguities,
	}
	result, err := srv.handleStartClarification(ctx, req)
	if err != nil || result.IsError {
		t.Fatalf("start failed: %v %v", err, result.Content)
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(resultText(t, result)), &sess); err != nil {
		t.Fatalf("decoding session: %v", err)
	}

	// The resolved context is not answerable before resolution.
	req = mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"session_id": sess.ID}
	result, err = srv.handleGetResolvedContext(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error for unresolved context")
	}

	// Answer the question with a listed option.
	q := sess.Rounds[0].Questions[0]
	quality := 1.0
	answers, _ := json.Marshal([]session.AnswerInput{
		{QuestionID: q.ID, AnswerText: q.Options[0], Quality: &quality},
	})
	req = mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"session_id": sess.ID,
		"answers":    string(answers),
	}
	result, err = srv.handleSubmitAnswers(ctx, req)
	if err != nil || result.IsError {
		t.Fatalf("submit failed: %v %v", err, result.Content)
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &sess); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if sess.State != session.StateResolved {
		t.Fatalf("expected resolved, got %s", sess.State)
	}

	req = mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"session_id": sess.ID}
	result, err = srv.handleGetResolvedContext(ctx, req)
	if err != nil || result.IsError {
		t.Fatalf("resolved context failed: %v %v", err, result.Content)
	}
	var rc session.ResolvedContext
	if err := json.Unmarshal([]byte(resultText(t, result)), &rc); err != nil {
		t.Fatalf("decoding context: %v", err)
	}
	if len(rc.Resolutions) != 1 {
		t.Errorf("expected one resolution, got %d", len(rc.Resolutions))
	}

	req = mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"session_id": sess.ID,
		"outcome":    "approved",
	}
	result, err = srv.handleReportOutcome(ctx, req)
	if err != nil || result.IsError {
		t.Fatalf("report outcome failed: %v %v", err, result.Content)
	}
}

func TestHandleSubmitAnswersErrors(t *testing.T) {
	srv := newTestMCPServer(t)
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{
			"session_id": "nope",
			"answers":    `[{"question_id": "q", "answer_text": "a"}]`,
		}
		result, err := srv.handleSubmitAnswers(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for unknown session")
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{
			"session_id": "whatever",
			"answers":    `[]`,
		}
		result, err := srv.handleSubmitAnswers(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for empty batch")
		}
	})
}

func TestHandleReportOutcomeRejectsInvalid(t *testing.T) {
	srv := newTestMCPServer(t)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"session_id": "whatever",
		"outcome":    "shrugged",
	}
	result, err := srv.handleReportOutcome(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error for invalid outcome")
	}
}
