package mcp

import "github.com/mark3labs/mcp-go/mcp"

// startClarificationTool defines the start_clarification MCP tool.
var startClarificationTool = mcp.NewTool("start_clarification",
	mcp.WithDescription("Open a clarification session for an ambiguous automation request. Returns the session with its first round of questions."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("The original natural language request"),
	),
	mcp.WithString("ambiguities",
		mcp.Required(),
		mcp.Description(`JSON array of detected ambiguities, each with id, kind (entity|action|parameter|scope), severity (critical|important|optional) and candidates [{entity_id, label, score}]`),
	),
	mcp.WithString("user_scope",
		mcp.Description("Scope key for answer reuse (default \"default\")"),
	),
	mcp.WithNumber("pattern_support",
		mcp.Description("External pattern-support signal in [0,1]"),
	),
)

// submitAnswersTool defines the submit_answers MCP tool.
var submitAnswersTool = mcp.NewTool("submit_answers",
	mcp.WithDescription("Submit a batch of answers to a session's open questions. Returns the updated session; check state for resolved/escalated or the next round of questions."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session to answer"),
	),
	mcp.WithString("answers",
		mcp.Required(),
		mcp.Description(`JSON array of answers [{question_id, answer_text, selected_entities, quality}]`),
	),
)

// getSessionTool defines the get_session MCP tool.
var getSessionTool = mcp.NewTool("get_session",
	mcp.WithDescription("Get the full state of a clarification session including rounds, questions and confidence breakdown."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session to fetch"),
	),
)

// getResolvedContextTool defines the get_resolved_context MCP tool.
var getResolvedContextTool = mcp.NewTool("get_resolved_context",
	mcp.WithDescription("Get the disambiguated context of a resolved session, ready to hand to the automation executor."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Resolved session"),
	),
)

// reportOutcomeTool defines the report_outcome MCP tool.
var reportOutcomeTool = mcp.NewTool("report_outcome",
	mcp.WithDescription("Report how the resolved automation actually fared. Feeds the confidence calibration loop."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session the outcome belongs to"),
	),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("Observed result of the automation"),
		mcp.Enum("approved", "rejected", "modified"),
	),
)
