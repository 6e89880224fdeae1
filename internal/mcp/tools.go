// Package mcp implements the MCP server for project memory.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spetr/mcp-recall/pkg/types"
)

// registerTools registers all MCP tools.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	// record_decision - Record an architecture decision
	mcpServer.AddTool(mcp.NewTool("record_decision",
		mcp.WithDescription("Record an architecture or design decision with its context and impact. The decision is embedded and becomes searchable immediately."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short decision title")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("What was decided")),
		mcp.WithString("context", mcp.Description("Why the decision was needed")),
		mcp.WithArray("alternatives", mcp.Description("Alternatives considered")),
		mcp.WithString("impact", mcp.Description("Consequences and tradeoffs")),
	), s.handleRecordDecision)

	// record_progress - Record milestone progress
	mcpServer.AddTool(mcp.NewTool("record_progress",
		mcp.WithDescription("Record progress on a milestone or task"),
		mcp.WithString("milestone", mcp.Required(), mcp.Description("Milestone or task name")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Status: not-started, in-progress, testing, completed, blocked")),
		mcp.WithString("notes", mcp.Description("Progress notes")),
		mcp.WithArray("blockers", mcp.Description("Current blockers")),
	), s.handleRecordProgress)

	// record_pattern - Record a reusable code pattern
	mcpServer.AddTool(mcp.NewTool("record_pattern",
		mcp.WithDescription("Record a reusable code pattern or convention"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pattern name")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Pattern content or code")),
		mcp.WithString("source_path", mcp.Description("File the pattern lives in")),
		mcp.WithString("language", mcp.Description("Source language")),
		mcp.WithString("notes", mcp.Description("Usage notes")),
	), s.handleRecordPattern)

	// query_memory - Query stored facts
	mcpServer.AddTool(mcp.NewTool("query_memory",
		mcp.WithDescription("Query project memory. With text, runs a search whose strategy (keyword, vector, hybrid) is picked from the query shape unless overridden. Without text, lists recent facts."),
		mcp.WithString("text", mcp.Description("Search text; omit to list recent facts")),
		mcp.WithArray("tables", mcp.Description("Restrict to tables: decisions, progress, patterns")),
		mcp.WithString("strategy", mcp.Description("Override strategy: keyword, keyword_boost, vector, hybrid")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
		mcp.WithNumber("min_similarity", mcp.Description("Similarity floor for vector results, 0-1")),
	), s.handleQueryMemory)

	// semantic_search - Pure vector search
	mcpServer.AddTool(mcp.NewTool("semantic_search",
		mcp.WithDescription("Search project memory by embedding similarity only"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Search text")),
		mcp.WithArray("tables", mcp.Description("Restrict to tables: decisions, progress, patterns")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
		mcp.WithNumber("min_similarity", mcp.Description("Similarity floor, 0-1")),
	), s.handleSemanticSearch)

	// find_duplicates - Check for near-duplicate facts before recording
	mcpServer.AddTool(mcp.NewTool("find_duplicates",
		mcp.WithDescription("Check whether a fact similar to the given description is already recorded. Call before record_* to avoid duplicates."),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table to check: decisions, progress, patterns")),
		mcp.WithString("description", mcp.Required(), mcp.Description("Description of the fact about to be recorded")),
		mcp.WithNumber("threshold", mcp.Description("Similarity threshold, 0-1 (default per table)")),
	), s.handleFindDuplicates)

	// migrate_embeddings - Re-embed one table with a different model
	mcpServer.AddTool(mcp.NewTool("migrate_embeddings",
		mcp.WithDescription("Re-embed all facts of one table with a different embedding model. The old vectors stay live until every fact re-embeds cleanly, then the new set is swapped in."),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table to migrate: decisions, progress, patterns")),
		mcp.WithString("model", mcp.Required(), mcp.Description("Target model id, optionally provider-prefixed like ollama:nomic-embed-text")),
	), s.handleMigrateEmbeddings)

	// memory_status - Store statistics and consistency
	mcpServer.AddTool(mcp.NewTool("memory_status",
		mcp.WithDescription("Get memory store statistics, active embedding models, and consistency state"),
	), s.handleMemoryStatus)
}

func (s *Server) handleRecordDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fact := &types.Decision{
		FactMeta:     types.FactMeta{Project: s.config.Project},
		Name:         req.GetString("name", ""),
		Decision:     req.GetString("decision", ""),
		Context:      req.GetString("context", ""),
		Alternatives: req.GetStringSlice("alternatives", nil),
		Impact:       req.GetString("impact", ""),
	}
	return s.record(ctx, fact)
}

func (s *Server) handleRecordProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fact := &types.Progress{
		FactMeta:  types.FactMeta{Project: s.config.Project},
		Milestone: req.GetString("milestone", ""),
		Status:    types.ProgressStatus(req.GetString("status", "")),
		Notes:     req.GetString("notes", ""),
		Blockers:  req.GetStringSlice("blockers", nil),
	}
	return s.record(ctx, fact)
}

func (s *Server) handleRecordPattern(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fact := &types.Pattern{
		FactMeta:   types.FactMeta{Project: s.config.Project},
		Name:       req.GetString("name", ""),
		Content:    req.GetString("content", ""),
		SourcePath: req.GetString("source_path", ""),
		Language:   req.GetString("language", ""),
		Notes:      req.GetString("notes", ""),
	}
	return s.record(ctx, fact)
}

// record runs the shared record path and reports near-duplicates
// alongside the stored fact.
func (s *Server) record(ctx context.Context, fact types.Fact) (*mcp.CallToolResult, error) {
	duplicates, err := s.engine.FindSimilar(ctx, fact.Table(), s.config.Project, fact.EmbeddingText(), 0)
	if err != nil {
		// Duplicate detection is advisory, the record still proceeds.
		duplicates = nil
	}

	stored, err := s.engine.Record(ctx, fact)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record: %v", err)), nil
	}

	result := map[string]any{
		"fact": stored,
	}
	if len(duplicates) > 0 {
		result["possible_duplicates"] = duplicates
	}

	jsonResult, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleQueryMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tables, err := parseTables(req.GetStringSlice("tables", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", s.config.Search.DefaultLimit)

	text := req.GetString("text", "")
	if text == "" {
		return s.listRecent(ctx, tables, limit)
	}

	resp, err := s.engine.Search(ctx, types.Query{
		Text:          text,
		Project:       s.config.Project,
		Tables:        tables,
		Strategy:      types.Strategy(req.GetString("strategy", "")),
		MinSimilarity: float32(req.GetFloat("min_similarity", 0)),
		Limit:         limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	jsonResult, _ := json.MarshalIndent(resp, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleSemanticSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	tables, err := parseTables(req.GetStringSlice("tables", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.engine.Search(ctx, types.Query{
		Text:          text,
		Project:       s.config.Project,
		Tables:        tables,
		Strategy:      types.StrategyVector,
		MinSimilarity: float32(req.GetFloat("min_similarity", 0)),
		Limit:         req.GetInt("limit", s.config.Search.DefaultLimit),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	jsonResult, _ := json.MarshalIndent(resp, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleFindDuplicates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table := types.Table(req.GetString("table", ""))
	if !types.ValidTable(table) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown table %q", table)), nil
	}
	description := req.GetString("description", "")
	if description == "" {
		return mcp.NewToolResultError("description is required"), nil
	}

	threshold := float32(req.GetFloat("threshold", 0))
	matches, err := s.engine.FindSimilar(ctx, table, s.config.Project, description, threshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("duplicate check failed: %v", err)), nil
	}

	result := map[string]any{
		"total":   len(matches),
		"matches": matches,
	}

	jsonResult, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleMigrateEmbeddings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table := types.Table(req.GetString("table", ""))
	model := req.GetString("model", "")

	report, err := s.engine.Migrate(ctx, table, model)
	if err != nil {
		// A partial migration still carries a useful report.
		if report != nil {
			result := map[string]any{
				"error":  err.Error(),
				"report": report,
			}
			jsonResult, _ := json.MarshalIndent(result, "", "  ")
			return mcp.NewToolResultError(string(jsonResult)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("migration failed: %v", err)), nil
	}

	jsonResult, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleMemoryStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.engine.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to collect stats: %v", err)), nil
	}

	result := map[string]any{
		"project": s.config.Project,
		"stats":   stats,
	}

	jsonResult, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

// listRecent serves query_memory without text as a recency listing.
func (s *Server) listRecent(ctx context.Context, tables []types.Table, limit int) (*mcp.CallToolResult, error) {
	if len(tables) == 0 {
		tables = types.Tables
	}

	facts := make(map[types.Table][]types.Fact, len(tables))
	total := 0
	for _, table := range tables {
		list, err := s.engine.List(ctx, table, s.config.Project, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing %s failed: %v", table, err)), nil
		}
		facts[table] = list
		total += len(list)
	}

	result := map[string]any{
		"total": total,
		"facts": facts,
	}

	jsonResult, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func parseTables(names []string) ([]types.Table, error) {
	tables := make([]types.Table, 0, len(names))
	for _, name := range names {
		table := types.Table(name)
		if !types.ValidTable(table) {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		tables = append(tables, table)
	}
	return tables, nil
}
