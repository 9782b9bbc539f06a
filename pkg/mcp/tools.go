package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type handler func(ctx context.Context, c Cache, args json.RawMessage) ToolResult

var handlers = map[string]handler{
	"querycache_check":      handleCheck,
	"querycache_stats":      handleStats,
	"querycache_cleanup":    handleCleanup,
	"querycache_populate":   handlePopulate,
	"querycache_set_config": handleSetConfig,
	"querycache_verify":     handleVerify,
}

var noArgs = map[string]any{"type": "object", "properties": map[string]any{}}

var tools = []Tool{
	{
		Name:        "querycache_check",
		Description: "Look up the cached answer closest to an embedding.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"embedding"},
			"properties": map[string]any{
				"embedding": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "number"},
					"description": "Query embedding",
				},
				"threshold": map[string]any{
					"type":        "number",
					"description": "Similarity threshold override in [0,1] (optional)",
				},
			},
		},
	},
	{Name: "querycache_stats", Description: "Show cache statistics and the live policy.", InputSchema: noArgs},
	{Name: "querycache_cleanup", Description: "Evict the least valuable entries beyond max_cache_entries.", InputSchema: noArgs},
	{Name: "querycache_populate", Description: "Create pending entries from historical Q&A pairs.", InputSchema: noArgs},
	{
		Name:        "querycache_set_config",
		Description: "Update cache policy settings: similarity_threshold, cache_enabled, max_cache_entries.",
		InputSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		},
	},
	{Name: "querycache_verify", Description: "Check that the cache schema and data are in place.", InputSchema: noArgs},
}

type checkArgs struct {
	Embedding []float32 `json:"embedding"`
	Threshold *float64  `json:"threshold"`
}

func handleCheck(ctx context.Context, c Cache, args json.RawMessage) ToolResult {
	var a checkArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	hit, err := c.Check(ctx, a.Embedding, a.Threshold)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatHit(hit))
}

func handleStats(ctx context.Context, c Cache, _ json.RawMessage) ToolResult {
	return textResult(formatStats(c.Stats(ctx)))
}

func handleCleanup(ctx context.Context, c Cache, _ json.RawMessage) ToolResult {
	n, err := c.Cleanup(ctx)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Evicted %d entries.", n))
}

func handlePopulate(ctx context.Context, c Cache, _ json.RawMessage) ToolResult {
	n, err := c.PopulateFromExisting(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("populate stopped after %d entries: %v", n, err))
	}
	return textResult(fmt.Sprintf("Populated %d entries.", n))
}

func handleSetConfig(ctx context.Context, c Cache, args json.RawMessage) ToolResult {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(args, &raw); err != nil || len(raw) == 0 {
		return errorResult("expected an object of settings")
	}
	changes := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			changes[k] = s
		} else {
			changes[k] = strings.TrimSpace(string(v))
		}
	}
	if err := c.UpdateConfig(ctx, changes); err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatPolicy(c.Stats(ctx).Policy))
}

func handleVerify(ctx context.Context, c Cache, _ json.RawMessage) ToolResult {
	st, err := c.Verify(ctx)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatSetup(st))
}
