package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcprouter/router/internal/routererr"
)

// RequestContext carries the ambient per-call identity the gate consults.
// It is threaded explicitly rather than via context.Context values so the
// bypass matrix's conditions stay easy to read at the call site.
type RequestContext struct {
	APIKey    string
	UserID    string
	UserEmail string
}

// Upstream is the subset of the Connection Manager the gate needs: calling
// an upstream's quote tool, the real tool, and checking quote-tool presence.
type Upstream interface {
	HasQuoteTool(server string) bool
	CallQuoteTool(ctx context.Context, server string, args map[string]any) (*mcp.CallToolResult, error)
	CallTool(ctx context.Context, namespacedName string, args map[string]any) (serverName, original string, result *mcp.CallToolResult, err error)
}

// Gate enforces per-API-key quotas on forwarded tool calls. A Gate built
// with a nil usage client (no user-management service configured) forwards
// every call directly, without pricing or tracking: the "credit manager
// not initialized" bypass row.
type Gate struct {
	usage     *UsageClient
	separator string
	logger    *slog.Logger
}

// New creates a Gate backed by usage. separator is the configured tool
// name separator, needed to address a server's "quote" tool.
func New(usage *UsageClient, separator string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{usage: usage, separator: separator, logger: logger.With("component", "credit_gate")}
}

type quoteResult struct {
	Success       bool `json:"success"`
	EstimatedCost struct {
		ModelID      string `json:"model_id"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
	} `json:"estimated_cost"`
}

// Invoke runs the bypass matrix and, when applicable, the full
// quote/quota/forward/track pipeline for one tool call.
func (g *Gate) Invoke(ctx context.Context, up Upstream, reqCtx RequestContext, server, original string, args map[string]any) (*mcp.CallToolResult, error) {
	namespaced := server + g.separator + original

	if original == "quote" {
		_, _, result, err := up.CallTool(ctx, namespaced, args)
		return result, err
	}
	if reqCtx.APIKey == "" {
		_, _, result, err := up.CallTool(ctx, namespaced, args)
		return result, err
	}
	if g.usage == nil {
		_, _, result, err := up.CallTool(ctx, namespaced, args)
		return result, err
	}
	if !up.HasQuoteTool(server) {
		if !g.validateAPIKey(reqCtx.APIKey) {
			return nil, routererr.InvalidAPIKey()
		}
		_, _, result, err := up.CallTool(ctx, namespaced, args)
		return result, err
	}

	return g.fullPipeline(ctx, up, reqCtx, server, original, args)
}

// validateAPIKey is a presence check: the spec leaves API key validation
// itself to the external user-management service; here it gates only the
// no-quote-tool bypass row, where no quota call is made at all.
func (g *Gate) validateAPIKey(apiKey string) bool {
	return apiKey != ""
}

func (g *Gate) fullPipeline(ctx context.Context, up Upstream, reqCtx RequestContext, server, original string, args map[string]any) (*mcp.CallToolResult, error) {
	quoteArgs := map[string]any{"tool_name": original, "tool_args": args}
	quoteRes, err := up.CallQuoteTool(ctx, server, quoteArgs)
	if err != nil {
		return nil, routererr.UpstreamError("credit: quote call failed: %v", err)
	}

	var quote quoteResult
	if err := decodeToolResult(quoteRes, &quote); err != nil || !quote.Success {
		return nil, routererr.UpstreamError("credit: quote response invalid: %v", err)
	}

	quota, err := g.usage.CheckQuota(ctx, QuotaRequest{
		APIKey:       reqCtx.APIKey,
		Service:      server,
		Model:        quote.EstimatedCost.ModelID,
		InputTokens:  quote.EstimatedCost.InputTokens,
		OutputTokens: quote.EstimatedCost.OutputTokens,
	})
	if err != nil {
		return nil, routererr.UpstreamError("credit: quota check failed: %v", err)
	}
	if !quota.Allowed {
		return nil, routererr.InsufficientCredits(quota.RemainingDaily, quota.RemainingMonthly)
	}

	start := time.Now()
	namespaced := server + g.separator + original
	_, _, result, callErr := up.CallTool(ctx, namespaced, args)
	duration := time.Since(start)
	if callErr != nil {
		return nil, routererr.UpstreamError("%v", callErr)
	}

	inputTokens, outputTokens := g.extractActuals(result, quote.EstimatedCost.InputTokens, quote.EstimatedCost.OutputTokens)

	trackErr := g.usage.Track(ctx, TrackRequest{
		APIKey:       reqCtx.APIKey,
		Service:      server,
		Model:        quote.EstimatedCost.ModelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Usage:        inputTokens + outputTokens,
		Metadata: TrackMetadata{
			ToolName:           original,
			DurationMS:         duration.Milliseconds(),
			Success:            true,
			UserID:             reqCtx.UserID,
			UserEmail:          reqCtx.UserEmail,
			QuotedInputTokens:  quote.EstimatedCost.InputTokens,
			QuotedOutputTokens: quote.EstimatedCost.OutputTokens,
		},
	})
	if trackErr != nil {
		g.logger.Error("usage tracking failed", "server", server, "tool", original, "error", trackErr)
	}

	return result, nil
}

// extractActuals looks for models_metrics/modelsMetrics in the tool
// result's content[0].text and sums input/output tokens across every
// listed model. If extraction fails, the quote values are returned as the
// actuals, per the spec's fallback rule.
func (g *Gate) extractActuals(result *mcp.CallToolResult, quotedInput, quotedOutput int64) (int64, int64) {
	if result == nil || len(result.Content) == 0 {
		return quotedInput, quotedOutput
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return quotedInput, quotedOutput
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		return quotedInput, quotedOutput
	}

	metrics, ok := payload["models_metrics"]
	if !ok {
		metrics, ok = payload["modelsMetrics"]
	}
	if !ok {
		return quotedInput, quotedOutput
	}

	models, ok := metrics.(map[string]any)
	if !ok {
		return quotedInput, quotedOutput
	}

	var totalInput, totalOutput int64
	for _, v := range models {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		totalInput += toInt64(entry["input_tokens"])
		totalOutput += toInt64(entry["output_tokens"])
	}
	return totalInput, totalOutput
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func decodeToolResult(result *mcp.CallToolResult, out any) error {
	if result == nil || len(result.Content) == 0 {
		return fmt.Errorf("empty tool result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return fmt.Errorf("tool result content is not text")
	}
	return json.Unmarshal([]byte(text.Text), out)
}
