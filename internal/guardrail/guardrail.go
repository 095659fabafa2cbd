// Package guardrail vets agent tool calls before they execute. Three gates
// run in order: the permission-tier allow-list, the unconditional web-fetch
// pre-hook, and the policy-tier content checks (sensitive paths, bash
// block-list). The first gate to object wins.
package guardrail

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/contracts"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
	"github.com/agent-gate/agentgate-go/internal/reqcontext"
)

// Tool names with special handling.
const (
	toolWebFetch = "WebFetch"
	toolBash     = "Bash"
)

// DefaultToolCallsPerMinute bounds how many tool calls one session may put
// through the checks per minute.
const DefaultToolCallsPerMinute = 240

// pathInputKeys are the input fields that name a filesystem target on the
// file tools.
var pathInputKeys = []string{"file_path", "path", "pattern", "notebook_path"}

// fileTools get symlink-resolving path checks on their named target.
var fileTools = map[string]bool{
	"Read": true, "Write": true, "Edit": true, "Glob": true, "Grep": true,
}

// Guardrail owns the tool-call checks. Construct once at startup; safe for
// concurrent use.
type Guardrail struct {
	fetch     *FetchPolicy
	paths     *PathPolicy
	auditLog  *audit.Log
	limiter   *ratelimit.Limiter
	rateLimit int
	logger    *zap.Logger
}

// New builds the guardrail from the network configuration and the broker
// data dir. The audit log and limiter may be nil in tests.
func New(netCfg config.NetworkConfig, dataDir string, auditLog *audit.Log,
	limiter *ratelimit.Limiter, logger *zap.Logger) *Guardrail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardrail{
		fetch:     NewFetchPolicy(netCfg, logger),
		paths:     NewPathPolicy(dataDir),
		auditLog:  auditLog,
		limiter:   limiter,
		rateLimit: DefaultToolCallsPerMinute,
		logger:    logger.Named("guardrail"),
	}
}

// Check vets one proposed tool call from actor and returns the decision.
// Every outcome lands in the audit log before the caller sees it.
func (g *Guardrail) Check(ctx context.Context, actor string, tier Tier, tool string, input map[string]interface{}) Decision {
	// Tier gate runs before anything looks at the input.
	if !tierAllows(tier, tool) {
		return g.deny(ctx, actor, tool, Deny(contracts.KindUnauthorized, "tool_not_in_tier",
			"this tool is not available at the current permission tier"))
	}

	// Per-session window on tool calls.
	if g.limiter != nil && !g.limiter.Check("tool:"+actor, g.rateLimit) {
		return g.deny(ctx, actor, tool, Deny(contracts.KindRateLimited, "tool_rate_limited",
			"too many tool calls, retry shortly"))
	}

	// L1: the unconditional web-fetch pre-hook.
	if tool == toolWebFetch {
		rawURL, _ := input["url"].(string)
		if d := g.fetch.CheckURL(ctx, rawURL); d.Action != ActionAllow {
			return g.deny(ctx, actor, tool, d)
		}
	}

	// L2: file tools get a symlink-resolving check on their named target.
	if fileTools[tool] {
		for _, key := range pathInputKeys {
			if target, ok := input[key].(string); ok && g.paths.IsSensitivePath(target) {
				return g.deny(ctx, actor, tool, Deny(contracts.KindForbiddenPath, "sensitive_path",
					"this path holds credentials or broker state and cannot be accessed"))
			}
		}
	}

	// L2: bash commands get the block-list on top of the path predicate.
	if tool == toolBash {
		command, _ := input["command"].(string)
		if rule := CheckBashCommand(command); rule != "" {
			return g.deny(ctx, actor, tool, Deny(contracts.KindForbiddenPath, rule,
				"this command matches a blocked operation"))
		}
	}

	// L2: generic sweep over every string in the input.
	if s := findSensitiveString(g.paths, input); s != "" {
		return g.deny(ctx, actor, tool, Deny(contracts.KindForbiddenPath, "sensitive_path",
			"the tool input references a protected path"))
	}

	g.emit(ctx, actor, "tool.allowed", audit.DecisionAllow, map[string]string{"tool": tool})
	return Allow()
}

func (g *Guardrail) deny(ctx context.Context, actor, tool string, d Decision) Decision {
	g.logger.Info("tool call denied",
		zap.String("tool", tool),
		zap.String("reason", d.Reason))
	g.emit(ctx, actor, d.Kind.AuditCategory(), audit.DecisionDeny, map[string]string{
		"tool":   tool,
		"reason": d.Reason,
	})
	return d
}

func (g *Guardrail) emit(ctx context.Context, actor, category string, decision audit.Decision, detail map[string]string) {
	if g.auditLog == nil {
		return
	}
	ev := audit.Event{
		TS:        time.Now().UTC(),
		RequestID: reqcontext.GetRequestID(ctx),
		Actor:     actor,
		Component: "guardrail",
		Category:  category,
		Decision:  decision,
		Detail:    detail,
	}
	if err := g.auditLog.Emit(ev); err != nil {
		g.logger.Warn("audit emit failed", zap.Error(err))
	}
}

// findSensitiveString walks every string in the input, including nested
// maps and arrays, and returns the first one that references a sensitive
// path.
func findSensitiveString(paths *PathPolicy, value interface{}) string {
	switch v := value.(type) {
	case string:
		if paths.CommandReferencesSensitive(v) {
			return v
		}
	case map[string]interface{}:
		for _, item := range v {
			if s := findSensitiveString(paths, item); s != "" {
				return s
			}
		}
	case []interface{}:
		for _, item := range v {
			if s := findSensitiveString(paths, item); s != "" {
				return s
			}
		}
	}
	return ""
}
