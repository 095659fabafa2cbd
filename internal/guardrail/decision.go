package guardrail

import "github.com/agent-gate/agentgate-go/internal/contracts"

// Tier is the permission level granted to an agent session. Each tier
// carries a pre-declared tool allow-list; anything outside it is denied
// before any content inspection runs.
type Tier string

const (
	TierReadOnly   Tier = "READ_ONLY"
	TierWriteLocal Tier = "WRITE_LOCAL"
	TierSocial     Tier = "SOCIAL"
	TierFullAccess Tier = "FULL_ACCESS"
)

// TierTools maps each tier to its allowed tool names.
var TierTools = map[Tier][]string{
	TierReadOnly: {
		"Read", "Glob", "Grep", "WebFetch", "WebSearch",
	},
	TierWriteLocal: {
		"Read", "Glob", "Grep", "WebFetch", "WebSearch",
		"Write", "Edit", "Bash",
	},
	TierSocial: {
		"Read", "Glob", "Grep", "WebFetch", "WebSearch",
		"Write", "Edit", "Bash",
		"SendMessage", "FetchMessages",
	},
	TierFullAccess: {
		"Read", "Glob", "Grep", "WebFetch", "WebSearch",
		"Write", "Edit", "Bash",
		"SendMessage", "FetchMessages",
		"ManageWebhooks", "ScheduleTask",
	},
}

// tierAllows reports whether the tier's allow-list contains the tool.
func tierAllows(tier Tier, tool string) bool {
	for _, t := range TierTools[tier] {
		if t == tool {
			return true
		}
	}
	return false
}

// Action is the outcome of a guardrail check.
type Action int

const (
	ActionAllow Action = iota
	ActionDeny
	ActionModify
)

// Decision is the tagged result of a tool-call check. Deny carries a
// machine reason plus a message safe to show the agent; Modify carries the
// rewritten input.
type Decision struct {
	Action      Action
	Kind        contracts.Kind
	Reason      string
	UserMessage string
	Input       map[string]interface{}
}

// Allow passes the call through unchanged.
func Allow() Decision {
	return Decision{Action: ActionAllow}
}

// Deny blocks the call.
func Deny(kind contracts.Kind, reason, userMessage string) Decision {
	return Decision{Action: ActionDeny, Kind: kind, Reason: reason, UserMessage: userMessage}
}

// Modify passes the call through with a rewritten input.
func Modify(input map[string]interface{}) Decision {
	return Decision{Action: ActionModify, Input: input}
}
