package approval

import (
	"fmt"
	"strings"
	"sync"
)

// Gate is the ApprovalGate: capability tags plus the pending-approval
// state a Dispatcher resolves against the next user message.
type Gate struct {
	capabilities map[string]Capability
	trust        *TrustStore

	mu      sync.Mutex
	pending map[string]PendingApproval // userID -> pending approval
}

// NewGate builds a Gate from a tool-name → capability map. Any tool not
// present defaults to CapabilitySafe.
func NewGate(capabilities map[string]Capability) *Gate {
	return &Gate{
		capabilities: capabilities,
		trust:        NewTrustStore(),
		pending:      make(map[string]PendingApproval),
	}
}

func (g *Gate) capabilityOf(toolName string) Capability {
	if c, ok := g.capabilities[toolName]; ok {
		return c
	}
	return CapabilitySafe
}

// Check gates toolName for userID. Safe tools always pass. An elevated
// tool passes if previously approved (once/always); otherwise it fails,
// and a pending approval is recorded so the Dispatcher can resolve it
// against the user's next message.
func (g *Gate) Check(userID, toolName string) (ok bool, stockError string) {
	if g.capabilityOf(toolName) == CapabilitySafe {
		return true, ""
	}
	if g.trust.IsApproved(userID, toolName) {
		return true, ""
	}

	g.mu.Lock()
	g.pending[userID] = PendingApproval{ToolName: toolName}
	g.mu.Unlock()

	return false, fmt.Sprintf("tool %q requires approval before it can run — reply \"allow\" to approve once, or \"always allow\" to trust it going forward", toolName)
}

// PendingFor returns userID's outstanding approval request, if any.
func (g *Gate) PendingFor(userID string) (PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[userID]
	return p, ok
}

// ResolveFromMessage inspects text for an approval or denial keyword and,
// if userID has a pending approval, resolves it: grants once/always in
// the TrustStore, or clears the pending entry on denial. Returns true if
// a pending approval was resolved (approved or denied) by this message —
// the Dispatcher uses this to decide whether to re-enter the agent loop
// instead of sending text straight to the LLM.
func (g *Gate) ResolveFromMessage(userID, text string) (resolved bool, toolName string, approved bool) {
	g.mu.Lock()
	pending, ok := g.pending[userID]
	g.mu.Unlock()
	if !ok {
		return false, "", false
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	switch classifyApprovalKeyword(lower) {
	case keywordAlways:
		g.trust.Grant(userID, pending.ToolName, DecisionAlways)
		g.clearPending(userID)
		return true, pending.ToolName, true
	case keywordOnce:
		g.trust.Grant(userID, pending.ToolName, DecisionOnce)
		g.clearPending(userID)
		return true, pending.ToolName, true
	case keywordDeny:
		g.clearPending(userID)
		return true, pending.ToolName, false
	default:
		return false, "", false
	}
}

func (g *Gate) clearPending(userID string) {
	g.mu.Lock()
	delete(g.pending, userID)
	g.mu.Unlock()
}

type approvalKeyword int

const (
	keywordNone approvalKeyword = iota
	keywordOnce
	keywordAlways
	keywordDeny
)

// alwaysPhrases/denyPhrases are matched as substrings since they are
// distinctive multi-word (or unambiguous single-word) phrases, and so are
// oncePhrases. oncePhrasesExact contains short words ("yes", "ok") that are
// common as substrings of unrelated text, so those are matched only against
// the whole trimmed message to avoid false positives (e.g. "okay I'll wait"
// does not auto-approve).
var alwaysPhrases = []string{"always allow", "always approve", "trust always", "yes always"}
var denyPhrases = []string{"don't allow", "do not allow", "deny", "cancel", "reject"}
var oncePhrases = []string{"allow once", "approve once", "allow", "approve"}
var oncePhrasesExact = []string{"yes", "ok", "okay"}
var denyPhrasesExact = []string{"no"}

// classifyApprovalKeyword checks "always" phrases before "once" phrases
// since several once-phrases ("allow") are substrings of always-phrases
// ("always allow") — the more specific match must win.
func classifyApprovalKeyword(lower string) approvalKeyword {
	for _, p := range alwaysPhrases {
		if strings.Contains(lower, p) {
			return keywordAlways
		}
	}
	for _, p := range denyPhrases {
		if strings.Contains(lower, p) {
			return keywordDeny
		}
	}
	for _, p := range denyPhrasesExact {
		if lower == p {
			return keywordDeny
		}
	}
	for _, p := range oncePhrases {
		if strings.Contains(lower, p) {
			return keywordOnce
		}
	}
	for _, p := range oncePhrasesExact {
		if lower == p {
			return keywordOnce
		}
	}
	return keywordNone
}
