// Package approval implements ApprovalGate: per-tool capability tagging,
// a per-user TrustStore, and pending-approval state keyed by userId →
// toolName, per spec.md 4.I.
//
// Grounded on _examples/vanducng-goclaw/internal/tools/shell.go's
// approvalMgr.CheckCommand / RequestApproval call-site contract (the
// concrete *ExecApprovalManager type is not present in the retrieval
// pack). That contract blocks on a synchronous RequestApproval call with
// a timeout; spec.md 4.I instead wants a non-blocking gate — a denied
// elevated call returns immediately and the approval is resolved whenever
// the user's next message happens to contain an approval keyword, with
// the Dispatcher re-entering the agent loop rather than an in-tool wait.
// This package keeps shell.go's two-tier decision vocabulary (deny vs.
// ask) but drops the blocking wait, per the Non-goals line "policy/trust
// enforcement beyond a simple per-tool approval gate" — a blocking
// interactive prompt is out of scope.
package approval

// Capability is the trust tier a tool is tagged with.
type Capability string

const (
	CapabilitySafe     Capability = "safe"
	CapabilityElevated Capability = "elevated"
)

// Decision is the resolved state of an elevated tool for one user.
type Decision string

const (
	DecisionNone   Decision = ""       // never asked, or previously denied
	DecisionOnce   Decision = "once"   // approved for the single pending invocation only
	DecisionAlways Decision = "always" // approved for every future invocation
)

// PendingApproval is the transient state recorded when an elevated tool
// call is denied: the Dispatcher needs it to resolve the user's next
// message against.
type PendingApproval struct {
	ToolName string
}
