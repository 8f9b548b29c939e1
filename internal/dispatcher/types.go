// Package dispatcher implements the Dispatcher (spec.md 4.F): the
// application core that glues SessionManager, ProjectionStore,
// WorkerRegistry, ApprovalGate, and CrashRecovery together for every
// message the MessageQueue drains.
//
// Replaces the teacher's internal/agent/loop.go managed-mode agent loop
// (Think->Act->Observe, tool-call-loop detection, parallel tool
// execution) which this module does not carry forward: that package's
// agentUUID/agentType/bootstrap-seeding/sandbox-routing/skills-loader
// machinery belongs to a multi-agent hosting product this spec does not
// build. What survives from it, generalized to a single fixed agent per
// user: the bounded think/act/observe tool-call loop shape and
// internal/channels/telegram/commands.go's command-interception pattern
// for /clear, /memory, /log, /restart.
package dispatcher

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/approval"
	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/memory"
	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/queue"
	"github.com/nextlevelbuilder/goclaw/internal/recovery"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/telemetry"
	"github.com/nextlevelbuilder/goclaw/internal/workers"
)

// SilentReplySentinel is the fixed token the agent may emit as its
// entire final assistant message to signal "nothing worth sending" —
// spec.md's pragmatic workaround for models that don't support emitting
// no output at all, most useful for scheduler-triggered turns.
const SilentReplySentinel = "[[NO_REPLY]]"

// MaxMessageChars rejects any inbound text longer than this without
// touching the LLM.
const MaxMessageChars = 10000

// maxToolIterations bounds the think/act/observe loop; the teacher's
// loop.go detects repeated identical tool calls as a stall condition,
// this module uses a much simpler fixed cap since its tool surface is a
// fraction of the teacher's.
const maxToolIterations = 8

// UserCollaborators bundles the per-user handles the Dispatcher needs for
// one message: each user owns exactly one ProjectionStore, one
// memory.Store, and one WorkerRegistry+Runtime, per spec.md's ownership
// section.
type UserCollaborators struct {
	Projections *projections.Store
	Memory      *memory.Store
	Workers     *workers.Runtime
	Scheduler   *scheduler.Scheduler
}

// CollaboratorsFor resolves a user's per-user collaborator handles,
// opening/caching the underlying databases as needed.
type CollaboratorsFor func(userID string) (UserCollaborators, error)

// Sender delivers an outbound reply through whatever channel bridge
// originated the inbound message.
type Sender func(bus.OutboundMessage)

// Config wires every Dispatcher collaborator.
type Config struct {
	Sessions     *sessions.Manager
	Collabs      CollaboratorsFor
	Approval     *approval.Gate
	Recovery     *recovery.Manager
	History      *audit.HistoryLog
	ToolCalls    *audit.ToolCallLog
	Provider     providers.Provider
	Models       []string // primary + fallback chain
	StaticPrompt string
	Send         Sender
	Now          func() time.Time
	// Exit is called with the recovery exit code after a /restart command
	// writes its marker. Left nil in tests; cmd/ wires it to os.Exit.
	Exit func(code int)
	// Tracer records LLM/tool/worker spans. Defaults to a no-op so tests
	// and callers that haven't configured telemetry don't need a nil check.
	Tracer telemetry.Tracer
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.Noop()
	}
	return c
}

// Dispatcher processes one drained queue.Message at a time per user
// (MessageQueue already serializes per channel; SessionManager's
// per-user lock serializes the rest).
type Dispatcher struct {
	cfg Config
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg.withDefaults()}
}

// Process is the ProcessFunc the Dispatcher hands to queue.New: it
// receives a merged batch and turns it into one Dispatcher turn.
func (d *Dispatcher) Process(ctx context.Context, batch queue.Batch) {
	d.Handle(ctx, batch.UserID, batch.ChannelID, batch.Platform, batch.Text, batch.Images, batch.RawOrigin)
}
