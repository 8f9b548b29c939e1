// Package scheduler implements the unified cron driver: operator-defined
// jobs from config, agent-managed schedules persisted to disk, and the two
// built-in projection-maintenance jobs (daily review, exact-time check).
// All three classes fire synthetic messages into the MessageQueue rather
// than invoking agent code directly — per spec.md 4.E every fired message
// carries a non-null RawOrigin so the queue's rate limiter does not gate
// it and the dispatcher does not treat it as a real user turn.
//
// Grounded on _examples/vanducng-goclaw/cmd/gateway_cron.go for the
// lane/outcome wiring idea (a job handler resolves to a message rather
// than running the agent inline) and internal/config/config.go's
// CronConfig for the shape of operator-level cron configuration. The
// concrete internal/scheduler package is not present in the retrieval
// pack — ticking is authored directly against gronx's public API
// (Gronx.IsDue against a one-minute ticker, the idiom documented in
// github.com/adhocore/gronx's own usage examples), which the teacher
// already depends on (go.mod: github.com/adhocore/gronx v1.19.6).
package scheduler

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/queue"
)

// OperatorJob is a fixed (cron-expression, message) pair read from config.
// Ephemeral: never persisted, never mutated at runtime.
type OperatorJob struct {
	CronExpr string
	Message  string
}

// AgentSchedule is a schedule created at runtime via the schedule_create
// tool, persisted to SchedulesPath so it survives restarts.
type AgentSchedule struct {
	ID        string    `json:"id"`
	CronExpr  string    `json:"cron_expr"`
	Message   string    `json:"message"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// Config wires the Scheduler to the rest of the system.
type Config struct {
	OperatorJobs []OperatorJob

	// PrimaryUserID/PrimaryChannelID/PrimaryPlatform is where operator
	// cron jobs and the two projection-maintenance jobs are routed, per
	// spec.md 4.E ("routed to the first allowed user").
	PrimaryUserID    string
	PrimaryChannelID string
	PrimaryPlatform  string

	// SchedulesPath is the JSON file agent-managed schedules persist to.
	SchedulesPath string

	// ProjectionStoreFor resolves the per-user ProjectionStore used by the
	// built-in maintenance jobs.
	ProjectionStoreFor func(userID string) (*projections.Store, error)

	// Enqueue delivers a synthetic message into the MessageQueue. Must not
	// block for long — it only needs to accept or reject.
	Enqueue func(queue.Message) bool

	Logger *slog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

const (
	dailyReviewHour     = 8
	dailyReviewMinute   = 0
	exactDueEveryMins   = 15
	exactDueWindowMins  = 60
	autoExpireThreshold = 24
)
