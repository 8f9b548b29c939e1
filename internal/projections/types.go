// Package projections is the ProjectionStore: the durable per-user store of
// future commitments, its dependency DAG, and trigger/expiry evaluation.
//
// Grounded on _examples/nevindra-oasis/memory/sqlite/sqlite.go's SQLite
// access pattern (WAL, additive schema, context-threaded *sql.DB methods,
// brute-force cosine similarity for the semantic trigger path).
package projections

import (
	"fmt"
	"time"
)

// Resolution is the granularity of a projection's time anchor.
type Resolution string

const (
	ResolutionExact   Resolution = "exact"
	ResolutionDay     Resolution = "day"
	ResolutionWeek    Resolution = "week"
	ResolutionMonth   Resolution = "month"
	ResolutionSomeday Resolution = "someday"
)

// Status is a projection's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusPassed    Status = "passed"
)

// ConditionType distinguishes how a dependency's condition is evaluated.
type ConditionType string

const (
	ConditionStatusChange ConditionType = "status_change"
	ConditionLLM          ConditionType = "llm"
)

// Projection is a durable future commitment.
type Projection struct {
	ID            string
	Summary       string
	RawWhen       string
	ResolvedWhen  *time.Time
	Resolution    Resolution
	Recurrence    *string
	TriggerOnFact *string
	Context       string
	LinkedIDs     []string
	Status        Status
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// Dependency is a DAG edge: observer stays pending until subject satisfies
// condition.
type Dependency struct {
	ID            string
	ObserverID    string
	SubjectID     string
	Condition     string
	ConditionType ConditionType
	CreatedAt     time.Time
}

// DependencyInput is one entry of an add() call's depends_on list.
type DependencyInput struct {
	SubjectID     string
	Condition     string
	ConditionType ConditionType // defaulted by inferConditionType when empty
}

// AddInput is the full parameter set for Store.Add.
type AddInput struct {
	Summary       string
	RawWhen       string
	ResolvedWhen  *time.Time
	Resolution    Resolution
	Recurrence    *string
	TriggerOnFact *string
	Context       string
	LinkedIDs     []string
	DependsOn     []DependencyInput
}

// MaxDependencyDepth is the DAG depth invariant from spec.md 4.A/8.
const MaxDependencyDepth = 5

// InvariantError marks a violation of a ProjectionStore invariant (cycle,
// depth, self-dependency, missing subject, unimplemented condition type).
// Per spec.md 4.A it is never retried — it propagates to the calling tool
// as a structured tool error.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return e.Message }

func invariantf(format string, args ...any) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// inferConditionType defaults condition_type to status_change when the
// condition text is a known terminal status, else 'llm' — per spec.md 4.A's
// linkDependency rule. 'llm' is then rejected at the store boundary per the
// Open Question resolution in DESIGN.md (it is parsed but not accepted).
func inferConditionType(condition string) ConditionType {
	switch condition {
	case string(StatusDone), string(StatusCancelled), string(StatusPassed):
		return ConditionStatusChange
	default:
		return ConditionLLM
	}
}
