package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/projections"
)

// storeAPI is the slice of *projections.Store the built-in maintenance
// jobs depend on. Defined as an interface so tests can supply a fake
// without standing up a real SQLite database.
type storeAPI interface {
	AutoExpire(ctx context.Context, thresholdHours int) (int, error)
	GetUpcoming(ctx context.Context, horizonDays int) ([]projections.Projection, error)
	GetExactDue(ctx context.Context, windowMinutes int) ([]projections.Projection, error)
}

func formatProjectionList(items []projections.Projection) string {
	if len(items) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, p := range items {
		sb.WriteString("- ")
		sb.WriteString(p.Summary)
		if p.RawWhen != "" {
			sb.WriteString(" (")
			sb.WriteString(p.RawWhen)
			sb.WriteString(")")
		} else if p.ResolvedWhen != nil {
			sb.WriteString(" (")
			sb.WriteString(p.ResolvedWhen.Format(time.RFC3339))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func validateScheduleInput(cronExpr, message, userID string) error {
	if strings.TrimSpace(cronExpr) == "" {
		return fmt.Errorf("cron_expr is required")
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is required")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}
