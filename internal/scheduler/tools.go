package scheduler

import (
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// ScheduleToolDefinitions returns the schedule_create/schedule_list/
// schedule_delete function schemas for the dispatcher's tool list, in the
// same shape as internal/workers/runtime.go's buildToolDefinitions.
func ScheduleToolDefinitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "schedule_create",
			Description: "Create a recurring or one-time reminder driven by a cron expression",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cron_expr": map[string]interface{}{"type": "string", "description": "standard 5-field cron expression"},
					"message":   map[string]interface{}{"type": "string", "description": "message injected as a synthetic user turn when due"},
				},
				"required": []string{"cron_expr", "message"},
			},
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "schedule_list",
			Description: "List this user's active schedules",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "schedule_delete",
			Description: "Delete a previously created schedule by id",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"type": "string"},
				},
				"required": []string{"id"},
			},
		}},
	}
}

// CreateSchedule validates cronExpr, registers the schedule in memory, and
// persists only after both checks succeed — per spec.md 4.E "a create
// fails fast if the cron expression is invalid; persistence happens only
// after the job starts successfully".
func (s *Scheduler) CreateSchedule(userID, channelID, platform, cronExpr, message string) (AgentSchedule, error) {
	if err := validateScheduleInput(cronExpr, message, userID); err != nil {
		return AgentSchedule{}, err
	}
	if !s.gron.IsValid(cronExpr) {
		return AgentSchedule{}, &invalidCronError{expr: cronExpr}
	}

	sched := AgentSchedule{
		ID:        uuid.NewString(),
		CronExpr:  cronExpr,
		Message:   message,
		UserID:    userID,
		ChannelID: channelID,
		Platform:  platform,
		CreatedAt: s.cfg.Now(),
	}
	if err := s.store.add(sched); err != nil {
		return AgentSchedule{}, err
	}
	return sched, nil
}

// ListSchedules returns userID's active schedules.
func (s *Scheduler) ListSchedules(userID string) []AgentSchedule {
	var out []AgentSchedule
	for _, sched := range s.store.list() {
		if sched.UserID == userID {
			out = append(out, sched)
		}
	}
	return out
}

// DeleteSchedule removes id, scoped to userID so one user cannot delete
// another's schedule.
func (s *Scheduler) DeleteSchedule(userID, id string) (bool, error) {
	sched, ok := s.store.get(id)
	if !ok || sched.UserID != userID {
		return false, nil
	}
	return s.store.remove(id)
}

type invalidCronError struct {
	expr string
}

func (e *invalidCronError) Error() string {
	return "invalid cron expression: " + e.expr
}
