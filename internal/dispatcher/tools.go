package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/workers"
)

// elevatedTools must match the capability map passed to approval.NewGate
// when cmd/ wires the Dispatcher — anything not listed here is "safe" by
// approval.Gate's default.
var elevatedTools = map[string]bool{
	"worker_dispatch":  true,
	"worker_interrupt": true,
}

func (d *Dispatcher) toolDefinitions() []providers.ToolDefinition {
	defs := []providers.ToolDefinition{
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "memory_add",
			Description: "Save a fact to long-term archival memory",
			Parameters: objectSchema(map[string]string{"content": "string"}, "content"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "memory_search",
			Description: "Search long-term archival memory",
			Parameters:  objectSchema(map[string]string{"query": "string"}, "query"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "projection_add",
			Description: "Record a future commitment to follow up on",
			Parameters: objectSchema(map[string]string{
				"summary": "string", "raw_when": "string", "resolution": "string",
			}, "summary"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "projection_resolve",
			Description: "Mark a tracked commitment done or cancelled",
			Parameters:  objectSchema(map[string]string{"id": "string", "status": "string"}, "id", "status"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "worker_dispatch",
			Description: "Start a background sub-agent worker for a long-running task",
			Parameters:  objectSchema(map[string]string{"task": "string", "type": "string"}, "task"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "worker_check",
			Description: "Check a background worker's status",
			Parameters:  objectSchema(map[string]string{"worker_id": "string"}, "worker_id"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "worker_interrupt",
			Description: "Cancel a running background worker",
			Parameters:  objectSchema(map[string]string{"worker_id": "string"}, "worker_id"),
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "worker_steer",
			Description: "Send new guidance to a running background worker without interrupting it",
			Parameters: objectSchema(map[string]string{
				"worker_id": "string", "guidance": "string",
			}, "worker_id", "guidance"),
		}},
	}
	return append(defs, scheduler.ScheduleToolDefinitions()...)
}

func objectSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, typ := range props {
		properties[name] = map[string]interface{}{"type": typ}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// executeTool runs one tool call, gating elevated tools through the
// ApprovalGate first, and appends an entry to logs/tool-calls.jsonl.
func (d *Dispatcher) executeTool(ctx context.Context, userID, channelID, platform string, collabs UserCollaborators, call providers.ToolCall) string {
	if elevatedTools[call.Name] {
		if ok, stockErr := d.cfg.Approval.Check(userID, call.Name); !ok {
			d.logToolCall(userID, call, "", stockErr)
			return stockErr
		}
	}

	result, toolErr := d.dispatchTool(ctx, userID, collabs, call)
	errText := ""
	if toolErr != nil {
		errText = toolErr.Error()
		result = fmt.Sprintf("error: %s", errText)
	}
	d.logToolCall(userID, call, result, errText)

	argsJSON, _ := json.Marshal(call.Arguments)
	d.cfg.Tracer.ToolSpan(ctx, call.Name, string(argsJSON), result, toolErr)
	return result
}

func (d *Dispatcher) logToolCall(userID string, call providers.ToolCall, result, errText string) {
	if d.cfg.ToolCalls == nil {
		return
	}
	d.cfg.ToolCalls.Append(audit.ToolCallEntry{
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Result:    result,
		Error:     errText,
		UserID:    userID,
	})
}

func (d *Dispatcher) dispatchTool(ctx context.Context, userID string, collabs UserCollaborators, call providers.ToolCall) (string, error) {
	switch call.Name {
	case "memory_add":
		content, _ := call.Arguments["content"].(string)
		id, err := collabs.Memory.AddFact(ctx, content, "conversation")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("saved as %s", id), nil

	case "memory_search":
		query, _ := call.Arguments["query"].(string)
		return collabs.Memory.BuildContext(ctx, query, 10)

	case "projection_add":
		summary, _ := call.Arguments["summary"].(string)
		rawWhen, _ := call.Arguments["raw_when"].(string)
		resolution, _ := call.Arguments["resolution"].(string)
		if resolution == "" {
			resolution = string(projections.ResolutionSomeday)
		}
		id, err := collabs.Projections.Add(ctx, projections.AddInput{
			Summary:    summary,
			RawWhen:    rawWhen,
			Resolution: projections.Resolution(resolution),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("tracked as %s", id), nil

	case "projection_resolve":
		id, _ := call.Arguments["id"].(string)
		status, _ := call.Arguments["status"].(string)
		ok, err := collabs.Projections.Resolve(ctx, id, projections.Status(status))
		if err != nil {
			return "", err
		}
		if !ok {
			return "no matching pending commitment", nil
		}
		return "updated", nil

	case "worker_dispatch":
		task, _ := call.Arguments["task"].(string)
		workerType, _ := call.Arguments["type"].(string)
		res, err := collabs.Workers.Dispatch(ctx, false, workers.DispatchInput{Task: task, Type: workerType})
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(res)
		return string(data), nil

	case "worker_check":
		id, _ := call.Arguments["worker_id"].(string)
		entry, err := collabs.Workers.Check(id)
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(entry)
		return string(data), nil

	case "worker_interrupt":
		id, _ := call.Arguments["worker_id"].(string)
		entry, err := collabs.Workers.Interrupt(ctx, id)
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(entry)
		return string(data), nil

	case "worker_steer":
		id, _ := call.Arguments["worker_id"].(string)
		guidance, _ := call.Arguments["guidance"].(string)
		if err := collabs.Workers.Steer(id, guidance); err != nil {
			return "", err
		}
		return "steering sent", nil

	case "schedule_create":
		cronExpr, _ := call.Arguments["cron"].(string)
		message, _ := call.Arguments["message"].(string)
		sched, err := collabs.Scheduler.CreateSchedule(userID, "", "", cronExpr, message)
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(sched)
		return string(data), nil

	case "schedule_list":
		data, _ := json.Marshal(collabs.Scheduler.ListSchedules(userID))
		return string(data), nil

	case "schedule_delete":
		id, _ := call.Arguments["id"].(string)
		ok, err := collabs.Scheduler.DeleteSchedule(userID, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "no matching schedule", nil
		}
		return "deleted", nil

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}
