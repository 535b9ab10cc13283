package manager

import (
	"context"
	"fmt"

	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
	"github.com/cortexhub/cortex/pkg/tools"
	"github.com/cortexhub/cortex/pkg/workflow"
)

// updateTaskTool lets a PM mark a task's status on its own board after
// a worker report. Only PMs may call it; the board is keyed by the
// calling agent's id so a PM cannot touch another team's tasks.
type updateTaskTool struct {
	workflow *workflow.Manager
}

func newUpdateTaskTool(wf *workflow.Manager) *updateTaskTool {
	return &updateTaskTool{workflow: wf}
}

func (t *updateTaskTool) Name() string { return "update_task" }

func (t *updateTaskTool) Description() string {
	return "Update one of your tasks' status (in_progress, completed, failed) after a worker report."
}

func (t *updateTaskTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["in_progress", "completed", "failed"]}
		},
		"required": ["task_id", "status"],
		"additionalProperties": false
	}`
}

func (t *updateTaskTool) Execute(_ context.Context, agentCtx tools.AgentContext, args map[string]any) *tools.Result {
	if agentCtx.Role != statemachine.RolePM {
		return tools.Errf("forbidden", "only a project manager can update tasks")
	}
	taskID, _ := args["task_id"].(string)
	status, _ := args["status"].(string)
	if err := t.workflow.MarkTask(agentCtx.AgentID, taskID, models.TaskStatus(status)); err != nil {
		return tools.Errf("not_found", "%v", err)
	}
	return tools.Ok(fmt.Sprintf("task %s marked %s", taskID, status))
}
