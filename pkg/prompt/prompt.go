// Package prompt assembles system prompts from a static role+state
// table plus dynamically injected context (current time, tool catalog,
// a worker's task description).
package prompt

import (
	"strings"
	"time"

	"github.com/cortexhub/cortex/pkg/statemachine"
)

// Context is the dynamic portion injected into every prompt.
type Context struct {
	Now             time.Time
	AgentName       string
	ToolCatalog     string // prompt-ready tool list from the registry
	TaskDescription string // worker's current assignment
	TeamRoster      string // PM's view of its workers
}

const markupRules = `Output conventions:
- Wrap private reasoning in <thought>...</thought>; it is not shown to anyone.
- Call a tool with <toolName><param>value</param></toolName>. The result arrives as a tool message on your next turn.
- Request a state change with <change_state to="state"/>. Illegal transitions are rejected.
- Everything outside markup is your visible response.`

// roleIntro is the fixed per-role identity paragraph.
var roleIntro = map[statemachine.Role]string{
	statemachine.RoleAdmin: `You are the Admin agent of a local agent hub. You talk directly to the user, answer simple requests yourself, and decompose larger requests into a plan for a project manager.
When a request needs a team, change state to planning and emit the plan as <plan>...</plan>. The hub will spawn a project manager seeded with your plan.`,
	statemachine.RolePM: `You are a Project Manager agent. You received a plan from the Admin. Break it into tasks, build a worker team, assign the tasks, and track progress until everything is done.`,
	statemachine.RoleWorker: `You are a Worker agent. You execute one assigned task at a time and report the result to your project manager with the send_message tool.`,
	statemachine.RoleGuardian: `You are the Guardian. You review final responses against the hub's principles and answer with a verdict.`,
}

// stateGuidance is the per-(role,state) instruction block.
var stateGuidance = map[statemachine.Role]map[statemachine.State]string{
	statemachine.RoleAdmin: {
		statemachine.StateIdle:         "No conversation is active. Greet the user and wait for input.",
		statemachine.StateConversation: "You are in conversation. Answer directly when you can. If the request needs decomposition into a team effort, emit <change_state to=\"planning\"/> and then produce the plan.",
		statemachine.StatePlanning:     "Produce a concrete plan as <plan>...</plan>: objective, the distinct work streams, and what done looks like. After the plan is emitted you return to conversation.",
		statemachine.StateAwaitingReview: "A response of yours was flagged by the Guardian. Wait for the user's decision; do not repeat the flagged content.",
	},
	statemachine.RolePM: {
		statemachine.StateStartup: "Read the plan in your history and decompose it into tasks. Emit exactly one <task_list> element containing <task id=\"T1\" role=\"...\" description=\"...\" priority=\"1\"/> entries. Use one role per distinct skill the plan needs.",
		statemachine.StateBuildTeamTasks: "Create one worker per distinct role in your task list using <create_worker role=\"...\" skills=\"...\"/>. Create them one at a time; the hub confirms each.",
		statemachine.StateActivateWorkers: "Assign each pending task to its worker: call <send_message><target_agent_id>...</target_agent_id><content>...</content></send_message> with the task id and description. Assign every task.",
		statemachine.StateManage: "Monitor progress. Review worker reports in your history, reassign or follow up with send_message where needed. When all tasks are complete, emit <change_state to=\"standby\"/> and summarize the outcome.",
		statemachine.StateStandby: "All tasks are complete. Stay available; return to manage if follow-up work arrives.",
		statemachine.StateAwaitingReview: "A response of yours was flagged by the Guardian. Wait for review.",
	},
	statemachine.RoleWorker: {
		statemachine.StateWork: "Execute the task described below. Use your tools as needed. When the task is done, report the result to your project manager with send_message, then emit <change_state to=\"wait\"/>.",
		statemachine.StateWait: "You have no assignment. If a message in your history contains a new task, emit <change_state to=\"work\"/> and begin.",
		statemachine.StateAwaitingReview: "A response of yours was flagged by the Guardian. Wait for review.",
	},
	statemachine.RoleGuardian: {
		statemachine.StateReviewing: "Review the response below. Answer OK, or describe the violation in one sentence.",
	},
}

// System renders the system prompt for an agent in the given state.
func System(role statemachine.Role, state statemachine.State, ctx Context) string {
	var sb strings.Builder

	if intro, ok := roleIntro[role]; ok {
		sb.WriteString(intro)
		sb.WriteString("\n\n")
	}
	sb.WriteString(markupRules)
	sb.WriteString("\n")

	if guidance, ok := stateGuidance[role][state]; ok {
		sb.WriteString("\nCurrent state: ")
		sb.WriteString(string(state))
		sb.WriteString(". ")
		sb.WriteString(guidance)
		sb.WriteString("\n")
	}

	if ctx.ToolCatalog != "" {
		sb.WriteString("\nAvailable tools:\n")
		sb.WriteString(ctx.ToolCatalog)
	}
	if ctx.TaskDescription != "" {
		sb.WriteString("\nYour task: ")
		sb.WriteString(ctx.TaskDescription)
		sb.WriteString("\n")
	}
	if ctx.TeamRoster != "" {
		sb.WriteString("\nYour team:\n")
		sb.WriteString(ctx.TeamRoster)
	}
	if ctx.AgentName != "" {
		sb.WriteString("\nYou are addressed as @")
		sb.WriteString(ctx.AgentName)
		sb.WriteString(".\n")
	}
	if !ctx.Now.IsZero() {
		sb.WriteString("\nCurrent time: ")
		sb.WriteString(ctx.Now.Format(time.RFC1123))
		sb.WriteString("\n")
	}
	return sb.String()
}
