// Package parser extracts structured markup from streamed assistant
// text: tool calls, workflow triggers (plan, task_list, create_worker)
// and thought spans. The parser is incremental — it tolerates tags split
// across chunk boundaries by buffering until the matching close tag (or
// end of stream) is seen.
package parser

// Signal is the tagged union of parser outputs. Consumers switch on the
// concrete type.
type Signal interface {
	signal()
}

// TextSignal is plain assistant text outside any recognized markup.
type TextSignal struct {
	Text string
}

// ThoughtSignal is the content of a closed <thought> span.
type ThoughtSignal struct {
	Text string
}

// ToolCallSignal is a closed tool call element. Action holds the
// <action> child when present; Params holds the remaining children.
type ToolCallSignal struct {
	Name   string
	Action string
	Params map[string]string
	Raw    string
}

// PlanSignal is a closed <plan> trigger. Body is the raw plan text.
type PlanSignal struct {
	Body string
}

// TaskDecl is one <task .../> inside a task list.
type TaskDecl struct {
	ID          string `xml:"id,attr"`
	Role        string `xml:"role,attr"`
	Description string `xml:"description,attr"`
	Priority    int    `xml:"priority,attr"`
}

// TaskListSignal is a closed <task_list> trigger.
type TaskListSignal struct {
	Tasks []TaskDecl
}

// CreateWorkerSignal is a <create_worker role=... skills=.../> trigger.
type CreateWorkerSignal struct {
	Role   string
	Skills []string
	Name   string
}

// StateChangeSignal is a <change_state to=.../> request. The state
// machine decides whether the transition is legal.
type StateChangeSignal struct {
	To string
}

// MalformedSignal reports markup that could not be parsed: bad XML, an
// unknown tag, or an element left open at end of stream. Span is the
// offending text; AtEOF marks the incomplete-at-end case, which the
// error taxonomy treats as transient.
type MalformedSignal struct {
	Span   string
	Reason string
	AtEOF  bool
}

func (TextSignal) signal()         {}
func (ThoughtSignal) signal()      {}
func (ToolCallSignal) signal()     {}
func (PlanSignal) signal()         {}
func (TaskListSignal) signal()     {}
func (CreateWorkerSignal) signal() {}
func (StateChangeSignal) signal()  {}
func (MalformedSignal) signal()    {}

// IsWorkflowTrigger reports whether the signal is one of the three
// framework-level triggers.
func IsWorkflowTrigger(s Signal) bool {
	switch s.(type) {
	case PlanSignal, TaskListSignal, CreateWorkerSignal:
		return true
	}
	return false
}
