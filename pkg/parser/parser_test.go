package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(p *Incremental, chunks ...string) []Signal {
	var out []Signal
	for _, c := range chunks {
		out = append(out, p.Feed(c)...)
	}
	return append(out, p.Finish()...)
}

func textOf(signals []Signal) string {
	var s string
	for _, sig := range signals {
		if t, ok := sig.(TextSignal); ok {
			s += t.Text
		}
	}
	return s
}

func TestPlainTextPassesThrough(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, "hello ", "world")
	assert.Equal(t, "hello world", textOf(signals))
}

func TestAngleBracketInProseIsText(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, "3 < 5 and 7 > 2")
	assert.Equal(t, "3 < 5 and 7 > 2", textOf(signals))
}

func TestToolCallWithActionAndParams(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p, `<search><action>find</action><query>invoice</query></search>`)

	require.Len(t, signals, 1)
	call, ok := signals[0].(ToolCallSignal)
	require.True(t, ok)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, "find", call.Action)
	assert.Equal(t, map[string]string{"query": "invoice"}, call.Params)
}

func TestToolCallSplitAcrossChunks(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p,
		"let me look<sea", "rch><query>inv", "oice</query></sea", "rch>done")

	require.Len(t, signals, 3)
	assert.Equal(t, "let me look", signals[0].(TextSignal).Text)
	call := signals[1].(ToolCallSignal)
	assert.Equal(t, "invoice", call.Params["query"])
	assert.Equal(t, "done", signals[2].(TextSignal).Text)
}

func TestToolCallBodyOnlyBecomesInput(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p, "<search>invoice</search>")

	call := signals[0].(ToolCallSignal)
	assert.Equal(t, map[string]string{"input": "invoice"}, call.Params)
}

func TestThought(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, "<thought> should I use a tool? </thought>after")

	require.Len(t, signals, 2)
	assert.Equal(t, "should I use a tool?", signals[0].(ThoughtSignal).Text)
	assert.Equal(t, "after", signals[1].(TextSignal).Text)
}

func TestPlanTrigger(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, "<plan>build the dashboard in three steps</plan>")

	require.Len(t, signals, 1)
	plan := signals[0].(PlanSignal)
	assert.Equal(t, "build the dashboard in three steps", plan.Body)
	assert.True(t, IsWorkflowTrigger(plan))
}

func TestTaskList(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, `<task_list>
		<task id="T1" role="ingester" description="ingest the feed" priority="1"/>
		<task id="T2" role="classifier" description="classify entries" priority="2"/>
	</task_list>`)

	require.Len(t, signals, 1)
	list := signals[0].(TaskListSignal)
	require.Len(t, list.Tasks, 2)
	assert.Equal(t, "T1", list.Tasks[0].ID)
	assert.Equal(t, "ingester", list.Tasks[0].Role)
	assert.Equal(t, "classify entries", list.Tasks[1].Description)
	assert.Equal(t, 2, list.Tasks[1].Priority)
}

func TestEmptyTaskListIsMalformed(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, "<task_list></task_list>")

	require.Len(t, signals, 1)
	assert.IsType(t, MalformedSignal{}, signals[0])
}

func TestCreateWorkerSelfClosing(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, `<create_worker role="classifier" skills="nlp, sentiment" name="clf"/>`)

	require.Len(t, signals, 1)
	w := signals[0].(CreateWorkerSignal)
	assert.Equal(t, "classifier", w.Role)
	assert.Equal(t, []string{"nlp", "sentiment"}, w.Skills)
	assert.Equal(t, "clf", w.Name)
	assert.True(t, IsWorkflowTrigger(w))
}

func TestCreateWorkerWithoutRoleIsMalformed(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, `<create_worker skills="nlp"/>`)

	require.Len(t, signals, 1)
	m := signals[0].(MalformedSignal)
	assert.Contains(t, m.Reason, "role")
}

func TestChangeStateAttribute(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, `<change_state to="planning"/>`)

	require.Len(t, signals, 1)
	assert.Equal(t, StateChangeSignal{To: "planning"}, signals[0])
}

func TestChangeStateAttributeWithSpaceBeforeSlash(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, `<change_state to="wait" />`)

	require.Len(t, signals, 1)
	assert.Equal(t, StateChangeSignal{To: "wait"}, signals[0])
}

func TestSlashInAttributeValueDoesNotSelfClose(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p, `<search scope="notes/archive">invoice</search>`)

	require.Len(t, signals, 1)
	call := signals[0].(ToolCallSignal)
	assert.Equal(t, map[string]string{"input": "invoice"}, call.Params)
}

func TestChangeStateBody(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, `<change_state>wait</change_state>`)

	require.Len(t, signals, 1)
	assert.Equal(t, StateChangeSignal{To: "wait"}, signals[0])
}

func TestUnknownTagIsMalformed(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p, "before<mystery>x</mystery>after")

	m := signals[1].(MalformedSignal)
	assert.Equal(t, "<mystery>", m.Span)
	assert.Contains(t, m.Reason, "unknown tag <mystery>")
	assert.False(t, m.AtEOF)
	// The body and the orphaned close tag fall through as text.
	assert.Equal(t, "beforex</mystery>after", textOf(signals))
}

func TestUnclosedElementAtEOF(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p, "<search><query>inv")

	require.Len(t, signals, 1)
	m := signals[0].(MalformedSignal)
	assert.True(t, m.AtEOF)
	assert.Contains(t, m.Reason, "not closed")
}

func TestTrailingPartialTagIsTextAtEOF(t *testing.T) {
	p := NewIncremental(nil)
	signals := collect(p, "almost a tag <but not")
	assert.Equal(t, "almost a tag <but not", textOf(signals))
}

func TestWorkflowTriggerAndToolCallInSameResponse(t *testing.T) {
	p := NewIncremental([]string{"search"})
	signals := collect(p, "<plan>the plan</plan><search>q</search>")

	require.Len(t, signals, 2)
	assert.IsType(t, PlanSignal{}, signals[0])
	assert.IsType(t, ToolCallSignal{}, signals[1])
}

func TestCloseTagSplitByteByByte(t *testing.T) {
	p := NewIncremental(nil)
	var signals []Signal
	for _, r := range "<thought>deep</thought>" {
		signals = append(signals, p.Feed(string(r))...)
	}
	signals = append(signals, p.Finish()...)

	require.Len(t, signals, 1)
	assert.Equal(t, "deep", signals[0].(ThoughtSignal).Text)
}
