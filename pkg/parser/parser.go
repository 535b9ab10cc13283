package parser

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// Trigger and span tag names recognized at the top level regardless of
// the registered tool set.
const (
	tagThought      = "thought"
	tagPlan         = "plan"
	tagTaskList     = "task_list"
	tagCreateWorker = "create_worker"
	tagChangeState  = "change_state"
)

// maxCaptureBytes bounds how much an unclosed element may buffer before
// the parser gives up and reports it malformed.
const maxCaptureBytes = 256 * 1024

// tagTokenPattern matches a complete top-level tag token at the start of
// the scan position: <name ...> or <name .../>. The attribute group is
// lazy so a trailing '/' always lands in the self-close group.
var tagTokenPattern = regexp.MustCompile(`^<([a-zA-Z_][\w.-]*)((?:\s[^<>]*?)?)(/?)>`)

// nameStartPattern decides whether a '<' plausibly begins a tag at all;
// "a < b" style text passes through untouched.
var nameStartPattern = regexp.MustCompile(`^<[a-zA-Z_]`)

// Incremental is a streaming parser instance. One per cycle; not safe
// for concurrent use.
type Incremental struct {
	tools map[string]bool // registered tool tag names

	buf     strings.Builder // unconsumed input
	capture strings.Builder // raw text of the element being captured
	open    string          // name of the open element ("" = top level)
}

// NewIncremental creates a parser recognizing the given tool names as
// tool-call tags, in addition to the built-in trigger and thought tags.
func NewIncremental(toolNames []string) *Incremental {
	tools := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		tools[name] = true
	}
	return &Incremental{tools: tools}
}

// Feed consumes the next chunk and returns any signals that closed.
func (p *Incremental) Feed(chunk string) []Signal {
	p.buf.WriteString(chunk)
	return p.scan(false)
}

// Finish flushes the parser at end of stream. An element still open is
// reported as malformed-at-EOF.
func (p *Incremental) Finish() []Signal {
	signals := p.scan(true)
	if p.open != "" {
		signals = append(signals, MalformedSignal{
			Span:   truncateSpan(p.capture.String()),
			Reason: fmt.Sprintf("element <%s> not closed at end of stream", p.open),
			AtEOF:  true,
		})
		p.open = ""
		p.capture.Reset()
	}
	if rest := p.buf.String(); rest != "" {
		signals = append(signals, TextSignal{Text: rest})
		p.buf.Reset()
	}
	return signals
}

// scan advances over the buffer, emitting signals for closed structures.
// atEOF relaxes the hold-back rules: nothing more is coming.
func (p *Incremental) scan(atEOF bool) []Signal {
	var signals []Signal
	for {
		progressed, sig := p.step(atEOF)
		if sig != nil {
			signals = append(signals, sig...)
		}
		if !progressed {
			return signals
		}
	}
}

// step performs one parsing action. Returns false when no further
// progress is possible with the buffered input.
func (p *Incremental) step(atEOF bool) (bool, []Signal) {
	data := p.buf.String()
	if data == "" {
		return false, nil
	}

	if p.open != "" {
		return p.stepInElement(data, atEOF)
	}

	lt := strings.IndexByte(data, '<')
	if lt == -1 {
		// Pure text. Hold nothing back.
		p.buf.Reset()
		return data != "", []Signal{TextSignal{Text: data}}
	}

	if lt > 0 {
		// Emit the text before the '<' and reconsider.
		p.buf.Reset()
		p.buf.WriteString(data[lt:])
		return true, []Signal{TextSignal{Text: data[:lt]}}
	}

	// Buffer starts with '<'. If it cannot begin a tag, pass one char through.
	if len(data) > 1 && !nameStartPattern.MatchString(data) {
		p.buf.Reset()
		p.buf.WriteString(data[1:])
		return true, []Signal{TextSignal{Text: "<"}}
	}

	m := tagTokenPattern.FindStringSubmatch(data)
	if m == nil {
		if strings.ContainsRune(data, '>') || len(data) > 4096 {
			// A '>' arrived (or the token is absurdly long) and the token
			// still doesn't parse: not a tag we understand.
			end := strings.IndexByte(data, '>')
			if end == -1 {
				end = len(data) - 1
			}
			span := data[:end+1]
			p.buf.Reset()
			p.buf.WriteString(data[end+1:])
			return true, []Signal{MalformedSignal{Span: span, Reason: "unparseable tag"}}
		}
		if atEOF {
			// Trailing "<partial" with no '>': plain text at end of stream.
			p.buf.Reset()
			return true, []Signal{TextSignal{Text: data}}
		}
		return false, nil // wait for more input
	}

	name, selfClosed := m[1], m[3] == "/"
	token := m[0]

	if !p.known(name) {
		p.buf.Reset()
		p.buf.WriteString(data[len(token):])
		return true, []Signal{MalformedSignal{
			Span:   token,
			Reason: fmt.Sprintf("unknown tag <%s>", name),
		}}
	}

	if selfClosed {
		p.buf.Reset()
		p.buf.WriteString(data[len(token):])
		return true, p.closeElement(name, token, "")
	}

	p.open = name
	p.capture.Reset()
	p.capture.WriteString(token)
	p.buf.Reset()
	p.buf.WriteString(data[len(token):])
	return true, nil
}

// stepInElement accumulates body text until the matching close tag.
func (p *Incremental) stepInElement(data string, atEOF bool) (bool, []Signal) {
	closeTag := "</" + p.open + ">"
	idx := strings.Index(data, closeTag)
	if idx == -1 {
		// Keep a tail that could be a prefix of the close tag; consume the rest.
		hold := longestSuffixPrefix(data, closeTag)
		consume := len(data) - hold
		if consume == 0 {
			if p.capture.Len() > maxCaptureBytes {
				return true, p.abortCapture("element too large")
			}
			return false, nil
		}
		p.capture.WriteString(data[:consume])
		p.buf.Reset()
		p.buf.WriteString(data[consume:])
		if p.capture.Len() > maxCaptureBytes {
			return true, p.abortCapture("element too large")
		}
		return hold == 0 && !atEOF, nil
	}

	p.capture.WriteString(data[:idx+len(closeTag)])
	p.buf.Reset()
	p.buf.WriteString(data[idx+len(closeTag):])

	raw := p.capture.String()
	name := p.open
	p.open = ""
	p.capture.Reset()

	body := raw[strings.IndexByte(raw, '>')+1 : len(raw)-len(closeTag)]
	return true, p.closeElement(name, raw, body)
}

// closeElement turns a completed element into its signal.
func (p *Incremental) closeElement(name, raw, body string) []Signal {
	switch name {
	case tagThought:
		return []Signal{ThoughtSignal{Text: strings.TrimSpace(body)}}
	case tagPlan:
		return []Signal{PlanSignal{Body: strings.TrimSpace(body)}}
	case tagTaskList:
		return p.parseTaskList(raw)
	case tagCreateWorker:
		return p.parseCreateWorker(raw)
	case tagChangeState:
		return p.parseChangeState(raw, body)
	default:
		return p.parseToolCall(name, raw)
	}
}

func (p *Incremental) known(name string) bool {
	switch name {
	case tagThought, tagPlan, tagTaskList, tagCreateWorker, tagChangeState:
		return true
	}
	return p.tools[name]
}

// abortCapture discards an oversized open element as malformed.
func (p *Incremental) abortCapture(reason string) []Signal {
	span := truncateSpan(p.capture.String())
	p.open = ""
	p.capture.Reset()
	return []Signal{MalformedSignal{Span: span, Reason: reason}}
}

// parseToolCall decodes <tool><action>..</action><param>..</param></tool>.
func (p *Incremental) parseToolCall(name, raw string) []Signal {
	type node struct {
		XMLName xml.Name
		Content string `xml:",chardata"`
		Nodes   []struct {
			XMLName xml.Name
			Content string `xml:",chardata"`
		} `xml:",any"`
	}
	var n node
	if err := xml.Unmarshal([]byte(raw), &n); err != nil {
		return []Signal{MalformedSignal{
			Span:   truncateSpan(raw),
			Reason: fmt.Sprintf("tool call <%s>: %v", name, err),
		}}
	}

	sig := ToolCallSignal{Name: name, Params: map[string]string{}, Raw: raw}
	for _, child := range n.Nodes {
		value := strings.TrimSpace(child.Content)
		if child.XMLName.Local == "action" {
			sig.Action = value
			continue
		}
		sig.Params[child.XMLName.Local] = value
	}
	// A tool call with no children treats the body as the single argument.
	if sig.Action == "" && len(sig.Params) == 0 {
		if body := strings.TrimSpace(n.Content); body != "" {
			sig.Params["input"] = body
		}
	}
	return []Signal{sig}
}

func (p *Incremental) parseTaskList(raw string) []Signal {
	var list struct {
		Tasks []TaskDecl `xml:"task"`
	}
	if err := xml.Unmarshal([]byte(raw), &list); err != nil {
		return []Signal{MalformedSignal{
			Span:   truncateSpan(raw),
			Reason: fmt.Sprintf("task_list: %v", err),
		}}
	}
	if len(list.Tasks) == 0 {
		return []Signal{MalformedSignal{Span: truncateSpan(raw), Reason: "task_list has no tasks"}}
	}
	return []Signal{TaskListSignal{Tasks: list.Tasks}}
}

func (p *Incremental) parseCreateWorker(raw string) []Signal {
	var decl struct {
		Role   string `xml:"role,attr"`
		Skills string `xml:"skills,attr"`
		Name   string `xml:"name,attr"`
	}
	if err := xml.Unmarshal([]byte(raw), &decl); err != nil {
		return []Signal{MalformedSignal{
			Span:   truncateSpan(raw),
			Reason: fmt.Sprintf("create_worker: %v", err),
		}}
	}
	if decl.Role == "" {
		return []Signal{MalformedSignal{Span: truncateSpan(raw), Reason: "create_worker requires a role attribute"}}
	}
	var skills []string
	for _, s := range strings.Split(decl.Skills, ",") {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}
	return []Signal{CreateWorkerSignal{Role: decl.Role, Skills: skills, Name: decl.Name}}
}

// parseChangeState accepts <change_state to="planning"/> or
// <change_state>planning</change_state>.
func (p *Incremental) parseChangeState(raw, body string) []Signal {
	var decl struct {
		To string `xml:"to,attr"`
	}
	if err := xml.Unmarshal([]byte(raw), &decl); err != nil {
		return []Signal{MalformedSignal{
			Span:   truncateSpan(raw),
			Reason: fmt.Sprintf("change_state: %v", err),
		}}
	}
	to := decl.To
	if to == "" {
		to = strings.TrimSpace(body)
	}
	if to == "" {
		return []Signal{MalformedSignal{Span: truncateSpan(raw), Reason: "change_state requires a target state"}}
	}
	return []Signal{StateChangeSignal{To: to}}
}

// longestSuffixPrefix returns the length of the longest suffix of data
// that is a prefix of pattern — the bytes that must be held back because
// the close tag may be arriving split across chunks.
func longestSuffixPrefix(data, pattern string) int {
	max := len(pattern) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(pattern, data[len(data)-n:]) {
			return n
		}
	}
	return 0
}

func truncateSpan(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
