/*
Package parser extracts relay commands from raw CLI output. It consumes
stdout chunks (ANSI escapes and all), keeps a rolling buffer so commands
split across chunks still parse, and yields each distinct command exactly
once as the input grows.
*/
package parser

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// DefaultPrefix marks an inline relay command at the start of a line.
const DefaultPrefix = "->relay:"

// ReadyMarker is the explicit idle signal a CLI may print. It is consumed
// from the buffer so it can never leak into a parsed body.
const ReadyMarker = "->pty:ready"

const (
	// maxFencedBody bounds a single <<< >>> block.
	maxFencedBody = 1 << 20 // 1 MiB
	// lookback keeps this many trailing bytes scannable so a fence opened in
	// one chunk still closes in the next.
	lookback = 500
	// maxBuffer caps the rolling buffer. It must exceed maxFencedBody so an
	// in-flight fence is never cut mid-block.
	maxBuffer = 2 << 20
)

// Command kinds.
const (
	KindMessage = "message"
	KindSpawn   = "spawn"
	KindRelease = "release"
)

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\].*?\x07`)
	threadRe  = regexp.MustCompile(`^\[thread:([^\]]+)\]\s*`)
	jsonRe    = regexp.MustCompile(`(?s)\[\[RELAY\]\](.*?)\[\[/RELAY\]\]`)
	summaryRe = regexp.MustCompile(`(?s)\[\[SUMMARY\]\](.*?)\[\[/SUMMARY\]\]`)
	sessionRe = regexp.MustCompile(`(?s)\[\[SESSION_END\]\](.*?)\[\[/SESSION_END\]\]`)
)

// Command is one extracted relay instruction.
type Command struct {
	Kind   string
	From   string
	To     string
	Body   string
	Thread string
	Raw    string

	// Spawn/release control fields.
	SpawnName string
	SpawnCLI  string
	SpawnTask string
}

// Result is everything one Feed call produced.
type Result struct {
	Commands    []Command
	Summaries   []string
	SessionEnds []string
	PromptIdle  bool
	ReadySignal bool
}

// Parser is a stateful scanner over one CLI's output stream. Not safe for
// concurrent use; the orchestrator feeds it from a single goroutine.
type Parser struct {
	agent    string
	prefix   string
	promptRe *regexp.Regexp

	inlineRe *regexp.Regexp
	fencedRe *regexp.Regexp

	buf     strings.Builder
	scanned int // absolute offset already yielded from

	emitted     map[string]struct{} // raw command text in the lookback window
	seenSummary map[string]struct{}
	seenEnd     map[string]struct{}
}

// Option configures a Parser.
type Option func(*Parser)

// WithPrefix replaces the inline command prefix.
func WithPrefix(prefix string) Option {
	return func(p *Parser) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithPromptPattern sets the CLI-specific prompt regex used for the idle cue.
func WithPromptPattern(pattern string) Option {
	return func(p *Parser) {
		if re, err := regexp.Compile(pattern); err == nil {
			p.promptRe = re
		}
	}
}

// New builds a parser emitting commands attributed to agent.
func New(agent string, opts ...Option) *Parser {
	p := &Parser{
		agent:       agent,
		prefix:      DefaultPrefix,
		promptRe:    regexp.MustCompile(`^[>$%#] $`),
		emitted:     make(map[string]struct{}),
		seenSummary: make(map[string]struct{}),
		seenEnd:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	quoted := regexp.QuoteMeta(p.prefix)
	p.inlineRe = regexp.MustCompile(`(?m)^([\s>$%#\-*]*)` + quoted + `(\S+)[ \t]+(.+)$`)
	p.fencedRe = regexp.MustCompile(`(?s)` + quoted + `(\S+)[ \t]+(?:(\[thread:[^\]]+\])[ \t]+)?<<<\s*(.*?)>>>`)
	return p
}

// Feed appends a raw output chunk and returns every newly completed command
// and marker. Identical input never re-yields.
func (p *Parser) Feed(chunk []byte) Result {
	clean := StripANSI(string(chunk))
	p.buf.WriteString(clean)

	var res Result
	text := p.buf.String()

	if strings.Contains(text, ReadyMarker) {
		res.ReadySignal = true
		text = strings.ReplaceAll(text, ReadyMarker, "")
		p.buf.Reset()
		p.buf.WriteString(text)
		if p.scanned > len(text) {
			p.scanned = len(text)
		}
	}

	window := text[p.scanned:]
	masked := maskCodeFences(window)

	// The three shapes scan independently; merging on window offset keeps
	// commands in the order the CLI printed them.
	var cmds []located
	p.collectFenced(masked, window, &cmds)
	p.collectInline(masked, window, &cmds)
	p.collectJSON(masked, window, &cmds)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].at < cmds[j].at })
	for _, lc := range cmds {
		res.Commands = append(res.Commands, lc.cmd)
	}
	p.collectMarkers(masked, &res)
	res.PromptIdle = p.promptCue(text)

	// Advance past everything scanned, keeping a lookback tail. An open
	// fence pins the window at its start until it closes or outgrows the cap.
	adv := len(text) - lookback
	if open := openFenceStart(masked, p.prefix); open >= 0 {
		if pin := p.scanned + open; pin < adv {
			adv = pin
		}
	}
	if adv > p.scanned {
		p.scanned = adv
	}
	p.compact()
	return res
}

// openFenceStart returns the offset of the last unclosed <<< fence opener in
// the window, or -1. Fences already over the size cap are abandoned.
func openFenceStart(window, prefix string) int {
	idx := strings.LastIndex(window, prefix)
	for idx >= 0 {
		rest := window[idx:]
		if open := strings.Index(rest, "<<<"); open >= 0 && !strings.Contains(rest[open:], ">>>") {
			if len(rest)-open <= maxFencedBody {
				return idx
			}
			return -1
		}
		idx = strings.LastIndex(window[:idx], prefix)
	}
	return -1
}

// located pairs an extracted command with its offset in the scan window so
// the shape-specific passes can be merged back into print order.
type located struct {
	at  int
	cmd Command
}

// collectFenced extracts <<< >>> blocks. masked has code fences blanked but
// identical offsets to window, so captures index into window.
func (p *Parser) collectFenced(masked, window string, cmds *[]located) {
	for _, idx := range p.fencedRe.FindAllStringSubmatchIndex(masked, -1) {
		raw := window[idx[0]:idx[1]]
		if p.escaped(window, idx[0]) || p.alreadyEmitted(raw) {
			continue
		}
		target := window[idx[2]:idx[3]]
		body := strings.TrimSpace(window[idx[6]:idx[7]])
		if len(body) > maxFencedBody {
			continue
		}
		thread := ""
		if idx[4] >= 0 {
			thread = strings.TrimSuffix(strings.TrimPrefix(window[idx[4]:idx[5]], "[thread:"), "]")
		}
		p.emit(cmds, idx[0], target, body, thread, raw)
	}
}

// collectInline extracts single-line commands, skipping fence openers which
// the fenced pass owns.
func (p *Parser) collectInline(masked, window string, cmds *[]located) {
	for _, idx := range p.inlineRe.FindAllStringSubmatchIndex(masked, -1) {
		cmdStart := idx[3] // after the leading decoration group
		raw := window[cmdStart:idx[1]]
		target := window[idx[4]:idx[5]]
		body := strings.TrimSpace(window[idx[6]:idx[7]])
		// Fence openers belong to the fenced pass, whole or partial.
		if strings.Contains(body, "<<<") {
			continue
		}
		if p.escaped(window, cmdStart) || p.alreadyEmitted(raw) {
			continue
		}
		thread := ""
		if m := threadRe.FindStringSubmatch(body); m != nil {
			thread = m[1]
			body = strings.TrimSpace(threadRe.ReplaceAllString(body, ""))
		}
		p.emit(cmds, cmdStart, target, body, thread, raw)
	}
}

type jsonCommand struct {
	To     string `json:"to"`
	Kind   string `json:"type"`
	Body   string `json:"body"`
	Thread string `json:"thread"`
}

func (p *Parser) collectJSON(masked, window string, cmds *[]located) {
	for _, idx := range jsonRe.FindAllStringSubmatchIndex(masked, -1) {
		raw := window[idx[0]:idx[1]]
		if p.alreadyEmitted(raw) {
			continue
		}
		var cmd jsonCommand
		if err := json.Unmarshal([]byte(window[idx[2]:idx[3]]), &cmd); err != nil || cmd.To == "" {
			continue
		}
		p.markEmitted(raw)
		*cmds = append(*cmds, located{at: idx[0], cmd: Command{
			Kind:   KindMessage,
			From:   p.agent,
			To:     cmd.To,
			Body:   cmd.Body,
			Thread: cmd.Thread,
			Raw:    raw,
		}})
	}
}

func (p *Parser) collectMarkers(window string, res *Result) {
	for _, m := range summaryRe.FindAllStringSubmatch(window, -1) {
		content := strings.TrimSpace(m[1])
		if _, dup := p.seenSummary[content]; dup {
			continue
		}
		p.seenSummary[content] = struct{}{}
		res.Summaries = append(res.Summaries, content)
	}
	for _, m := range sessionRe.FindAllStringSubmatch(window, -1) {
		content := strings.TrimSpace(m[1])
		if _, dup := p.seenEnd[content]; dup {
			continue
		}
		p.seenEnd[content] = struct{}{}
		res.SessionEnds = append(res.SessionEnds, content)
	}
}

// emit classifies the target and appends the command at its window offset.
// spawn/release targets become control commands instead of messages.
func (p *Parser) emit(cmds *[]located, at int, target, body, thread, raw string) {
	p.markEmitted(raw)
	switch strings.ToLower(target) {
	case "spawn":
		name, cli, task := splitSpawnBody(body)
		if name == "" {
			return
		}
		*cmds = append(*cmds, located{at: at, cmd: Command{
			Kind:      KindSpawn,
			From:      p.agent,
			To:        "spawn",
			Body:      task,
			Raw:       raw,
			SpawnName: name,
			SpawnCLI:  cli,
			SpawnTask: task,
		}})
	case "release":
		name := strings.Fields(body)
		if len(name) == 0 {
			return
		}
		*cmds = append(*cmds, located{at: at, cmd: Command{
			Kind:      KindRelease,
			From:      p.agent,
			To:        "release",
			Body:      name[0],
			Raw:       raw,
			SpawnName: name[0],
		}})
	default:
		*cmds = append(*cmds, located{at: at, cmd: Command{
			Kind:   KindMessage,
			From:   p.agent,
			To:     target,
			Body:   body,
			Thread: thread,
			Raw:    raw,
		}})
	}
}

// splitSpawnBody parses "Name <cli> <task...>"; cli defaults to claude.
func splitSpawnBody(body string) (name, cli, task string) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", "", ""
	}
	name = fields[0]
	cli = "claude"
	if len(fields) > 1 {
		cli = fields[1]
	}
	if len(fields) > 2 {
		task = strings.Join(fields[2:], " ")
	}
	return name, cli, task
}

// escaped reports whether the command start is preceded by a backslash.
func (p *Parser) escaped(window string, start int) bool {
	return start > 0 && window[start-1] == '\\'
}

func (p *Parser) alreadyEmitted(raw string) bool {
	_, ok := p.emitted[raw]
	return ok
}

func (p *Parser) markEmitted(raw string) {
	p.emitted[raw] = struct{}{}
}

// promptCue reports whether the buffer currently ends on a known prompt.
func (p *Parser) promptCue(text string) bool {
	nl := strings.LastIndexByte(text, '\n')
	last := text[nl+1:]
	if p.promptRe.MatchString(last) {
		return true
	}
	trimmed := strings.TrimLeft(last, " \t")
	for _, prompt := range []string{"> ", "$ ", ">>> ", "codex> "} {
		if strings.HasSuffix(trimmed, prompt) && trimmed != "" {
			return true
		}
	}
	return false
}

// compact bounds the rolling buffer, preserving offsets relative to scanned.
func (p *Parser) compact() {
	if p.buf.Len() <= maxBuffer {
		return
	}
	text := p.buf.String()
	cut := len(text) - maxBuffer
	if cut > p.scanned {
		cut = p.scanned
	}
	p.buf.Reset()
	p.buf.WriteString(text[cut:])
	p.scanned -= cut
	// Old raw strings can no longer reappear; reset the window dedupe.
	if len(p.emitted) > 4096 {
		p.emitted = make(map[string]struct{})
	}
}

// StripANSI removes CSI sequences and OSC strings (title updates etc).
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// SanitizeForInjection drops control characters except newline and tab so an
// injected body cannot smuggle escape sequences into the child terminal.
func SanitizeForInjection(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 && r != 0x7f {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// maskCodeFences blanks every character inside triple-backtick fences so the
// command regexes cannot match there. Offsets are preserved.
func maskCodeFences(s string) string {
	var out []byte
	inFence := false
	i := 0
	for i < len(s) {
		lineEnd := strings.IndexByte(s[i:], '\n')
		var line string
		if lineEnd < 0 {
			line = s[i:]
			lineEnd = len(s)
		} else {
			line = s[i : i+lineEnd]
			lineEnd = i + lineEnd + 1
		}
		isFenceLine := strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
		if isFenceLine {
			inFence = !inFence
		}
		if out == nil && (inFence || isFenceLine) {
			out = []byte(s)
		}
		if out != nil && (isFenceLine || inFence && !isFenceLine) {
			for j := i; j < lineEnd && j < len(out); j++ {
				if out[j] != '\n' {
					out[j] = ' '
				}
			}
		}
		i = lineEnd
	}
	if out == nil {
		return s
	}
	return string(out)
}
