package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(p *Parser, chunks ...string) Result {
	var all Result
	for _, c := range chunks {
		res := p.Feed([]byte(c))
		all.Commands = append(all.Commands, res.Commands...)
		all.Summaries = append(all.Summaries, res.Summaries...)
		all.SessionEnds = append(all.SessionEnds, res.SessionEnds...)
		all.PromptIdle = res.PromptIdle
		all.ReadySignal = all.ReadySignal || res.ReadySignal
	}
	return all
}

func TestInlineCommand(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:Bob Hello Bob!\n")

	require.Len(t, res.Commands, 1)
	cmd := res.Commands[0]
	assert.Equal(t, KindMessage, cmd.Kind)
	assert.Equal(t, "Alice", cmd.From)
	assert.Equal(t, "Bob", cmd.To)
	assert.Equal(t, "Hello Bob!", cmd.Body)
	assert.Empty(t, cmd.Thread)
}

func TestInlineWithLeadingDecoration(t *testing.T) {
	p := New("Alice")
	res := feed(p, "  > ->relay:#general standup notes\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "#general", res.Commands[0].To)
	assert.Equal(t, "standup notes", res.Commands[0].Body)
}

func TestInlineThreadTag(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:Bob [thread:deploy-42] rollback done\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "deploy-42", res.Commands[0].Thread)
	assert.Equal(t, "rollback done", res.Commands[0].Body)
}

func TestEscapedPrefixIgnored(t *testing.T) {
	p := New("Alice")
	res := feed(p, "use \\->relay:Bob like this to send\n")
	assert.Empty(t, res.Commands)
}

func TestBroadcastTarget(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:* all hands meeting\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "*", res.Commands[0].To)
}

func TestFencedMultiline(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:Bob <<<\nline one\nline two\n>>>\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "Bob", res.Commands[0].To)
	assert.Equal(t, "line one\nline two", res.Commands[0].Body)
}

func TestFencedSpanningChunks(t *testing.T) {
	p := New("Alice")
	res := feed(p,
		"->relay:Bob <<<\npart one\n",
		"part two\n>>>\n",
	)

	require.Len(t, res.Commands, 1)
	assert.Contains(t, res.Commands[0].Body, "part one")
	assert.Contains(t, res.Commands[0].Body, "part two")
}

func TestFencedWithThread(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:Bob [thread:t-1] <<<hello>>>\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "Bob", res.Commands[0].To)
	assert.Equal(t, "t-1", res.Commands[0].Thread)
	assert.Equal(t, "hello", res.Commands[0].Body)
}

func TestJSONBlock(t *testing.T) {
	p := New("Alice")
	res := feed(p, `[[RELAY]] {"to":"Bob","type":"message","body":"structured hi"} [[/RELAY]]`+"\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "Bob", res.Commands[0].To)
	assert.Equal(t, "structured hi", res.Commands[0].Body)
}

func TestCodeFenceExcluded(t *testing.T) {
	p := New("Alice")
	res := feed(p, "```\n->relay:Bob not a real command\n```\n->relay:Carol real one\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "Carol", res.Commands[0].To)
}

func TestNoReYieldOnGrowingInput(t *testing.T) {
	p := New("Alice")
	first := feed(p, "->relay:Bob once only\n")
	require.Len(t, first.Commands, 1)

	again := feed(p, "unrelated output\n")
	assert.Empty(t, again.Commands, "previously yielded command must not repeat")
}

func TestOrderPreserved(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:Bob first\n->relay:Carol second\n->relay:Dave third\n")

	require.Len(t, res.Commands, 3)
	assert.Equal(t, "Bob", res.Commands[0].To)
	assert.Equal(t, "Carol", res.Commands[1].To)
	assert.Equal(t, "Dave", res.Commands[2].To)
}

func TestOrderPreservedAcrossShapes(t *testing.T) {
	p := New("Alice")
	out := "->relay:Bob inline first\n" +
		"->relay:Carol <<<\nfenced second\n>>>\n" +
		`[[RELAY]] {"to":"Dave","type":"message","body":"json third"} [[/RELAY]]` + "\n" +
		"->relay:Erin inline fourth\n"
	res := feed(p, out)

	require.Len(t, res.Commands, 4)
	assert.Equal(t, "Bob", res.Commands[0].To)
	assert.Equal(t, "Carol", res.Commands[1].To)
	assert.Equal(t, "Dave", res.Commands[2].To)
	assert.Equal(t, "Erin", res.Commands[3].To)
}

func TestSpawnCommandSplitOut(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:spawn Worker1 claude run the integration tests\n")

	require.Len(t, res.Commands, 1)
	cmd := res.Commands[0]
	assert.Equal(t, KindSpawn, cmd.Kind)
	assert.Equal(t, "Worker1", cmd.SpawnName)
	assert.Equal(t, "claude", cmd.SpawnCLI)
	assert.Equal(t, "run the integration tests", cmd.SpawnTask)
}

func TestReleaseCommandSplitOut(t *testing.T) {
	p := New("Alice")
	res := feed(p, "->relay:release Worker1\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, KindRelease, res.Commands[0].Kind)
	assert.Equal(t, "Worker1", res.Commands[0].SpawnName)
}

func TestANSIStripped(t *testing.T) {
	p := New("Alice")
	res := feed(p, "\x1b[32m->relay:Bob\x1b[0m colored hello\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "Bob", res.Commands[0].To)
	assert.Equal(t, "colored hello", res.Commands[0].Body)
}

func TestOSCSequenceStripped(t *testing.T) {
	assert.Equal(t, "title set", StripANSI("\x1b]0;window title\x07title set"))
}

func TestReadySignalConsumed(t *testing.T) {
	p := New("Alice")
	res := feed(p, "warming up\n->pty:ready\n")

	assert.True(t, res.ReadySignal)
	again := p.Feed([]byte("more output\n"))
	assert.False(t, again.ReadySignal)
}

func TestPromptCue(t *testing.T) {
	p := New("Alice")
	res := feed(p, "thinking done\n> ")
	assert.True(t, res.PromptIdle)

	res = p.Feed([]byte("more work\nstill going"))
	assert.False(t, res.PromptIdle)
}

func TestSummaryMarkerOncePerContent(t *testing.T) {
	p := New("Alice")
	block := "[[SUMMARY]]{\"done\":true}[[/SUMMARY]]\n"
	first := feed(p, block)
	require.Len(t, first.Summaries, 1)
	assert.Equal(t, `{"done":true}`, first.Summaries[0])

	second := feed(p, block)
	assert.Empty(t, second.Summaries, "identical summary content emits once")
}

func TestSessionEndMarker(t *testing.T) {
	p := New("Alice")
	res := feed(p, "[[SESSION_END]]shutting down[[/SESSION_END]]\n")
	require.Len(t, res.SessionEnds, 1)
	assert.Equal(t, "shutting down", res.SessionEnds[0])
}

func TestCustomPrefix(t *testing.T) {
	p := New("Alice", WithPrefix("@@send:"))
	res := feed(p, "@@send:Bob custom prefix works\n->relay:Bob default does not\n")

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "custom prefix works", res.Commands[0].Body)
}

func TestSanitizeForInjection(t *testing.T) {
	in := "keep this\nand\tthis\x1b[31m but not bells\x07"
	out := SanitizeForInjection(in)
	assert.NotContains(t, out, "\x1b")
	assert.NotContains(t, out, "\x07")
	assert.Contains(t, out, "keep this\nand\tthis")
}
