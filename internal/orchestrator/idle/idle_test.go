package idle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock advances only when told to.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestFreshOutputIsNotIdle(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()

	clock.Advance(100 * time.Millisecond)
	report := d.CheckIdle()
	assert.False(t, report.IsIdle)
	assert.Equal(t, 0.0, report.Confidence)
}

func TestSilenceWeightRamps(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()

	clock.Advance(1100 * time.Millisecond)
	report := d.CheckIdle()
	assert.InDelta(t, 0.5, report.Confidence, 0.01, "midpoint of the 200ms-2000ms ramp")

	clock.Advance(2 * time.Second)
	report = d.CheckIdle()
	assert.Equal(t, 1.0, report.Confidence)
}

func TestDwellDelaysIdleVerdict(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()

	clock.Advance(3 * time.Second)
	first := d.CheckIdle()
	assert.False(t, first.IsIdle, "first reading above threshold starts the dwell")
	assert.Equal(t, 1.0, first.Confidence)

	clock.Advance(60 * time.Millisecond)
	second := d.CheckIdle()
	assert.True(t, second.IsIdle)
}

func TestOutputResetsDwell(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()

	clock.Advance(3 * time.Second)
	d.CheckIdle()
	d.NoteOutput() // burst of output mid-dwell

	clock.Advance(60 * time.Millisecond)
	report := d.CheckIdle()
	assert.False(t, report.IsIdle)
}

func TestPromptCueCountsOnlyWhenFresh(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()
	d.NotePrompt()

	clock.Advance(100 * time.Millisecond)
	report := d.CheckIdle()
	assert.Equal(t, 1.0, report.Confidence, "fresh prompt cue is a full-weight signal")
	var names []string
	for _, s := range report.Signals {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, SignalPromptCue)

	clock.Advance(300 * time.Millisecond)
	report = d.CheckIdle()
	for _, s := range report.Signals {
		assert.NotEqual(t, SignalPromptCue, s.Name, "stale prompt cue must drop out")
	}
}

func TestControlSocketSignal(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()
	d.SetControlIdle(true)

	clock.Advance(100 * time.Millisecond)
	report := d.CheckIdle()
	assert.Equal(t, 1.0, report.Confidence)

	clock.Advance(60 * time.Millisecond)
	assert.True(t, d.CheckIdle().IsIdle)

	// New output clears the control flag.
	d.NoteOutput()
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 0.0, d.CheckIdle().Confidence)
}

func TestConfidenceIsMaxOverSignals(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	d.NoteOutput()

	clock.Advance(1100 * time.Millisecond) // silence ~0.5
	d.NotePrompt()
	report := d.CheckIdle()
	assert.Equal(t, 1.0, report.Confidence, "max wins over the weaker silence signal")
	assert.Len(t, report.Signals, 2)
}

func TestCustomThreshold(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now), WithThreshold(0.4))
	d.NoteOutput()

	clock.Advance(1100 * time.Millisecond) // ~0.5 confidence
	d.CheckIdle()
	clock.Advance(60 * time.Millisecond)
	assert.True(t, d.CheckIdle().IsIdle)
}
