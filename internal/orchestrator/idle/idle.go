/*
Package idle decides whether a wrapped CLI is waiting for input. It fuses
three signals into a confidence score: how long stdout has been silent, a
prompt cue from the parser, and an explicit idle flag from the pty binary's
control socket. Confidence is the max over active signals; the idle verdict
only flips true after the score stays above threshold for a short dwell, so
a single quiet tick cannot trigger an injection mid-thought.
*/
package idle

import (
	"sync"
	"time"
)

// Signal names reported in a Report.
const (
	SignalOutputSilence = "output_silence"
	SignalPromptCue     = "prompt_cue"
	SignalControlSocket = "control_socket"
)

const (
	// silenceFloor is where the silence weight starts rising from zero.
	silenceFloor = 200 * time.Millisecond
	// silenceCeil is where the silence weight saturates at one.
	silenceCeil = 2 * time.Second
	// promptWindow is how recently a prompt cue must have fired to count.
	promptWindow = 200 * time.Millisecond
	// dwell is how long confidence must hold above threshold before the
	// verdict flips to idle.
	dwell = 50 * time.Millisecond

	// DefaultThreshold is the confidence needed for an idle verdict.
	DefaultThreshold = 0.7
)

// Signal is one contributing reading.
type Signal struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Report is the outcome of one CheckIdle call.
type Report struct {
	IsIdle     bool     `json:"isIdle"`
	Confidence float64  `json:"confidence"`
	Signals    []Signal `json:"signals"`
}

// Detector tracks activity for one wrapped CLI. Safe for concurrent use; the
// output pump and the injection loop observe it from different goroutines.
type Detector struct {
	mu sync.Mutex

	threshold  float64
	clock      func() time.Time
	lastOutput time.Time
	lastPrompt time.Time
	ctrlIdle   bool
	aboveSince time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the idle confidence threshold.
func WithThreshold(t float64) Option {
	return func(d *Detector) {
		if t > 0 && t <= 1 {
			d.threshold = t
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

func New(opts ...Option) *Detector {
	d := &Detector{
		threshold: DefaultThreshold,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lastOutput = d.clock()
	return d
}

// NoteOutput records a stdout byte burst. Any output resets the silence and
// dwell clocks and clears the control-socket idle flag.
func (d *Detector) NoteOutput() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOutput = d.clock()
	d.ctrlIdle = false
	d.aboveSince = time.Time{}
}

// NotePrompt records that the parser saw a prompt at the end of the output.
func (d *Detector) NotePrompt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPrompt = d.clock()
}

// SetControlIdle records the pty binary's own idle verdict.
func (d *Detector) SetControlIdle(idle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctrlIdle = idle
}

// CheckIdle fuses the current signals into a verdict.
func (d *Detector) CheckIdle() Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	signals := make([]Signal, 0, 3)

	silence := now.Sub(d.lastOutput)
	signals = append(signals, Signal{Name: SignalOutputSilence, Weight: silenceWeight(silence)})

	if !d.lastPrompt.IsZero() && now.Sub(d.lastPrompt) <= promptWindow {
		signals = append(signals, Signal{Name: SignalPromptCue, Weight: 1})
	}
	if d.ctrlIdle {
		signals = append(signals, Signal{Name: SignalControlSocket, Weight: 1})
	}

	confidence := 0.0
	for _, s := range signals {
		if s.Weight > confidence {
			confidence = s.Weight
		}
	}

	// Dwell: stay non-idle until the score has held for a beat.
	idle := false
	if confidence >= d.threshold {
		if d.aboveSince.IsZero() {
			d.aboveSince = now
		}
		idle = now.Sub(d.aboveSince) >= dwell
	} else {
		d.aboveSince = time.Time{}
	}

	return Report{IsIdle: idle, Confidence: confidence, Signals: signals}
}

// silenceWeight maps time-since-last-output onto [0,1] linearly between the
// floor and the ceiling.
func silenceWeight(silence time.Duration) float64 {
	if silence <= silenceFloor {
		return 0
	}
	if silence >= silenceCeil {
		return 1
	}
	return float64(silence-silenceFloor) / float64(silenceCeil-silenceFloor)
}
