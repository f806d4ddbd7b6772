package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robot-voice-lab/internal/logging"
)

// BeginPolicy decides what a BEGIN marker does to a channel that is already
// recording.
type BeginPolicy int

const (
	// BeginPolicyKeep clears the buffer only when the channel is idle, so a
	// repeated BEGIN mid-utterance keeps the audio captured so far.
	BeginPolicyKeep BeginPolicy = iota
	// BeginPolicyClear always starts a fresh buffer on BEGIN.
	BeginPolicyClear
)

func (p BeginPolicy) String() string {
	if p == BeginPolicyClear {
		return "clear"
	}
	return "keep"
}

// Config tunes the segmentation engine.
type Config struct {
	// Timeout is how long a recording channel may stay silent before the
	// sweeper finalizes it.
	Timeout time.Duration
	// SweepInterval is the period of the timeout sweep.
	SweepInterval time.Duration
	BeginPolicy   BeginPolicy
	// DeferEnd leaves END-terminated utterances to the sweeper instead of
	// finalizing them on the END frame.
	DeferEnd bool
	Format   AudioFormat
}

const (
	DefaultTimeout       = 2 * time.Second
	DefaultSweepInterval = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	c.Format = c.Format.orDefault()
	return c
}

// Emitter receives finished segments. Emit must not block for long: it is
// called while the channel's lock is held.
type Emitter interface {
	Emit(seg Segment)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Segment)

func (f EmitterFunc) Emit(seg Segment) { f(seg) }

// Stats receives pipeline events for metrics. All methods must be safe for
// concurrent use.
type Stats interface {
	FrameReceived(channelID int, m Marker)
	FrameDropped(reason string)
	SegmentFinalized(seg Segment)
	EmptyFinalization(channelID int, t Trigger)
	DeliveryDone(seg Segment, elapsed time.Duration, err error)
}

type nopStats struct{}

func (nopStats) FrameReceived(int, Marker)                  {}
func (nopStats) FrameDropped(string)                        {}
func (nopStats) SegmentFinalized(Segment)                   {}
func (nopStats) EmptyFinalization(int, Trigger)             {}
func (nopStats) DeliveryDone(Segment, time.Duration, error) {}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStats attaches a metrics sink.
func WithStats(s Stats) Option {
	return func(e *Engine) {
		if s != nil {
			e.stats = s
		}
	}
}

// WithRegistry shares an existing registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.reg = r
		}
	}
}

// Engine runs the per-channel VAD state machine and the timeout sweep.
type Engine struct {
	cfg     Config
	reg     *Registry
	emitter Emitter
	stats   Stats
	now     func() time.Time
}

func NewEngine(cfg Config, emitter Emitter, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		reg:     NewRegistry(),
		emitter: emitter,
		stats:   nopStats{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.emitter == nil {
		e.emitter = EmitterFunc(func(Segment) {})
	}
	return e
}

// Registry exposes the channel registry for diagnostics.
func (e *Engine) Registry() *Registry { return e.reg }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// HandleFrame applies one frame to its channel. Malformed frames are dropped
// and reported; they never touch channel state.
func (e *Engine) HandleFrame(f Frame) error {
	if err := f.Validate(); err != nil {
		e.stats.FrameDropped("malformed")
		logging.Warnw("capture: dropping malformed frame", "channel.id", f.ChannelID, "marker", int(f.Marker), "err", err)
		return err
	}
	e.stats.FrameReceived(f.ChannelID, f.Marker)

	st := e.reg.getOrCreate(f.ChannelID)
	now := e.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.tally[f.Marker]++

	switch f.Marker {
	case MarkerBegin:
		if !st.recording || e.cfg.BeginPolicy == BeginPolicyClear {
			if st.recording && len(st.buf) > 0 {
				logging.Infow("capture: BEGIN while recording, discarding buffer", append(logging.ChannelFields(st.id, ChannelName(st.id)), "bytes", len(st.buf))...)
			}
			st.buf = st.buf[:0]
		}
		if !st.recording {
			logging.Debugw("capture: speech begin", logging.ChannelFields(st.id, ChannelName(st.id))...)
		}
		st.recording = true
		st.buf = append(st.buf, f.Payload...)
		st.lastActivity = now

	case MarkerProcessing:
		if st.recording {
			st.buf = append(st.buf, f.Payload...)
			st.lastActivity = now
		}

	case MarkerEnd:
		st.lastActivity = now
		if !st.recording {
			logging.Debugw("capture: END without active recording", logging.ChannelFields(st.id, ChannelName(st.id))...)
			break
		}
		st.buf = append(st.buf, f.Payload...)
		if !e.cfg.DeferEnd {
			e.finalizeLocked(st, TriggerEnd, now)
		}

	case MarkerNone:
		if st.recording {
			e.finalizeLocked(st, TriggerNone, now)
		} else if len(f.Payload) > 0 {
			st.lastActivity = now
		}
	}
	return nil
}

// finalizeLocked turns the channel buffer into a segment (when non-empty),
// resets the channel and submits the segment. Submission happens before the
// lock is released so a following BEGIN always lands after it. Caller must
// hold st.mu. Reports whether a segment was emitted.
func (e *Engine) finalizeLocked(st *channelState, trigger Trigger, now time.Time) bool {
	if len(st.buf) == 0 {
		st.resetLocked()
		e.stats.EmptyFinalization(st.id, trigger)
		logging.Debugw("capture: empty utterance, nothing to emit", append(logging.ChannelFields(st.id, ChannelName(st.id)), "trigger", trigger)...)
		return false
	}
	seg := Segment{
		ID:          uuid.NewString(),
		ChannelID:   st.id,
		Audio:       append([]byte(nil), st.buf...),
		Trigger:     trigger,
		CreatedAt:   now,
		Format:      e.cfg.Format,
		MarkerTally: st.tallyCopyLocked(),
	}
	st.resetLocked()
	e.stats.SegmentFinalized(seg)
	logging.Infow("capture: segment finalized", append(append(logging.ChannelFields(seg.ChannelID, ChannelName(seg.ChannelID)), logging.SegmentFields(seg.ID, len(seg.Audio), seg.Duration().Milliseconds())...), "trigger", trigger)...)
	e.emitter.Emit(seg)
	return true
}

// Sweep finalizes every recording channel whose last activity is older than
// the configured timeout. It returns the number of segments emitted.
func (e *Engine) Sweep(now time.Time) int {
	emitted := 0
	for _, st := range e.reg.entries() {
		st.mu.Lock()
		if st.recording && !st.lastActivity.IsZero() {
			if idle := now.Sub(st.lastActivity); idle > e.cfg.Timeout {
				if len(st.buf) > 0 {
					logging.Infow("capture: no end marker within timeout, finalizing", append(logging.ChannelFields(st.id, ChannelName(st.id)), "idle_ms", idle.Milliseconds(), "bytes", len(st.buf))...)
				}
				if e.finalizeLocked(st, TriggerTimeout, now) {
					emitted++
				}
			}
		}
		st.mu.Unlock()
	}
	return emitted
}

// Flush force-finalizes a channel regardless of its markers. It reports
// whether a segment was emitted.
func (e *Engine) Flush(channelID int) (bool, error) {
	st, ok := e.reg.lookup(channelID)
	if !ok {
		return false, ErrUnknownChannel
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.recording && len(st.buf) == 0 {
		return false, nil
	}
	return e.finalizeLocked(st, TriggerManual, e.now()), nil
}

// Run sweeps on a ticker until ctx is cancelled. The ticker is stopped on
// return so shutdown leaves no timer behind.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	logging.Infow("capture: sweeper started", "interval_ms", e.cfg.SweepInterval.Milliseconds(), "timeout_ms", e.cfg.Timeout.Milliseconds(), "begin_policy", e.cfg.BeginPolicy.String(), "defer_end", e.cfg.DeferEnd)
	for {
		select {
		case <-ctx.Done():
			logging.Infow("capture: sweeper stopped")
			return nil
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}
