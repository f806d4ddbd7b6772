package capture

import (
	"time"
)

// AudioFormat describes the PCM layout of frame payloads.
type AudioFormat struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// DefaultFormat is 16 kHz, 16-bit, mono PCM as produced by the robot's
// noise-suppressed audio feed.
var DefaultFormat = AudioFormat{SampleRate: 16000, BitsPerSample: 16, Channels: 1}

func (f AudioFormat) orDefault() AudioFormat {
	if f.SampleRate <= 0 || f.BitsPerSample <= 0 || f.Channels <= 0 {
		return DefaultFormat
	}
	return f
}

// Samples returns the number of whole sample frames contained in n bytes.
func (f AudioFormat) Samples(n int) int {
	f = f.orDefault()
	frameBytes := f.BitsPerSample / 8 * f.Channels
	if frameBytes <= 0 {
		return 0
	}
	return n / frameBytes
}

// Duration returns the playback length of n bytes of PCM.
func (f AudioFormat) Duration(n int) time.Duration {
	f = f.orDefault()
	return time.Duration(f.Samples(n)) * time.Second / time.Duration(f.SampleRate)
}

// Trigger records what caused a segment to be finalized.
type Trigger string

const (
	TriggerEnd     Trigger = "end"
	TriggerNone    Trigger = "none"
	TriggerTimeout Trigger = "timeout"
	TriggerManual  Trigger = "manual"
)

// Segment is one finished utterance. It is built once, handed to the
// emitter and not retained by the engine.
type Segment struct {
	// ID is a correlation id propagated to logs, archives and the upload.
	ID          string
	ChannelID   int
	Audio       []byte
	Trigger     Trigger
	CreatedAt   time.Time
	Format      AudioFormat
	MarkerTally map[Marker]int
}

// Duration is the playback length of the segment audio.
func (s Segment) Duration() time.Duration { return s.Format.Duration(len(s.Audio)) }

// DurationSeconds is Duration expressed in (fractional) seconds.
func (s Segment) DurationSeconds() float64 {
	f := s.Format.orDefault()
	return float64(f.Samples(len(s.Audio))) / float64(f.SampleRate)
}
