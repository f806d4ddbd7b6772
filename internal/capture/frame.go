// Package capture reassembles VAD-tagged microphone frames into utterance
// segments. Frames are routed to a per-channel recording state; explicit
// BEGIN/END markers and a silence timeout decide when an utterance is
// finished, and each finished utterance is handed to an Emitter exactly once.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedFrame is returned for frames whose marker or envelope
	// cannot be interpreted. Such frames never mutate channel state.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownChannel is returned when an operation names a channel that
	// has never delivered a frame.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrEmptySegment is returned when a segment would be built from an
	// empty buffer.
	ErrEmptySegment = errors.New("empty segment")
)

// Marker is the pre-computed voice activity state attached to a frame. The
// numeric values match the vendor audio feed.
type Marker int

const (
	MarkerNone       Marker = 0
	MarkerBegin      Marker = 1
	MarkerProcessing Marker = 2
	MarkerEnd        Marker = 3
)

func (m Marker) String() string {
	switch m {
	case MarkerNone:
		return "NONE"
	case MarkerBegin:
		return "BEGIN"
	case MarkerProcessing:
		return "PROCESSING"
	case MarkerEnd:
		return "END"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is one of the four known markers.
func (m Marker) Valid() bool {
	return m >= MarkerNone && m <= MarkerEnd
}

// ParseMarker accepts the numeric wire value, the short name (BEGIN) or the
// vendor enum name (AUDIO_VAD_STATE_BEGIN), case-insensitively.
func ParseMarker(s string) (Marker, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		m := Marker(n)
		if !m.Valid() {
			return 0, fmt.Errorf("%w: marker %d", ErrMalformedFrame, n)
		}
		return m, nil
	}
	s = strings.TrimPrefix(s, "AUDIO_VAD_STATE_")
	switch s {
	case "NONE":
		return MarkerNone, nil
	case "BEGIN":
		return MarkerBegin, nil
	case "PROCESSING":
		return MarkerProcessing, nil
	case "END":
		return MarkerEnd, nil
	}
	return 0, fmt.Errorf("%w: marker %q", ErrMalformedFrame, s)
}

// Frame is one unit of audio from the sensor feed. Payload is raw PCM and
// may be empty.
type Frame struct {
	ChannelID int
	Marker    Marker
	Payload   []byte
}

// Validate rejects frames that must be dropped before touching state.
func (f Frame) Validate() error {
	if !f.Marker.Valid() {
		return fmt.Errorf("%w: channel %d marker %d", ErrMalformedFrame, f.ChannelID, int(f.Marker))
	}
	return nil
}

// ChannelName returns a human readable name for a microphone channel.
func ChannelName(id int) string {
	switch id {
	case 1:
		return "internal_mic"
	case 2:
		return "external_mic"
	default:
		return "stream_" + strconv.Itoa(id)
	}
}
