package ingress

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/robot-voice-lab/internal/capture"
)

// binaryHeaderLen is the marker byte plus the big-endian uint32 stream id.
const binaryHeaderLen = 5

// Envelope is the JSON form of a frame. VADState may be a number or a
// marker name such as "AUDIO_VAD_STATE_BEGIN".
type Envelope struct {
	SerializationType string          `json:"serialization_type,omitempty"`
	StreamID          *int            `json:"stream_id"`
	VADState          json.RawMessage `json:"vad_state"`
	AudioData         string          `json:"audio_data,omitempty"`
}

// Decode turns one WebSocket message into a frame.
func Decode(messageType int, data []byte) (capture.Frame, error) {
	switch messageType {
	case websocket.TextMessage:
		return DecodeJSON(data)
	case websocket.BinaryMessage:
		return DecodeBinary(data)
	default:
		return capture.Frame{}, fmt.Errorf("%w: message type %d", capture.ErrMalformedFrame, messageType)
	}
}

// DecodeJSON decodes an Envelope.
func DecodeJSON(data []byte) (capture.Frame, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return capture.Frame{}, fmt.Errorf("%w: %v", capture.ErrMalformedFrame, err)
	}
	if st := strings.ToLower(env.SerializationType); st != "" && st != "json" {
		return capture.Frame{}, fmt.Errorf("%w: unsupported serialization_type %q", capture.ErrMalformedFrame, env.SerializationType)
	}
	if env.StreamID == nil {
		return capture.Frame{}, fmt.Errorf("%w: stream_id is required", capture.ErrMalformedFrame)
	}
	marker, err := parseVADState(env.VADState)
	if err != nil {
		return capture.Frame{}, err
	}
	var payload []byte
	if env.AudioData != "" {
		payload, err = base64.StdEncoding.DecodeString(env.AudioData)
		if err != nil {
			return capture.Frame{}, fmt.Errorf("%w: audio_data: %v", capture.ErrMalformedFrame, err)
		}
	}
	return capture.Frame{ChannelID: *env.StreamID, Marker: marker, Payload: payload}, nil
}

func parseVADState(raw json.RawMessage) (capture.Marker, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: vad_state is required", capture.ErrMalformedFrame)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return capture.ParseMarker(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: vad_state %s", capture.ErrMalformedFrame, raw)
	}
	return capture.ParseMarker(strconv.Itoa(n))
}

// DecodeBinary decodes [marker:1][stream id:4 BE][payload...].
func DecodeBinary(data []byte) (capture.Frame, error) {
	if len(data) < binaryHeaderLen {
		return capture.Frame{}, fmt.Errorf("%w: binary frame of %d bytes is shorter than its header", capture.ErrMalformedFrame, len(data))
	}
	m := capture.Marker(data[0])
	if !m.Valid() {
		return capture.Frame{}, fmt.Errorf("%w: marker %d", capture.ErrMalformedFrame, data[0])
	}
	f := capture.Frame{
		ChannelID: int(binary.BigEndian.Uint32(data[1:binaryHeaderLen])),
		Marker:    m,
	}
	if len(data) > binaryHeaderLen {
		f.Payload = append([]byte(nil), data[binaryHeaderLen:]...)
	}
	return f, nil
}

// EncodeBinary is the inverse of DecodeBinary.
func EncodeBinary(f capture.Frame) []byte {
	out := make([]byte, binaryHeaderLen+len(f.Payload))
	out[0] = byte(f.Marker)
	binary.BigEndian.PutUint32(out[1:binaryHeaderLen], uint32(f.ChannelID))
	copy(out[binaryHeaderLen:], f.Payload)
	return out
}

// EncodeJSON is the inverse of DecodeJSON. vad_state is written by name.
func EncodeJSON(f capture.Frame) ([]byte, error) {
	state, err := json.Marshal("AUDIO_VAD_STATE_" + f.Marker.String())
	if err != nil {
		return nil, err
	}
	id := f.ChannelID
	env := Envelope{SerializationType: "json", StreamID: &id, VADState: state}
	if len(f.Payload) > 0 {
		env.AudioData = base64.StdEncoding.EncodeToString(f.Payload)
	}
	return json.Marshal(env)
}
