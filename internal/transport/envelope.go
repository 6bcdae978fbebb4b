package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// PropertySystemID names the property carrying the sender's system identity.
const PropertySystemID = "System_ID"

// Envelope is the unit carried on the wire: a topic frame, a flat JSON object of
// string properties and an opaque payload frame.
type Envelope struct {
	Topic      string
	Properties map[string]string
	Payload    []byte
}

func (e Envelope) Property(key string) string {
	return e.Properties[key]
}

// Frames returns the three wire frames of the envelope.
func (e Envelope) Frames() ([][]byte, error) {
	props := e.Properties
	if props == nil {
		props = map[string]string{}
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	return [][]byte{[]byte(e.Topic), encoded, e.Payload}, nil
}

// EnvelopeFromFrames parses a received multipart message. Missing property or
// payload frames decode as empty.
func EnvelopeFromFrames(frames [][]byte) (Envelope, error) {
	if len(frames) == 0 || len(frames) > 3 {
		return Envelope{}, fmt.Errorf("%w: %d frames", ErrMalformedEnvelope, len(frames))
	}

	env := Envelope{
		Topic:      string(frames[0]),
		Properties: map[string]string{},
	}
	if len(frames) > 1 && len(frames[1]) > 0 {
		if err := json.Unmarshal(frames[1], &env.Properties); err != nil {
			return Envelope{}, fmt.Errorf("%w: properties: %v", ErrMalformedEnvelope, err)
		}
	}
	if len(frames) > 2 {
		env.Payload = frames[2]
	}
	return env, nil
}

// packFrames joins frames into one websocket message, each frame prefixed with
// its big-endian uint32 length.
func packFrames(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	for _, f := range frames {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

func unpackFrames(data []byte) ([][]byte, error) {
	var frames [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated frame header", ErrMalformedEnvelope)
		}
		n := binary.BigEndian.Uint32(data)
		data = data[4:]
		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: frame length %d exceeds message", ErrMalformedEnvelope, n)
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames, nil
}
