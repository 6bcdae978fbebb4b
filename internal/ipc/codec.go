package ipc

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"pitrac/internal/frame"
	"pitrac/internal/transport"
)

const (
	TopicPrefix  = "Golf.Sim"
	TopicMessage = "Golf.Sim.Message"
	TopicResults = "Golf.Sim.Results"
	TopicControl = "Golf.Sim.Control"

	PropertySystemID    = transport.PropertySystemID
	PropertyMessageType = "Message_Type"
	PropertyTimestamp   = "Timestamp"
)

var (
	ErrMissingMessageType = errors.New("message type property missing")
	ErrTypeMismatch       = errors.New("payload type does not match message type")
	ErrMalformedPayload   = errors.New("malformed payload")
)

// TopicFor returns the topic a message type is published on.
func TopicFor(t MessageType) string {
	switch t {
	case TypeResults:
		return TopicResults
	case TypeControlMessage:
		return TopicControl
	default:
		return TopicMessage
	}
}

// Header is the first element of every payload.
type Header struct {
	_msgpack struct{} `msgpack:",as_array"`

	Type      MessageType
	Timestamp int64 // epoch milliseconds
	SystemID  string
}

func (h Header) Time() time.Time {
	return time.UnixMilli(h.Timestamp)
}

// Payload layouts. Fields are encoded as msgpack arrays in declaration order.
type imagePayload struct {
	_msgpack struct{} `msgpack:",as_array"`

	Header    Header
	ImageData []byte
	Rows      int32
	Cols      int32
	ImageType int32
}

type controlPayload struct {
	_msgpack struct{} `msgpack:",as_array"`

	Header      Header
	ControlType int32
}

type resultPayload struct {
	_msgpack struct{} `msgpack:",as_array"`

	Header     Header
	ResultData map[string]string
}

type simplePayload struct {
	_msgpack struct{} `msgpack:",as_array"`

	Header Header
}

// Codec converts messages to and from envelopes stamped with one system identity.
type Codec struct {
	systemID string
	now      func() time.Time
}

func NewCodec(systemID string) *Codec {
	return &Codec{systemID: systemID, now: time.Now}
}

func (c *Codec) SystemID() string {
	return c.systemID
}

func (c *Codec) Encode(m Message) (transport.Envelope, error) {
	if m == nil {
		return transport.Envelope{}, fmt.Errorf("%w: nil message", ErrMalformedPayload)
	}

	header := Header{
		Type:      m.Type(),
		Timestamp: c.now().UnixMilli(),
		SystemID:  c.systemID,
	}

	var body interface{}
	switch msg := m.(type) {
	case Image:
		p, err := imageBody(header, msg.Frame)
		if err != nil {
			return transport.Envelope{}, err
		}
		body = p
	case PreImage:
		p, err := imageBody(header, msg.Frame)
		if err != nil {
			return transport.Envelope{}, err
		}
		body = p
	case Control:
		body = &controlPayload{Header: header, ControlType: int32(msg.Action)}
	case Results:
		body = &resultPayload{Header: header, ResultData: msg.Data}
	default:
		body = &simplePayload{Header: header}
	}

	payload, err := msgpack.Marshal(body)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("failed to encode %s payload: %w", header.Type, err)
	}

	return transport.Envelope{
		Topic: TopicFor(header.Type),
		Properties: map[string]string{
			PropertySystemID:    c.systemID,
			PropertyMessageType: strconv.Itoa(int(header.Type)),
			PropertyTimestamp:   strconv.FormatInt(header.Timestamp, 10),
		},
		Payload: payload,
	}, nil
}

func imageBody(header Header, f *frame.Frame) (*imagePayload, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &imagePayload{
		Header:    header,
		ImageData: f.Data,
		Rows:      int32(f.Height),
		Cols:      int32(f.Width),
		ImageType: int32(f.Format),
	}, nil
}

// Decode parses an envelope. The message type comes from the Message_Type
// property; tags outside the known set decode as Unknown.
func (c *Codec) Decode(env transport.Envelope) (Message, Header, error) {
	raw, ok := env.Properties[PropertyMessageType]
	if !ok {
		return nil, Header{}, ErrMissingMessageType
	}
	tag, err := strconv.Atoi(raw)
	if err != nil {
		return nil, Header{}, fmt.Errorf("%w: message type %q", ErrMalformedPayload, raw)
	}
	msgType := MessageType(tag)

	switch msgType {
	case TypeCamera2Image, TypeCamera2ReturnPreImage:
		var p imagePayload
		if err := unmarshal(env.Payload, &p, msgType); err != nil {
			return nil, Header{}, err
		}
		f, err := frameFromPayload(&p)
		if err != nil {
			return nil, Header{}, err
		}
		if msgType == TypeCamera2Image {
			return Image{Frame: f}, p.Header, nil
		}
		return PreImage{Frame: f}, p.Header, nil

	case TypeControlMessage:
		var p controlPayload
		if err := unmarshal(env.Payload, &p, msgType); err != nil {
			return nil, Header{}, err
		}
		return Control{Action: ControlAction(p.ControlType)}, p.Header, nil

	case TypeResults:
		var p resultPayload
		if err := unmarshal(env.Payload, &p, msgType); err != nil {
			return nil, Header{}, err
		}
		data := make(map[string]string, len(p.ResultData))
		maps.Copy(data, p.ResultData)
		return Results{Data: data}, p.Header, nil

	case TypeRequestForCamera2Image, TypeRequestForTestStillImage, TypeShutdown:
		header, err := simpleHeader(env, msgType)
		if err != nil {
			return nil, Header{}, err
		}
		switch msgType {
		case TypeRequestForCamera2Image:
			return RequestForImage{}, header, nil
		case TypeRequestForTestStillImage:
			return RequestForTestStillImage{}, header, nil
		default:
			return Shutdown{}, header, nil
		}
	}

	header, _ := simpleHeader(env, msgType)
	return Unknown{Tag: msgType}, header, nil
}

func unmarshal(payload []byte, v interface{ header() Header }, want MessageType) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedPayload, want)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, want, err)
	}
	if got := v.header().Type; got != want {
		return fmt.Errorf("%w: header says %s, properties say %s", ErrTypeMismatch, got, want)
	}
	return nil
}

func (p *imagePayload) header() Header   { return p.Header }
func (p *controlPayload) header() Header { return p.Header }
func (p *resultPayload) header() Header  { return p.Header }
func (p *simplePayload) header() Header  { return p.Header }

// simpleHeader decodes a header-only payload. An empty payload is accepted and
// the header is rebuilt from the envelope properties.
func simpleHeader(env transport.Envelope, msgType MessageType) (Header, error) {
	if len(env.Payload) == 0 {
		ts, _ := strconv.ParseInt(env.Properties[PropertyTimestamp], 10, 64)
		return Header{Type: msgType, Timestamp: ts, SystemID: env.Properties[PropertySystemID]}, nil
	}
	var p simplePayload
	if err := unmarshal(env.Payload, &p, msgType); err != nil {
		return Header{}, err
	}
	return p.Header, nil
}

func frameFromPayload(p *imagePayload) (*frame.Frame, error) {
	f := &frame.Frame{
		Data:   p.ImageData,
		Width:  int(p.Cols),
		Height: int(p.Rows),
		Format: frame.PixelFormat(p.ImageType),
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return f, nil
}
