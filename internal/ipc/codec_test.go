package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"pitrac/internal/frame"
	"pitrac/internal/transport"
)

func testFrame() *frame.Frame {
	f := frame.New(4, 3, frame.Format8UC3)
	for i := range f.Data {
		f.Data[i] = byte(i)
	}
	return f
}

func fixedCodec(id string) *Codec {
	c := NewCodec(id)
	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := fixedCodec("pi1_100")

	messages := []Message{
		RequestForImage{},
		RequestForTestStillImage{},
		Image{Frame: testFrame()},
		PreImage{Frame: testFrame()},
		Shutdown{},
		Results{Data: map[string]string{ResultTypeKey: ResultHit.String(), "speed": "71.2"}},
		Control{Action: ControlClubChangeToPutter},
		Control{Action: ControlAction(3)},
	}

	for _, m := range messages {
		t.Run(m.Type().String(), func(t *testing.T) {
			env, err := codec.Encode(m)
			require.NoError(t, err)

			decoded, header, err := codec.Decode(env)
			require.NoError(t, err)
			assert.Equal(t, m, decoded)
			assert.Equal(t, m.Type(), header.Type)
			assert.Equal(t, "pi1_100", header.SystemID)
			assert.Equal(t, int64(1700000000123), header.Timestamp)
		})
	}
}

func TestCodec_EncodeStampsProperties(t *testing.T) {
	codec := fixedCodec("pi2_7")

	env, err := codec.Encode(Control{Action: ControlClubChangeToDriver})
	require.NoError(t, err)

	assert.Equal(t, TopicControl, env.Topic)
	assert.Equal(t, "pi2_7", env.Properties[PropertySystemID])
	assert.Equal(t, "7", env.Properties[PropertyMessageType])
	assert.Equal(t, "1700000000123", env.Properties[PropertyTimestamp])
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicResults, TopicFor(TypeResults))
	assert.Equal(t, TopicControl, TopicFor(TypeControlMessage))
	assert.Equal(t, TopicMessage, TopicFor(TypeCamera2Image))
	assert.Equal(t, TopicMessage, TopicFor(TypeShutdown))
	assert.Equal(t, TopicMessage, TopicFor(TypeUnknown))
}

// The payload must stay an array of [header, fields...] with header
// [type, timestamp, system id] for the C++ peers.
func TestCodec_PayloadLayout(t *testing.T) {
	codec := fixedCodec("pi1_1")
	env, err := codec.Encode(Image{Frame: testFrame()})
	require.NoError(t, err)

	var fields []interface{}
	require.NoError(t, msgpack.Unmarshal(env.Payload, &fields))
	require.Len(t, fields, 5)

	header, ok := fields[0].([]interface{})
	require.True(t, ok)
	require.Len(t, header, 3)
	assert.EqualValues(t, 2, header[0])
	assert.EqualValues(t, 1700000000123, header[1])
	assert.Equal(t, "pi1_1", header[2])

	assert.Equal(t, testFrame().Data, fields[1])
	assert.EqualValues(t, 3, fields[2])
	assert.EqualValues(t, 4, fields[3])
	assert.EqualValues(t, 16, fields[4])
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := fixedCodec("pi1_1")

	_, _, err := codec.Decode(transport.Envelope{Topic: TopicMessage, Properties: map[string]string{}})
	assert.ErrorIs(t, err, ErrMissingMessageType)

	_, _, err = codec.Decode(transport.Envelope{
		Topic:      TopicControl,
		Properties: map[string]string{PropertyMessageType: "7"},
		Payload:    []byte{0xc1},
	})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	shutdown, err := codec.Encode(Shutdown{})
	require.NoError(t, err)
	shutdown.Properties[PropertyMessageType] = "1"
	_, _, err = codec.Decode(shutdown)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	bad := testFrame()
	payload, err := msgpack.Marshal(&imagePayload{
		Header:    Header{Type: TypeCamera2Image},
		ImageData: bad.Data[:10],
		Rows:      3,
		Cols:      4,
		ImageType: int32(frame.Format8UC3),
	})
	require.NoError(t, err)
	_, _, err = codec.Decode(transport.Envelope{
		Properties: map[string]string{PropertyMessageType: "2"},
		Payload:    payload,
	})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = codec.Encode(Image{})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCodec_UnknownTags(t *testing.T) {
	codec := fixedCodec("pi1_1")

	for _, tag := range []string{"0", "42"} {
		m, _, err := codec.Decode(transport.Envelope{Properties: map[string]string{PropertyMessageType: tag}})
		require.NoError(t, err)
		_, ok := m.(Unknown)
		assert.True(t, ok, "tag %s", tag)
	}
}

func TestCodec_HeaderOnlyWithoutPayload(t *testing.T) {
	codec := fixedCodec("pi1_1")

	m, header, err := codec.Decode(transport.Envelope{Properties: map[string]string{
		PropertyMessageType: "5",
		PropertySystemID:    "pi2_9",
		PropertyTimestamp:   "42",
	}})
	require.NoError(t, err)
	assert.Equal(t, Shutdown{}, m)
	assert.Equal(t, "pi2_9", header.SystemID)
	assert.Equal(t, int64(42), header.Timestamp)
}

type countingVisitor struct {
	visits map[string]int
}

func (v *countingVisitor) bump(name string) error {
	v.visits[name]++
	return nil
}

func (v *countingVisitor) VisitUnknown(Unknown) error { return v.bump("unknown") }
func (v *countingVisitor) VisitRequestForImage(RequestForImage) error {
	return v.bump("request")
}
func (v *countingVisitor) VisitRequestForTestStillImage(RequestForTestStillImage) error {
	return v.bump("still")
}
func (v *countingVisitor) VisitImage(Image) error       { return v.bump("image") }
func (v *countingVisitor) VisitPreImage(PreImage) error { return v.bump("preimage") }
func (v *countingVisitor) VisitShutdown(Shutdown) error { return v.bump("shutdown") }
func (v *countingVisitor) VisitResults(Results) error   { return v.bump("results") }
func (v *countingVisitor) VisitControl(Control) error   { return v.bump("control") }

func TestAccept_DispatchesEachVariant(t *testing.T) {
	v := &countingVisitor{visits: map[string]int{}}
	for _, m := range []Message{
		Unknown{}, RequestForImage{}, RequestForTestStillImage{}, Image{}, PreImage{},
		Shutdown{}, Results{}, Control{},
	} {
		require.NoError(t, m.Accept(v))
	}

	assert.Len(t, v.visits, 8)
	for name, n := range v.visits {
		assert.Equal(t, 1, n, name)
	}
}

func TestResultTypeNames(t *testing.T) {
	assert.Equal(t, ResultBallPlacedAndReadyForHit, ParseResultType("BallPlacedAndReadyForHit"))
	assert.Equal(t, ResultUnknown, ParseResultType("nope"))
	assert.Equal(t, ResultHit, Results{Data: map[string]string{ResultTypeKey: "Hit"}}.ResultType())
	assert.Equal(t, "ControlAction(3)", ControlAction(3).String())
}
