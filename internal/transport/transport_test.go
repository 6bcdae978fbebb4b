package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitrac/internal/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var topics []string
	for _, env := range c.envs {
		topics = append(topics, env.Topic)
	}
	return topics
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestEnvelopeFrames(t *testing.T) {
	env := Envelope{
		Topic:      "Golf.Sim.Control",
		Properties: map[string]string{PropertySystemID: "pi1_42", "Message_Type": "7"},
		Payload:    []byte{0x93, 0x01, 0x02},
	}

	frames, err := env.Frames()
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "Golf.Sim.Control", string(frames[0]))

	decoded, err := EnvelopeFromFrames(frames)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestEnvelopeFromFrames_Malformed(t *testing.T) {
	_, err := EnvelopeFromFrames(nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = EnvelopeFromFrames([][]byte{[]byte("t"), []byte("{not json")})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	env, err := EnvelopeFromFrames([][]byte{[]byte("Golf.Sim")})
	require.NoError(t, err)
	assert.Empty(t, env.Properties)
	assert.Nil(t, env.Payload)
}

func TestPackFrames(t *testing.T) {
	frames := [][]byte{[]byte("topic"), []byte(`{"a":"b"}`), {}, {1, 2, 3}}
	unpacked, err := unpackFrames(packFrames(frames))
	require.NoError(t, err)
	require.Len(t, unpacked, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i], unpacked[i], "frame %d", i)
	}

	_, err = unpackFrames([]byte{0, 0, 0, 9, 1})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNewPublisher_Endpoints(t *testing.T) {
	log := logger.Discard()

	_, err := NewPublisher("localhost:5556", Options{}, log)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = NewPublisher("udp://localhost:5556", Options{}, log)
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	pub, err := NewPublisher("tcp://*:5556", Options{}, log)
	require.NoError(t, err)
	assert.IsType(t, &zmqPublisher{}, pub)

	sub, err := NewSubscriber("ws://localhost:5556/ipc", Options{}, log)
	require.NoError(t, err)
	assert.IsType(t, &wsSubscriber{}, sub)
}

func TestSplitEndpoint(t *testing.T) {
	addr, path, err := splitEndpoint("ws://*:6000/ipc")
	require.NoError(t, err)
	assert.Equal(t, ":6000", addr)
	assert.Equal(t, "/ipc", path)

	addr, _, err = splitEndpoint("tcp://pi2:5556")
	require.NoError(t, err)
	assert.Equal(t, "pi2:5556", addr)

	_, _, err = splitEndpoint("tcp://pi2")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestOutbox_DropsOldest(t *testing.T) {
	o := newOutbox(2)
	assert.False(t, o.push(Envelope{Topic: "a"}))
	assert.False(t, o.push(Envelope{Topic: "b"}))
	assert.True(t, o.push(Envelope{Topic: "c"}))

	items := o.drain()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Topic)
	assert.Equal(t, "c", items[1].Topic)
	assert.Zero(t, o.len())
}

func TestSender_OrderAndNotRunning(t *testing.T) {
	s := newSender(DefaultOptions(), logger.Discard())
	require.ErrorIs(t, s.send(Envelope{}), ErrNotRunning)

	var mu sync.Mutex
	var written []string
	s.start(func(env Envelope) error {
		mu.Lock()
		written = append(written, env.Topic)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, s.send(Envelope{Topic: fmt.Sprint(i)}))
	}
	s.shutdown()
	s.shutdown()

	require.Len(t, written, 50)
	for i, topic := range written {
		assert.Equal(t, fmt.Sprint(i), topic)
	}
	assert.Equal(t, uint64(50), s.stats().Sent)
	assert.ErrorIs(t, s.send(Envelope{}), ErrNotRunning)
}

func TestSender_LingerExpiry(t *testing.T) {
	opts := Options{HighWaterMark: 10, ReceiveTimeout: 50 * time.Millisecond, Linger: 0}
	s := newSender(opts, logger.Discard())

	release := make(chan struct{})
	s.start(func(env Envelope) error {
		<-release
		return nil
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.send(Envelope{Topic: "x"}))
	}

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	s.shutdown()
	assert.Less(t, time.Since(start), time.Second)
}

func TestSender_StopIsBoundedByReceiveTimeout(t *testing.T) {
	timeout := 100 * time.Millisecond
	opts := Options{HighWaterMark: 10, ReceiveTimeout: timeout, Linger: time.Second}
	s := newSender(opts, logger.Discard())

	release := make(chan struct{})
	defer close(release)
	var writes atomic.Int32
	s.start(func(env Envelope) error {
		writes.Add(1)
		<-release
		return nil
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.send(Envelope{Topic: "x"}))
	}
	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	s.shutdown()
	assert.Less(t, time.Since(start), timeout+100*time.Millisecond)
	assert.ErrorIs(t, s.send(Envelope{}), ErrNotRunning)
}

func TestPublisher_StopIsBounded(t *testing.T) {
	timeout := 50 * time.Millisecond
	opts := Options{HighWaterMark: 100, ReceiveTimeout: timeout, Linger: time.Second}
	pub, err := NewPublisher(fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t)), opts, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, pub.Start())

	for i := 0; i < 50; i++ {
		require.NoError(t, pub.Send(Envelope{Topic: "Golf.Sim.Message", Payload: make([]byte, 1024)}))
	}

	start := time.Now()
	pub.Stop()
	assert.Less(t, time.Since(start), timeout+200*time.Millisecond)
	assert.False(t, pub.IsRunning())
	assert.ErrorIs(t, pub.Send(Envelope{Topic: "Golf.Sim"}), ErrNotRunning)
}

func TestReceiver_FiltersAndExclusion(t *testing.T) {
	r := newReceiver(Options{HighWaterMark: 10})
	r.subscribe("Golf.Sim")
	r.setExcludeID("self")

	r.deliver(Envelope{Topic: "Golf.Sim.Message", Properties: map[string]string{PropertySystemID: "peer"}})
	r.deliver(Envelope{Topic: "Golf.Sim.Control", Properties: map[string]string{PropertySystemID: "self"}})
	r.deliver(Envelope{Topic: "Other.Topic", Properties: map[string]string{PropertySystemID: "peer"}})

	assert.Len(t, r.inbox, 1)
	stats := r.stats()
	assert.Equal(t, uint64(1), stats.Excluded)
	assert.Equal(t, uint64(1), stats.Filtered)

	r.unsubscribe("Golf.Sim")
	assert.True(t, r.accepts("Anything"))
}

func TestReceiver_DropsOldestWhenFull(t *testing.T) {
	r := newReceiver(Options{HighWaterMark: 2})
	for _, topic := range []string{"a", "b", "c"} {
		r.deliver(Envelope{Topic: topic})
	}

	assert.Equal(t, uint64(1), r.stats().Dropped)
	assert.Equal(t, "b", (<-r.inbox).Topic)
	assert.Equal(t, "c", (<-r.inbox).Topic)
}

func startPair(t *testing.T, pubEndpoint, subEndpoint string) (Publisher, Subscriber, *collector) {
	t.Helper()
	log := logger.Discard()
	opts := Options{HighWaterMark: 100, ReceiveTimeout: 50 * time.Millisecond, Linger: 100 * time.Millisecond}

	pub, err := NewPublisher(pubEndpoint, opts, log)
	require.NoError(t, err)
	require.NoError(t, pub.Start())
	require.NoError(t, pub.Start())
	t.Cleanup(pub.Stop)

	sub, err := NewSubscriber(subEndpoint, opts, log)
	require.NoError(t, err)
	c := &collector{}
	sub.SetHandler(c.handle)
	sub.Subscribe("Golf.Sim")
	require.NoError(t, sub.Start())
	t.Cleanup(sub.Stop)

	return pub, sub, c
}

func exercisePair(t *testing.T, pub Publisher, sub Subscriber, c *collector) {
	t.Helper()

	// The subscriber connects asynchronously; keep publishing until it hears us.
	require.Eventually(t, func() bool {
		_ = pub.Send(Envelope{Topic: "Golf.Sim.Hello"})
		return c.count() > 0
	}, 5*time.Second, 20*time.Millisecond)

	sub.SetSystemIDToExclude("A")
	before := c.count()
	require.NoError(t, pub.Send(Envelope{Topic: "Golf.Sim.Control", Properties: map[string]string{PropertySystemID: "A"}}))
	require.NoError(t, pub.Send(Envelope{Topic: "Unrelated", Properties: map[string]string{PropertySystemID: "B"}}))
	require.NoError(t, pub.Send(Envelope{Topic: "Golf.Sim.Results", Properties: map[string]string{PropertySystemID: "B"}}))

	require.Eventually(t, func() bool {
		topics := c.topics()
		return len(topics) > before && topics[len(topics)-1] == "Golf.Sim.Results"
	}, 2*time.Second, 10*time.Millisecond)

	for _, topic := range c.topics()[before:] {
		assert.NotEqual(t, "Golf.Sim.Control", topic)
		assert.NotEqual(t, "Unrelated", topic)
	}
	assert.GreaterOrEqual(t, sub.Stats().Excluded, uint64(1))
}

func TestZMQ_PublishSubscribe(t *testing.T) {
	port := freePort(t)
	pub, sub, c := startPair(t, fmt.Sprintf("tcp://127.0.0.1:%d", port), fmt.Sprintf("tcp://127.0.0.1:%d", port))
	exercisePair(t, pub, sub, c)
}

func TestWebsocket_PublishSubscribe(t *testing.T) {
	port := freePort(t)
	pub, sub, c := startPair(t, fmt.Sprintf("ws://127.0.0.1:%d/ipc", port), fmt.Sprintf("ws://127.0.0.1:%d/ipc", port))
	exercisePair(t, pub, sub, c)
}

func TestSubscriber_StopIsBounded(t *testing.T) {
	port := freePort(t)
	timeout := 50 * time.Millisecond
	sub, err := NewSubscriber(fmt.Sprintf("tcp://127.0.0.1:%d", port), Options{ReceiveTimeout: timeout}, logger.Discard())
	require.NoError(t, err)

	var calls atomic.Int32
	sub.SetHandler(func(Envelope) { calls.Add(1) })
	require.NoError(t, sub.Start())
	assert.True(t, sub.IsRunning())

	start := time.Now()
	sub.Stop()
	assert.Less(t, time.Since(start), timeout+200*time.Millisecond)
	assert.False(t, sub.IsRunning())

	sub.Stop()
	assert.Zero(t, calls.Load())
}

func TestPublisher_SendWhenStopped(t *testing.T) {
	pub, err := NewPublisher(fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t)), Options{}, logger.Discard())
	require.NoError(t, err)
	assert.ErrorIs(t, pub.Send(Envelope{Topic: "Golf.Sim"}), ErrNotRunning)
	pub.Stop()
}
