package events

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitrac/internal/ipc"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Push(ArmCamera2{})
	q.Push(ControlMessageReceived{Action: ipc.ControlAction(3)})
	q.Push(Exit{})
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"ArmCamera2", "ControlMessageReceived", "Exit"} {
		e, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, e.Name())
	}

	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := NewQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(Exit{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, Exit{}, e)
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := NewQueue()
	q.Push(ArmCamera2{})
	q.Close()

	assert.False(t, q.Push(Exit{}))

	e, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ArmCamera2{}, e)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 4, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(ResultsReceived{SystemID: string(rune('a' + p)), Data: map[string]string{"seq": strconv.Itoa(i)}})
			}
		}(p)
	}
	wg.Wait()

	last := map[string]int{}
	for i := 0; i < producers*perProducer; i++ {
		e, ok := q.TryPop()
		require.True(t, ok)
		r := e.(ResultsReceived)
		seq, err := strconv.Atoi(r.Data["seq"])
		require.NoError(t, err)
		if prev, seen := last[r.SystemID]; seen {
			assert.Greater(t, seq, prev)
		}
		last[r.SystemID] = seq
	}
	assert.Zero(t, q.Len())
}
