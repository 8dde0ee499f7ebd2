package clientserver

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	assert.False(t, q.HasPending())

	for i := 0; i < 300; i++ {
		q.Enqueue(Message{Channel: fmt.Sprint(i % 4), Payload: []byte(fmt.Sprint(i))})
	}
	assert.True(t, q.HasPending())
	assert.Equal(t, 300, q.Len())

	for i := 0; i < 300; i++ {
		m, ok := q.Dequeue()
		require.True(t, ok, "entry %d missing", i)
		assert.Equal(t, fmt.Sprint(i), string(m.Payload))
		assert.Equal(t, fmt.Sprint(i%4), m.Channel)
	}

	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.False(t, q.HasPending())
}

func TestQueue_InterleavedCompaction(t *testing.T) {
	q := newFIFO[int]()

	next, want := 0, 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 100; i++ {
			q.Enqueue(next)
			next++
		}
		for i := 0; i < 70; i++ {
			v, ok := q.Dequeue()
			require.True(t, ok)
			require.Equal(t, want, v)
			want++
		}
	}

	for q.HasPending() {
		v, _ := q.Dequeue()
		require.Equal(t, want, v)
		want++
	}
	assert.Equal(t, next, want)
}

func TestQueue_ReadySignalsIdleConsumer(t *testing.T) {
	q := NewQueue()

	got := make(chan Message, 1)
	go func() {
		for {
			if m, ok := q.Dequeue(); ok {
				got <- m
				return
			}
			<-q.Ready()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Message{Payload: []byte("wake")})

	select {
	case m := <-got:
		assert.Equal(t, "wake", string(m.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue()

	const producers, perProducer = 8, 1000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Message{Channel: fmt.Sprint(p), Payload: []byte{byte(i >> 8), byte(i)}})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, q.Len())

	// each producer's entries keep their submission order
	last := make(map[string]int)
	for q.HasPending() {
		m, ok := q.Dequeue()
		require.True(t, ok)
		seq := int(m.Payload[0])<<8 | int(m.Payload[1])
		prev, seen := last[m.Channel]
		if seen {
			require.Greater(t, seq, prev)
		}
		last[m.Channel] = seq
	}
	assert.Len(t, last, producers)
}
