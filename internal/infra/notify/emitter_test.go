package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_DeliversToEverySubscriber(t *testing.T) {
	e := NewEmitter[string]()
	a := e.Subscribe(1)
	b := e.Subscribe(1)
	assert.Equal(t, 2, e.Len())

	assert.Equal(t, 2, e.Emit("hello"))
	assert.Equal(t, "hello", <-a.C())
	assert.Equal(t, "hello", <-b.C())
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	e := NewEmitter[int]()
	sub := e.Subscribe(1)

	assert.Equal(t, 1, e.Emit(1))
	assert.Equal(t, 0, e.Emit(2))
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, 1, <-sub.C())
}

func TestEmitter_DefaultBufferSize(t *testing.T) {
	e := NewEmitter[int]()
	sub := e.Subscribe(0)
	assert.Equal(t, DefaultBufferSize, cap(sub.ch))
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	e := NewEmitter[int]()
	sub := e.Subscribe(1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Zero(t, e.Len())

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, e.Emit(1))
}

func TestEmitter_Close(t *testing.T) {
	e := NewEmitter[int]()
	sub := e.Subscribe(1)

	e.Close()
	e.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, e.Emit(1))

	late := e.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing after close yields a closed channel")
	require.NoError(t, sub.Close())
}

func TestEmitter_ConcurrentEmitAndClose(t *testing.T) {
	e := NewEmitter[int]()
	subs := make([]*Subscription[int], 8)
	for i := range subs {
		subs[i] = e.Subscribe(4)
	}

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				e.Emit(i*100 + j)
			}
		}()
	}
	for _, s := range subs[:4] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	e.Close()
}
