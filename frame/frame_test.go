package frame

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_SingleHandlers(t *testing.T) {
	var d Dispatcher

	require.NoError(t, d.SetFrameHandler(func(Frame) {}))
	assert.ErrorIs(t, d.SetFrameHandler(func(Frame) {}), ErrHandlerRegistered)

	require.NoError(t, d.SetClosedHandler(func(error) {}))
	assert.ErrorIs(t, d.SetClosedHandler(func(error) {}), ErrHandlerRegistered)
}

func TestDispatcher_DeliverInOrder(t *testing.T) {
	var d Dispatcher
	var got []Frame
	require.NoError(t, d.SetFrameHandler(func(f Frame) { got = append(got, f) }))

	d.Deliver(Control{Kind: KindStart})
	d.Deliver(Audio{Payload: []byte{1}})
	d.Deliver(Control{Kind: KindStop})

	require.Len(t, got, 3)
	assert.Equal(t, KindStart, got[0].(Control).Kind)
	assert.Equal(t, []byte{1}, got[1].(Audio).Payload)
	assert.Equal(t, KindStop, got[2].(Control).Kind)
}

func TestDispatcher_NoDeliveryAfterClose(t *testing.T) {
	var d Dispatcher
	calls := 0
	require.NoError(t, d.SetFrameHandler(func(Frame) { calls++ }))

	d.Fire(nil)
	d.Deliver(Audio{})
	assert.Zero(t, calls)
}

func TestDispatcher_FireOnce(t *testing.T) {
	var d Dispatcher
	var mu sync.Mutex
	var errs []error
	require.NoError(t, d.SetClosedHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))

	boom := errors.New("boom")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 0 {
				d.Fire(boom)
				return
			}
			d.Fire(nil)
		}(i)
	}
	wg.Wait()

	assert.Len(t, errs, 1)
	assert.True(t, d.Closed())
}

func TestDispatcher_LateClosedHandlerFiresImmediately(t *testing.T) {
	var d Dispatcher
	boom := errors.New("boom")
	assert.True(t, d.Fire(boom))
	assert.False(t, d.Fire(nil))

	var got error
	require.NoError(t, d.SetClosedHandler(func(err error) { got = err }))
	assert.Equal(t, boom, got)
}

func TestControlField(t *testing.T) {
	c := Control{Kind: KindStart, Fields: map[string]string{FieldStreamSID: "MZ1"}}
	assert.Equal(t, "MZ1", c.Field(FieldStreamSID))
	assert.Empty(t, c.Field(FieldCallSID))
	assert.Empty(t, Control{}.Field(FieldCallSID))
}

func TestQueue_DropsOldest(t *testing.T) {
	q := NewQueue(2)
	assert.False(t, q.Push([]byte("a")))
	assert.False(t, q.Push([]byte("b")))
	assert.True(t, q.Push([]byte("c")))

	assert.Equal(t, []byte("b"), <-q.C())
	assert.Equal(t, []byte("c"), <-q.C())

	q.Push([]byte("d"))
	assert.Equal(t, 1, q.Reset())
	assert.Equal(t, 0, q.Reset())
}
