package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentplexus/omnivoice-bridge/frame"
)

// fakeAdapter is an in-memory frame.Adapter.
type fakeAdapter struct {
	dispatch frame.Dispatcher

	mu         sync.Mutex
	sent       []frame.Frame
	closed     bool
	closeCalls int
	hasHandler bool
}

var _ frame.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Send(fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return frame.ErrConnectionClosed
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeAdapter) OnFrame(handler func(frame.Frame)) error {
	if err := f.dispatch.SetFrameHandler(handler); err != nil {
		return err
	}
	f.mu.Lock()
	f.hasHandler = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) OnClosed(handler func(error)) error {
	return f.dispatch.SetClosedHandler(handler)
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.closeCalls++
	f.mu.Unlock()
	f.dispatch.Fire(nil)
	return nil
}

// emit delivers a frame as if it arrived from the remote side.
func (f *fakeAdapter) emit(fr frame.Frame) {
	f.dispatch.Deliver(fr)
}

// drop simulates the remote side going away with err.
func (f *fakeAdapter) drop(err error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.dispatch.Fire(err)
}

func (f *fakeAdapter) sentFrames() []frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame.Frame(nil), f.sent...)
}

func (f *fakeAdapter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAdapter) ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasHandler
}

// fakeDialer hands out a fixed agent adapter. When block is set, Dial waits
// for it or for cancellation.
type fakeDialer struct {
	agent *fakeAdapter
	err   error
	block chan struct{}

	calls atomic.Int32
	vars  atomic.Value
}

func (d *fakeDialer) dial(ctx context.Context, vars map[string]string) (frame.Adapter, error) {
	d.calls.Add(1)
	d.vars.Store(vars)

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.agent, nil
}
