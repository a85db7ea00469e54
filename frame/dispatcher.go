package frame

import "sync"

// Dispatcher holds an adapter's handlers and enforces the Adapter rules:
// one frame handler, one closed handler, and a closed notification that
// fires exactly once. The zero value is ready to use.
type Dispatcher struct {
	mu       sync.Mutex
	onFrame  func(Frame)
	onClosed func(error)
	fired    bool
	closeErr error
}

// SetFrameHandler registers the frame handler.
func (d *Dispatcher) SetFrameHandler(handler func(Frame)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.onFrame != nil {
		return ErrHandlerRegistered
	}
	d.onFrame = handler
	return nil
}

// SetClosedHandler registers the closed handler. If the adapter already
// closed, the handler runs before SetClosedHandler returns.
func (d *Dispatcher) SetClosedHandler(handler func(error)) error {
	d.mu.Lock()
	if d.onClosed != nil {
		d.mu.Unlock()
		return ErrHandlerRegistered
	}
	d.onClosed = handler
	fired, err := d.fired, d.closeErr
	d.mu.Unlock()

	if fired {
		handler(err)
	}
	return nil
}

// Deliver passes f to the frame handler, if one is registered.
func (d *Dispatcher) Deliver(f Frame) {
	d.mu.Lock()
	handler := d.onFrame
	fired := d.fired
	d.mu.Unlock()

	if handler != nil && !fired {
		handler(f)
	}
}

// Fire records the close and notifies the closed handler. Only the first
// call has any effect; it reports whether this call was the first.
func (d *Dispatcher) Fire(err error) bool {
	d.mu.Lock()
	if d.fired {
		d.mu.Unlock()
		return false
	}
	d.fired = true
	d.closeErr = err
	handler := d.onClosed
	d.mu.Unlock()

	if handler != nil {
		handler(err)
	}
	return true
}

// Closed reports whether Fire has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
