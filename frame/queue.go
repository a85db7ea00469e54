package frame

import "sync"

// Queue is a bounded FIFO of serialized outbound messages that drops its
// oldest entry when full. One writer goroutine drains C.
type Queue struct {
	ch chan []byte
	mu sync.Mutex
}

// NewQueue returns a queue holding at most size messages.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan []byte, size)}
}

// C returns the channel the writer drains.
func (q *Queue) C() <-chan []byte {
	return q.ch
}

// Push enqueues data and reports whether an older message was dropped.
func (q *Queue) Push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- data:
		return false
	default:
	}

	dropped := false
	select {
	case <-q.ch:
		dropped = true
	default:
	}
	q.ch <- data
	return dropped
}

// Reset discards everything queued and returns how many messages it removed.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
