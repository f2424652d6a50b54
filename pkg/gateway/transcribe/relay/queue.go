package relay

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("audio queue input closed")

// audioQueue is the single-producer/single-consumer bridge between the async
// ingress loop and the blocking recognition stream. It is bounded: a full
// queue blocks the producer, which pushes backpressure onto the client
// connection instead of growing without limit under a slow backend.
//
// End-of-input is signaled by CloseInput, which is idempotent; the consumer
// drains buffered frames before observing the close.
type audioQueue struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newAudioQueue(capacity int) *audioQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &audioQueue{
		frames: make(chan []byte, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues one audio frame. It blocks while the queue is full and fails
// once input is closed or ctx is canceled.
func (q *audioQueue) Push(ctx context.Context, frame []byte) error {
	select {
	case <-q.closed:
		return errQueueClosed
	default:
	}

	select {
	case q.frames <- frame:
		return nil
	case <-q.closed:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next frame, blocking until one is available. It returns
// ok=false only after input is closed and every buffered frame has been
// drained, or when ctx is canceled.
func (q *audioQueue) Pop(ctx context.Context) ([]byte, bool) {
	select {
	case frame := <-q.frames:
		return frame, true
	default:
	}

	select {
	case frame := <-q.frames:
		return frame, true
	case <-q.closed:
		// Input closed while we were waiting; drain anything that raced in.
		select {
		case frame := <-q.frames:
			return frame, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}
}

// CloseInput marks end-of-input. Safe to call from any goroutine, any number
// of times; only the first call has an effect.
func (q *audioQueue) CloseInput() {
	q.closeOnce.Do(func() { close(q.closed) })
}
