package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue forwards local ICE candidates one at a time, in the order they
// were gathered. Nothing is forwarded once it is closed.
type candidateQueue struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push reports false if the queue is already closed.
func (q *candidateQueue) push(c webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, c)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *candidateQueue) next() (webrtc.ICECandidateInit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return webrtc.ICECandidateInit{}, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c, true
}

// run drains the queue into forward until close.
func (q *candidateQueue) run(forward func(webrtc.ICECandidateInit)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			c, ok := q.next()
			if !ok {
				break
			}
			forward(c)
		}
	}
}

func (q *candidateQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	close(q.done)
}
