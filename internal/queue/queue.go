// Package queue provides an unbounded FIFO that hands values to a consumer
// channel in push order without ever blocking the producer.
package queue

import "sync"

type Queue[T any] struct {
	mu        sync.Mutex
	items     []T
	closed    bool
	notify    chan struct{}
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. It returns false once the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out delivers pushed values in order. It is closed after Close.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of values not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Values still queued are dropped.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
