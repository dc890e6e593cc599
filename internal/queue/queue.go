// Package queue provides an unbounded FIFO with a channel on the consumer side,
// so that producers never block and the consumer can select on it.
package queue

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Unbounded may be pushed to from any number of goroutines. There must be a
// single consumer reading Out.
type Unbounded[T any] struct {
	stateLock sync.Mutex
	items     []T
	closed    bool

	notify chan struct{}
	done   chan struct{}
	out    chan T
}

func New[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

func (q *Unbounded[T]) Push(item T) error {
	q.stateLock.Lock()
	if q.closed {
		q.stateLock.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.stateLock.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Out yields items in push order. It is closed after Close.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

// Len is the number of items not yet handed to the consumer.
func (q *Unbounded[T]) Len() int {
	q.stateLock.Lock()
	defer q.stateLock.Unlock()
	return len(q.items)
}

// Close drops pending items and closes Out. It is safe to call more than once.
func (q *Unbounded[T]) Close() {
	q.stateLock.Lock()
	defer q.stateLock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)
	for {
		q.stateLock.Lock()
		if q.closed {
			q.stateLock.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.stateLock.Unlock()
			select {
			case <-q.notify:
			case <-q.done:
				return
			}
			continue
		}
		var zero T
		item := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.stateLock.Unlock()

		select {
		case q.out <- item:
		case <-q.done:
			return
		}
	}
}
