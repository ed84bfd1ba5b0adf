package ring

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mailboxNode is a single element of the mailbox list
type mailboxNode[T any] struct {
	value *T
	next  atomic.Pointer[mailboxNode[T]]
}

// Mailbox is a lock-free multi-producer single-consumer queue. Any number of goroutines may
// Push, a single actor drains it through Recv. Under concurrent pushes the delivery order is
// the order in which producers completed their append.
type Mailbox[T any] struct {
	head     atomic.Pointer[mailboxNode[T]]
	tail     atomic.Pointer[mailboxNode[T]]
	out      chan *T
	stop     chan struct{}
	stopOnce sync.Once
	consumer sync.WaitGroup
	closed   atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewMailbox creates a mailbox and starts its delivery goroutine
func NewMailbox[T any]() *Mailbox[T] {
	sentinel := &mailboxNode[T]{}

	q := &Mailbox[T]{
		out:  make(chan *T),
		stop: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends a value. It returns false if the value is nil or the mailbox is closed.
func (q *Mailbox[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &mailboxNode[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)

				// signal under the lock, otherwise the wakeup can fall between the consumer's
				// emptiness check and its Wait
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *Mailbox[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)

			select {
			case q.out <- value:
			case <-q.stop:
				return
			}
			next.value = nil
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil {
				if q.closed.Load() {
					q.mu.Unlock()
					return
				}
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the delivery channel. It is closed once the mailbox is closed.
func (q *Mailbox[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes and stops delivery. Values that were not received yet are dropped.
func (q *Mailbox[T]) Close() {
	q.closed.Store(true)
	q.stopOnce.Do(func() { close(q.stop) })

	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()

	q.consumer.Wait()
}

// IsClosed reports whether Close was called
func (q *Mailbox[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts the queued values. It walks the list and is meant for diagnostics.
func (q *Mailbox[T]) Len() int {
	count := 0
	for current := q.head.Load().next.Load(); current != nil; current = current.next.Load() {
		count++
	}
	return count
}
