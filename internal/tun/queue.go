package tun

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("packet queue closed")

// Queue is an in-memory packet queue with the same contract as Device. Inject
// hands packets to the reader; written packets are delivered on Written.
type Queue struct {
	in      chan []Packet
	written chan Packet
	done    chan struct{}
	once    sync.Once
}

func NewQueue(size int) *Queue {
	return &Queue{
		in:      make(chan []Packet, size),
		written: make(chan Packet, size),
		done:    make(chan struct{}),
	}
}

func (q *Queue) Inject(packets ...Packet) {
	select {
	case q.in <- packets:
	case <-q.done:
	}
}

func (q *Queue) Written() <-chan Packet {
	return q.written
}

func (q *Queue) ReadPackets(ctx context.Context) ([]Packet, error) {
	select {
	case batch := <-q.in:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	}
}

func (q *Queue) WritePackets(packets []Packet) error {
	for _, p := range packets {
		select {
		case q.written <- p:
		case <-q.done:
			return ErrQueueClosed
		}
	}
	return nil
}

func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
