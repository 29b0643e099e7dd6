// Package outqueue implements the bounded queue of messages waiting to be sent to a peer.
package outqueue

import (
	"container/list"
	"context"
	"sync"

	"github.com/cenkalti/drizzle/internal/peerprotocol"
)

type entry struct {
	msg      peerprotocol.Message
	canceled bool
}

// Queue is a bounded FIFO of outbound messages.
// Every queued message releases one token on the signal channel, so Dequeue blocks only when the queue is empty.
type Queue struct {
	m      sync.Mutex
	items  *list.List
	signal chan struct{}
}

// New returns a queue holding at most capacity messages.
func New(capacity int) *Queue {
	return &Queue{
		items:  list.New(),
		signal: make(chan struct{}, capacity),
	}
}

// Enqueue adds msg to the back of the queue. Returns false if the queue is full.
func (q *Queue) Enqueue(msg peerprotocol.Message) bool {
	q.m.Lock()
	defer q.m.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
		return false
	}
	q.items.PushBack(&entry{msg: msg})
	return true
}

// Dequeue waits for a message. Canceled piece messages are skipped.
func (q *Queue) Dequeue(ctx context.Context) (peerprotocol.Message, error) {
	for {
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		q.m.Lock()
		e := q.items.Front()
		q.items.Remove(e)
		q.m.Unlock()
		en := e.Value.(*entry)
		if en.canceled {
			continue
		}
		return en.msg, nil
	}
}

// CancelPiece marks a queued piece message matching the request as canceled.
func (q *Queue) CancelPiece(index, begin, length uint32) bool {
	q.m.Lock()
	defer q.m.Unlock()
	for e := q.items.Front(); e != nil; e = e.Next() {
		en := e.Value.(*entry)
		pm, ok := en.msg.(peerprotocol.PieceMessage)
		if ok && !en.canceled && pm.Index == index && pm.Begin == begin && uint32(len(pm.Data)) == length {
			en.canceled = true
			return true
		}
	}
	return false
}

// CancelPieces marks every queued piece message as canceled. Used when the peer is choked.
func (q *Queue) CancelPieces() int {
	q.m.Lock()
	defer q.m.Unlock()
	var n int
	for e := q.items.Front(); e != nil; e = e.Next() {
		en := e.Value.(*entry)
		if _, ok := en.msg.(peerprotocol.PieceMessage); ok && !en.canceled {
			en.canceled = true
			n++
		}
	}
	return n
}

// Len returns the number of queued messages, including canceled ones not yet skipped.
func (q *Queue) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return q.items.Len()
}
