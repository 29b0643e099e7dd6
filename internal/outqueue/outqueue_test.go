package outqueue

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded(t *testing.T) {
	q := New(2)
	assert.True(t, q.Enqueue(peerprotocol.ChokeMessage{}))
	assert.True(t, q.Enqueue(peerprotocol.UnchokeMessage{}))
	assert.False(t, q.Enqueue(peerprotocol.InterestedMessage{}))
	assert.Equal(t, 2, q.Len())

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.ChokeMessage{}, msg)
	assert.True(t, q.Enqueue(peerprotocol.InterestedMessage{}))
}

func TestCancelPieceIsSkipped(t *testing.T) {
	q := New(10)
	q.Enqueue(peerprotocol.PieceMessage{Index: 1, Begin: 0, Data: make([]byte, 4)})
	q.Enqueue(peerprotocol.HaveMessage{Index: 3})
	assert.False(t, q.CancelPiece(1, 0, 5))
	assert.True(t, q.CancelPiece(1, 0, 4))

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.HaveMessage{Index: 3}, msg)
	assert.Equal(t, 0, q.Len())
}

func TestCancelPieces(t *testing.T) {
	q := New(10)
	q.Enqueue(peerprotocol.PieceMessage{Index: 1})
	q.Enqueue(peerprotocol.PieceMessage{Index: 2})
	q.Enqueue(peerprotocol.ChokeMessage{})
	assert.Equal(t, 2, q.CancelPieces())
	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.ChokeMessage{}, msg)
}

func TestDequeueBlocksUntilCanceled(t *testing.T) {
	defer leaktest.Check(t)()
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	defer leaktest.Check(t)()
	q := New(1)
	resultC := make(chan peerprotocol.Message)
	go func() {
		msg, _ := q.Dequeue(context.Background())
		resultC <- msg
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(peerprotocol.HaveMessage{Index: 9})
	select {
	case msg := <-resultC:
		assert.Equal(t, peerprotocol.HaveMessage{Index: 9}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}
