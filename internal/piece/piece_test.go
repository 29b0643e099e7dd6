package piece

import (
	"crypto/sha1" // nolint: gosec
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPieceToBlocks(t *testing.T) {
	blocks := slices.Collect(SplitPieceToBlocks(3, 32768, BlockSize))
	assert.Equal(t, []Block{
		{PieceIndex: 3, Begin: 0, Length: 16384},
		{PieceIndex: 3, Begin: 16384, Length: 16384},
	}, blocks)

	blocks = slices.Collect(SplitPieceToBlocks(0, 20000, BlockSize))
	require.Len(t, blocks, 2)
	assert.Equal(t, uint32(16384), blocks[0].Length)
	assert.Equal(t, uint32(3616), blocks[1].Length)

	// restartable
	seq := SplitPieceToBlocks(0, 20000, BlockSize)
	assert.Equal(t, slices.Collect(seq), slices.Collect(seq))

	assert.Empty(t, slices.Collect(SplitPieceToBlocks(0, 0, BlockSize)))
}

func TestBlockKeyIgnoresData(t *testing.T) {
	a := Block{PieceIndex: 1, Begin: 2, Length: 3}
	b := Block{PieceIndex: 1, Begin: 2, Length: 3, Data: []byte{1, 2, 3}}
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Filled())
	assert.True(t, b.Filled())
}

func newTestPiece(t *testing.T, data []byte) *Piece {
	t.Helper()
	return New(0, uint32(len(data)), sha1.Sum(data), BlockSize) // nolint: gosec
}

func fill(t *testing.T, p *Piece, data []byte) {
	t.Helper()
	for _, b := range p.Blocks() {
		require.NoError(t, p.PutBlock(b.Begin, data[b.Begin:b.Begin+b.Length]))
	}
}

func TestPieceComplete(t *testing.T) {
	data := make([]byte, 40000)
	for i := range data {
		data[i] = byte(i)
	}
	p := newTestPiece(t, data)
	assert.Equal(t, 3, p.NumBlocks())
	assert.False(t, p.Complete())
	assert.ErrorIs(t, p.Validate(), ErrIncomplete)

	fill(t, p, data)
	assert.True(t, p.Complete())
	assert.Equal(t, data, p.Data())
	assert.Empty(t, p.MissingBlocks())
}

func TestPieceMissingBlock(t *testing.T) {
	data := make([]byte, 40000)
	p := newTestPiece(t, data)
	require.NoError(t, p.PutBlock(0, data[:BlockSize]))
	require.NoError(t, p.PutBlock(BlockSize, data[BlockSize:2*BlockSize]))
	assert.False(t, p.Complete())
	assert.Len(t, p.MissingBlocks(), 1)
}

func TestPieceHashMismatch(t *testing.T) {
	data := make([]byte, 20000)
	p := newTestPiece(t, data)
	bad := make([]byte, 20000)
	bad[100] = 1
	fill(t, p, bad)
	assert.False(t, p.Complete())
	assert.ErrorIs(t, p.Validate(), ErrHashMismatch)

	// data is kept until the caller resets
	assert.True(t, p.HasBlock(0))
	p.Reset()
	assert.False(t, p.HasBlock(0))
	fill(t, p, data)
	assert.True(t, p.Complete())
}

func TestPutBlockValidation(t *testing.T) {
	p := newTestPiece(t, make([]byte, 20000))
	assert.ErrorIs(t, p.PutBlock(5, make([]byte, 10)), ErrUnknownBlock)
	assert.ErrorIs(t, p.PutBlock(0, make([]byte, 10)), ErrUnknownBlock)
	assert.ErrorIs(t, p.PutBlock(3*BlockSize, make([]byte, BlockSize)), ErrUnknownBlock)
	require.NoError(t, p.PutBlock(BlockSize, make([]byte, 3616)))
	assert.ErrorIs(t, p.PutBlock(BlockSize, make([]byte, 3616)), ErrBlockFilled)
}

func TestFindBlock(t *testing.T) {
	p := New(1, 2*BlockSize+42, [20]byte{}, BlockSize)

	_, ok := p.FindBlock(55, BlockSize)
	assert.False(t, ok)

	_, ok = p.FindBlock(3*BlockSize, BlockSize)
	assert.False(t, ok)

	_, ok = p.FindBlock(0, 1234)
	assert.False(t, ok)

	b, ok := p.FindBlock(2*BlockSize, 42)
	assert.True(t, ok)
	assert.Equal(t, Block{PieceIndex: 1, Begin: 2 * BlockSize, Length: 42}, b)
}
