package piece

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"
	"slices"
	"sync"
)

var (
	// ErrIncomplete is returned by Validate when some blocks have no data.
	ErrIncomplete = errors.New("piece has missing blocks")
	// ErrHashMismatch is returned by Validate when the data does not match the expected hash.
	ErrHashMismatch = errors.New("piece hash mismatch")
	// ErrUnknownBlock is returned when a block does not belong to the piece.
	ErrUnknownBlock = errors.New("block is not part of piece")
	// ErrBlockFilled is returned when storing data into a block that already has data.
	ErrBlockFilled = errors.New("block already has data")
)

// Piece of a torrent. Safe for concurrent use.
type Piece struct {
	Index     uint32
	Length    uint32
	Hash      [sha1.Size]byte
	blockSize uint32

	m      sync.Mutex
	blocks []Block
}

// New returns a piece with empty blocks of blockSize.
func New(index, length uint32, hash [sha1.Size]byte, blockSize uint32) *Piece {
	return &Piece{
		Index:     index,
		Length:    length,
		Hash:      hash,
		blockSize: blockSize,
		blocks:    slices.Collect(SplitPieceToBlocks(index, length, blockSize)),
	}
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() int {
	return len(p.blocks)
}

// Blocks returns the blocks of the piece without their data.
func (p *Piece) Blocks() []Block {
	ret := make([]Block, len(p.blocks))
	for i, b := range p.blocks {
		b.Data = nil
		ret[i] = b
	}
	return ret
}

// FindBlock returns the block at begin if its length matches.
func (p *Piece) FindBlock(begin, length uint32) (Block, bool) {
	i, ok := p.blockIndex(begin)
	if !ok || p.blocks[i].Length != length {
		return Block{}, false
	}
	b := p.blocks[i]
	b.Data = nil
	return b, true
}

func (p *Piece) blockIndex(begin uint32) (int, bool) {
	if p.blockSize == 0 || begin%p.blockSize != 0 {
		return 0, false
	}
	i := int(begin / p.blockSize)
	if i >= len(p.blocks) {
		return 0, false
	}
	return i, true
}

// HasBlock returns true if the block at begin already has data.
func (p *Piece) HasBlock(begin uint32) bool {
	i, ok := p.blockIndex(begin)
	if !ok {
		return false
	}
	p.m.Lock()
	defer p.m.Unlock()
	return p.blocks[i].Filled()
}

// PutBlock stores data into the block at begin.
func (p *Piece) PutBlock(begin uint32, data []byte) error {
	i, ok := p.blockIndex(begin)
	if !ok || uint32(len(data)) != p.blocks[i].Length {
		return ErrUnknownBlock
	}
	p.m.Lock()
	defer p.m.Unlock()
	if p.blocks[i].Filled() {
		return ErrBlockFilled
	}
	p.blocks[i].Data = data
	return nil
}

// MissingBlocks returns blocks that have no data yet.
func (p *Piece) MissingBlocks() []Block {
	p.m.Lock()
	defer p.m.Unlock()
	var ret []Block
	for _, b := range p.blocks {
		if !b.Filled() {
			ret = append(ret, Block{PieceIndex: b.PieceIndex, Begin: b.Begin, Length: b.Length})
		}
	}
	return ret
}

// Validate checks that every block has data and the SHA-1 of the data equals the expected hash.
// It does not modify the piece.
func (p *Piece) Validate() error {
	p.m.Lock()
	defer p.m.Unlock()
	h := sha1.New() // nolint: gosec
	for _, b := range p.blocks {
		if !b.Filled() {
			return ErrIncomplete
		}
		h.Write(b.Data)
	}
	if !bytes.Equal(h.Sum(nil), p.Hash[:]) {
		return ErrHashMismatch
	}
	return nil
}

// Complete returns true if Validate succeeds.
func (p *Piece) Complete() bool {
	return p.Validate() == nil
}

// Data returns the concatenated block data. Missing blocks are zero filled.
func (p *Piece) Data() []byte {
	p.m.Lock()
	defer p.m.Unlock()
	buf := make([]byte, p.Length)
	for _, b := range p.blocks {
		copy(buf[b.Begin:], b.Data)
	}
	return buf
}

// Reset drops all block data so the blocks can be downloaded again.
func (p *Piece) Reset() {
	p.m.Lock()
	for i := range p.blocks {
		p.blocks[i].Data = nil
	}
	p.m.Unlock()
}
