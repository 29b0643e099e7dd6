package piece

import "iter"

// BlockSize is the default length of a block. The last block of a piece may be shorter.
const BlockSize = 16 * 1024

// Block is part of a Piece.
// Two blocks are the same block if their Key values are equal, regardless of data.
type Block struct {
	PieceIndex uint32
	Begin      uint32 // offset in piece
	Length     uint32
	Data       []byte
}

// BlockKey identifies a block without its data.
type BlockKey struct {
	PieceIndex, Begin, Length uint32
}

// Key returns the identity of the block.
func (b Block) Key() BlockKey {
	return BlockKey{PieceIndex: b.PieceIndex, Begin: b.Begin, Length: b.Length}
}

// Filled returns true if the block holds exactly Length bytes of data.
func (b Block) Filled() bool {
	return b.Data != nil && uint32(len(b.Data)) == b.Length
}

// SplitPieceToBlocks yields the blocks of a piece in offset order.
// The sequence can be iterated any number of times.
func SplitPieceToBlocks(pieceIndex, pieceLength, blockSize uint32) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		if blockSize == 0 {
			return
		}
		for begin := uint32(0); begin < pieceLength; begin += blockSize {
			length := min(blockSize, pieceLength-begin)
			if !yield(Block{PieceIndex: pieceIndex, Begin: begin, Length: length}) {
				return
			}
		}
	}
}
