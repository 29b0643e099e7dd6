// Package bitfield implements the bit-per-piece set used by the peer protocol.
// Bit 0 is the most significant bit of the first byte.
package bitfield

import (
	"encoding/hex"
	"errors"
	"iter"
	"math/bits"
)

// ErrShortData is returned when a byte slice cannot hold the requested number of bits.
var ErrShortData = errors.New("not enough bytes for bitfield length")

// Bitfield is a fixed length set of bits. It is not safe for concurrent use.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits, all cleared.
func New(length uint32) *Bitfield {
	return &Bitfield{b: make([]byte, (length+7)/8), length: length}
}

// FromBytes copies b into a new Bitfield of length bits.
// Spare bits in the last byte are ignored and cleared.
func FromBytes(b []byte, length uint32) (*Bitfield, error) {
	need := (length + 7) / 8
	if uint32(len(b)) < need {
		return nil, ErrShortData
	}
	bf := New(length)
	copy(bf.b, b[:need])
	if mod := length % 8; mod != 0 {
		bf.b[need-1] &= ^byte(0xff >> mod)
	}
	return bf, nil
}

// FromBools returns a Bitfield with bit i set when v[i] is true.
func FromBools(v []bool) *Bitfield {
	bf := New(uint32(len(v)))
	for i, ok := range v {
		if ok {
			bf.Set(uint32(i))
		}
	}
	return bf
}

// Bytes returns the underlying bytes. Modifying the returned slice modifies the bitfield.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns bytes as a hex string.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 1 << (7 - i%8)
}

// Clear bit i. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	b.b[i/8] &^= 1 << (7 - i%8)
}

// Test bit i. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(1<<(7-i%8)) != 0
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var n int
	for _, v := range b.b {
		n += bits.OnesCount8(v)
	}
	return uint32(n)
}

// All returns true if every bit is set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// Copy returns a deep copy.
func (b *Bitfield) Copy() *Bitfield {
	c := New(b.length)
	copy(c.b, b.b)
	return c
}

// Bools returns the bits as a slice of booleans.
func (b *Bitfield) Bools() []bool {
	ret := make([]bool, b.length)
	for i := range ret {
		ret[i] = b.Test(uint32(i))
	}
	return ret
}

// SetIndices yields indices of set bits in ascending order.
func (b *Bitfield) SetIndices() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for i := uint32(0); i < b.length; i++ {
			if b.b[i/8] == 0 {
				i |= 7
				continue
			}
			if b.Test(i) && !yield(i) {
				return
			}
		}
	}
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}
