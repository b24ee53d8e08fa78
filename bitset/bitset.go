// Package bitset provides a fixed-size bit set used to track which slots of
// a ring buffer have ever been written.
package bitset

// NewBitSet returns a zeroed bit set able to hold len bits.
func NewBitSet(len uint64) BitSet {
	words := (len + 63) / 64
	return make(BitSet, words)
}

type BitSet []uint64

func (b BitSet) IsSet(index uint64) bool {
	mask := uint64(1) << (index % 64)
	return (b[index/64] & mask) != 0
}

func (b BitSet) Set(index uint64) {
	b[index/64] |= uint64(1) << (index % 64)
}

// Count returns the number of set bits.
func (b BitSet) Count() int {
	n := 0
	for _, w := range b {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}
