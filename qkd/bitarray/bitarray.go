// Package bitarray provides utilities for operating on densely-packed arrays of
// booleans.
package bitarray

import (
	"fmt"
	"math/bits"
	"math/rand"
	"strings"
)

// TODO: this could be more efficient on many architectures if we used larger
//   blocks than 8-bit bytes.

// A Dense is a bit array where every bit is explicitly represented.
type Dense struct {
	bits []byte
	len  int

	offset int
}

const blockSize = 8

// NewDense returns a new Dense whose data is a copy of data,
// and whose length is bitLen. If bitLen is longer than data, then
// trailing zeros are added. If bitLen is negative, then it is inferred
// from data.
func NewDense(data []byte, bitLen int) Dense {
	if bitLen < 0 {
		bitLen = len(data) * blockSize
	}
	bits := make([]byte, blocksFor(bitLen))
	copy(bits, data)
	return Dense{
		bits: bits,
		len:  bitLen,
	}
}

// Empty returns an empty, dense bit array.
func Empty() Dense {
	return Dense{}
}

// FromBits returns a Dense holding the given bit values, one element per bit.
// Every element of vals must be 0 or 1.
func FromBits(vals ...byte) Dense {
	var d Dense
	for _, v := range vals {
		d.AppendBit(v != 0)
	}
	return d
}

// FromString returns a Dense parsed from a string of '0' and '1' runes, or an
// error if s contains anything else.
func FromString(s string) (Dense, error) {
	var d Dense
	for i, c := range s {
		switch c {
		case '0':
			d.AppendBit(false)
		case '1':
			d.AppendBit(true)
		default:
			return Dense{}, fmt.Errorf("bit string contains %q at position %d", c, i)
		}
	}
	return d, nil
}

// Size returns the number of bits in d.
func (d Dense) Size() int {
	return d.len
}

// ByteSize returns the number of bytes necessary to represent d.
func (d Dense) ByteSize() int {
	return blocksFor(d.len)
}

// Data returns a copy of the bytes data underlying d.
func (d Dense) Data() []byte {
	data := make([]byte, 0, blocksFor(d.len))
	for i := 0; i < blocksFor(d.len); i++ {
		data = append(data, d.getByte(i))
	}
	return data
}

// Bits returns the bits of d as a slice of 0/1 bytes, one element per bit.
func (d Dense) Bits() []byte {
	r := make([]byte, 0, d.len)
	for i := 0; i < d.len; i++ {
		if d.Get(i) {
			r = append(r, 1)
		} else {
			r = append(r, 0)
		}
	}
	return r
}

// String renders d as a string of '0' and '1' runes, index order preserved.
func (d Dense) String() string {
	var sb strings.Builder
	sb.Grow(d.len)
	for i := 0; i < d.len; i++ {
		if d.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Equal reports whether d and other have the same length and the same bit at
// every position.
func (d Dense) Equal(other Dense) bool {
	if d.len != other.len {
		return false
	}
	for i := 0; i < d.len; i++ {
		if d.Get(i) != other.Get(i) {
			return false
		}
	}
	return true
}

// And computes a bitwise AND operation between d and other. If one of the two
// is shorter than the other, then trailing 0s are implicitly added to make the
// sizes match.
func (d Dense) And(other Dense) Dense {
	short := other
	if d.len < other.len {
		short = d
	}
	r := Dense{
		bits: make([]byte, 0, blocksFor(short.len)),
		len:  short.len,
	}
	for i := range short.bits {
		r.bits = append(r.bits, d.getByte(i)&other.getByte(i))
	}
	return r
}

// XOr computes a bitwise XOR operation between d and other. If one of the two
// is shorter than the other, then trailing 0s are implicitly added to make the
// sizes match.
func (d Dense) XOr(other Dense) Dense {
	short, long := other, d
	if d.len < other.len {
		short, long = d, other
	}
	r := Dense{
		bits: make([]byte, 0, blocksFor(long.len)),
		len:  long.len,
	}
	for i := range short.bits {
		r.bits = append(r.bits, short.getByte(i)^long.getByte(i))
	}
	for j := len(short.bits); j < len(long.bits); j++ {
		r.bits = append(r.bits, long.getByte(j)) // 0^v == v
	}
	return r
}

// XNor computes a bitwise equality operation between d and other. If one of the
// two is shorter than the other, then trailing 0s are implicitly added to make
// the sizes match.
func (d Dense) XNor(other Dense) Dense {
	short, long := other, d
	if d.len < other.len {
		short, long = d, other
	}
	r := Dense{
		bits: make([]byte, 0, blocksFor(long.len)),
		len:  long.len,
	}
	for i := range short.bits {
		r.bits = append(r.bits, ^short.getByte(i)^long.getByte(i))
	}
	for j := len(short.bits); j < len(long.bits); j++ {
		r.bits = append(r.bits, ^long.getByte(j)) // ~(0^v) == ~v
	}
	return r
}

// Not returns a copy of d whose bits have all been flipped.
func (d Dense) Not() Dense {
	return d.XNor(Dense{})
}

// Parity returns the overall parity of d, with true corresponding to 1 and
// false to 0.
func (d Dense) Parity() bool {
	var sum byte
	for i := 0; i < blocksFor(d.len); i++ {
		sum ^= d.getByte(i)
	}
	return bits.OnesCount8(sum)%2 == 1
}

// CountOnes returns the total number of bits set in d.
func (d Dense) CountOnes() int {
	var sum int
	for i := 0; i < blocksFor(d.len); i++ {
		sum += bits.OnesCount8(d.getByte(i))
	}
	return sum
}

// Select selects a subset of bits from d, according to which bits are set in
// mask.
func (d Dense) Select(mask Dense) Dense {
	var r Dense
	for i := 0; i < d.len; i++ {
		if !mask.Get(i) {
			continue
		}
		r.AppendBit(d.Get(i))
	}
	return r
}

// Drop returns a copy of d with the bits at the given positions removed.
// Positions outside [0, Size) are ignored.
func (d Dense) Drop(positions ...int) Dense {
	drop := make(map[int]bool, len(positions))
	for _, p := range positions {
		drop[p] = true
	}
	var r Dense
	for i := 0; i < d.len; i++ {
		if drop[i] {
			continue
		}
		r.AppendBit(d.Get(i))
	}
	return r
}

// Slice creates a view into d including bits [start, end).
func (d Dense) Slice(start, end int) (Dense, error) {
	if end > d.len {
		return Dense{}, fmt.Errorf("slicing bitarray of len %d up to %d", d.len, end)
	}
	if start < 0 {
		return Dense{}, fmt.Errorf("slicing bitarray with negative start: %d", start)
	}
	if end < start {
		return Dense{}, fmt.Errorf("slicing bitarray to negative length: %d", end-start)
	}
	// Positions relative to the backing array: a misaligned view can span one
	// more block than blocksFor(end-start) suggests.
	absStart := start + d.offset
	absEnd := end + d.offset
	return Dense{
		bits:   d.bits[absStart/blockSize : blocksFor(absEnd)],
		len:    end - start,
		offset: absStart % blockSize,
	}, nil
}

// Get returns the bit at idx.
func (d Dense) Get(idx int) bool {
	if idx >= d.len {
		return false
	}
	idx = idx + d.offset
	block := d.bits[idx/blockSize]
	pos := idx % blockSize
	return 0 < block&(1<<pos)
}

// AppendBit adds a single bit to the end of d.
func (d *Dense) AppendBit(bit bool) {
	pos := d.len % blockSize
	d.len += 1
	if pos == 0 {
		d.bits = append(d.bits, 0)
	}
	if bit {
		d.bits[len(d.bits)-1] |= 1 << pos
	}
}

// Flip inverts the bit at idx.
func (d *Dense) Flip(idx int) {
	idx = idx + d.offset
	d.bits[idx/blockSize] ^= 1 << (idx % blockSize)
}

// Shuffle randomly permutes the contents of d, using r as a source of
// randomness.
func (d *Dense) Shuffle(r *rand.Rand) {
	r.Shuffle(d.len, d.swap)
}

func (d *Dense) swap(i, j int) {
	a, b := d.Get(i), d.Get(j)
	if a == b {
		return
	}
	d.Flip(i)
	d.Flip(j)
}

func (d *Dense) getByte(i int) byte {
	lo := d.bits[i] >> d.offset
	var hi byte
	if i+1 < len(d.bits) {
		hi = d.bits[i+1] << (blockSize - d.offset)
	}
	r := lo | hi
	overdraw := (i+1)*blockSize - d.len
	if overdraw < 0 {
		overdraw = 0
	}
	return r << overdraw >> overdraw
}

// BytesFor returns the number of bytes necessary to hold the given number of
// bits.
func BytesFor(bits int) int {
	return blocksFor(bits)
}

func blocksFor(bits int) int {
	return (bits + blockSize - 1) / blockSize
}
