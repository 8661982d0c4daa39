// Package qubit simulates the quantum layer of a BB84 exchange: preparing
// qubits as (bit, basis) pairs, measuring them in a chosen basis, and
// intercept-resend eavesdropping.
//
// No physical state is modeled. A measurement in the preparation basis reads
// the encoded bit exactly; a measurement in the other basis yields a uniformly
// random bit, which is all of quantum indeterminacy this simulation needs.
package qubit

import (
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"

	"qkdchat/qkd/bitarray"
)

// ErrEntropy is returned when the operating system cannot supply secure
// randomness. Callers must abort key generation rather than substituting a
// weaker source.
var ErrEntropy = errors.New("qubit: secure randomness unavailable")

// A Qubit is a simulated quantum bit: the logical bit value and the basis it
// was prepared in. Both fields take values 0 or 1.
type Qubit struct {
	Bit   byte
	Basis byte
}

// A BitSource produces uniformly random bits. Protocol code draws every random
// bit through a BitSource so that runs are reproducible under test.
type BitSource interface {
	// Bits returns n independent, uniformly random bits.
	Bits(n int) (bitarray.Dense, error)
}

// A PseudoSource is a BitSource backed by a seedable PRNG. Suitable for tests
// and simulation sweeps, not for keys that protect real traffic.
type PseudoSource struct {
	r *mrand.Rand
}

// NewPseudoSource returns a PseudoSource drawing from r.
func NewPseudoSource(r *mrand.Rand) *PseudoSource {
	return &PseudoSource{r: r}
}

// Bits implements BitSource.
func (s *PseudoSource) Bits(n int) (bitarray.Dense, error) {
	if n < 0 {
		return bitarray.Empty(), fmt.Errorf("qubit: drawing %d bits", n)
	}
	buf := make([]byte, bitarray.BytesFor(n))
	s.r.Read(buf)
	return bitarray.NewDense(buf, n), nil
}

// A CryptoSource is a BitSource backed by the operating system CSPRNG. Any
// failure to read entropy surfaces as ErrEntropy; there is no fallback.
type CryptoSource struct{}

// Bits implements BitSource.
func (CryptoSource) Bits(n int) (bitarray.Dense, error) {
	if n < 0 {
		return bitarray.Empty(), fmt.Errorf("qubit: drawing %d bits", n)
	}
	buf := make([]byte, bitarray.BytesFor(n))
	if _, err := rand.Read(buf); err != nil {
		return bitarray.Empty(), fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return bitarray.NewDense(buf, n), nil
}

// Generate produces a fresh bit sequence and basis sequence of length n, each
// element drawn independently and uniformly from {0,1}.
func Generate(src BitSource, n int) (bits, bases bitarray.Dense, err error) {
	bits, err = src.Bits(n)
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), err
	}
	bases, err = src.Bits(n)
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), err
	}
	return bits, bases, nil
}

// Measure observes q in the given measurement basis. If the basis matches the
// preparation basis the encoded bit is returned exactly; otherwise the result
// is a fresh uniformly random bit, uncorrelated with the encoded value. The
// input qubit is not modified.
func Measure(q Qubit, basis byte, src BitSource) (byte, error) {
	if basis == q.Basis {
		return q.Bit, nil
	}
	draw, err := src.Bits(1)
	if err != nil {
		return 0, err
	}
	if draw.Get(0) {
		return 1, nil
	}
	return 0, nil
}

// MeasureAll measures a transmitted stream of qubits, element-wise paired from
// bits and bases, in the corresponding measurement bases. All three sequences
// must have equal length.
func MeasureAll(bits, bases, measureBases bitarray.Dense, src BitSource) (bitarray.Dense, error) {
	if bits.Size() != bases.Size() || bits.Size() != measureBases.Size() {
		return bitarray.Empty(), fmt.Errorf(
			"qubit: measuring misaligned sequences: %d bits, %d bases, %d measurement bases",
			bits.Size(), bases.Size(), measureBases.Size())
	}
	var out bitarray.Dense
	for i := 0; i < bits.Size(); i++ {
		q := Qubit{Bit: bit(bits.Get(i)), Basis: bit(bases.Get(i))}
		b, err := Measure(q, bit(measureBases.Get(i)), src)
		if err != nil {
			return bitarray.Empty(), err
		}
		out.AppendBit(b == 1)
	}
	return out, nil
}

// An Eavesdropper performs an intercept-resend attack: it measures each
// transiting qubit in a random basis of its own and forwards a new qubit
// encoding what it saw. Whenever its basis guess is wrong the forwarded qubit
// is uncorrelated with the original half the time, which is what downstream
// error-rate estimation detects.
type Eavesdropper struct {
	Rand BitSource
}

// Intercept measures and re-prepares an entire qubit stream, returning the
// replacement stream. The input sequences are not modified.
func (e *Eavesdropper) Intercept(bits, bases bitarray.Dense) (newBits, newBases bitarray.Dense, err error) {
	if bits.Size() != bases.Size() {
		return bitarray.Empty(), bitarray.Empty(), fmt.Errorf(
			"qubit: intercepting misaligned stream: %d bits, %d bases", bits.Size(), bases.Size())
	}
	newBases, err = e.Rand.Bits(bits.Size())
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), err
	}
	newBits, err = MeasureAll(bits, bases, newBases, e.Rand)
	if err != nil {
		return bitarray.Empty(), bitarray.Empty(), err
	}
	return newBits, newBases, nil
}

func bit(b bool) byte {
	if b {
		return 1
	}
	return 0
}
