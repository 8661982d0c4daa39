// Package qkd simulates BB84 key agreement between two parties over an
// in-process channel, with optional intercept-resend eavesdropping, and
// estimates the eavesdropper-induced error rate on the sifted key.
package qkd

import (
	"errors"
	"fmt"
	"math/rand"

	"qkdchat/qkd/bitarray"
	"qkdchat/qkd/qubit"
	"qkdchat/qkd/wire"
)

// Default exchange parameters.
const (
	DefaultBits = 32
)

var (
	// ErrKeyDepleted reports a sifted key too short to verify: either the
	// basis choices never agreed, or verification would consume every bit.
	ErrKeyDepleted = errors.New("qkd: sifted key depleted")
)

// ExchangeOpts packages together the arguments for one protocol run. Many
// fields have usable zero-value defaults; Rand does not and must be non-nil.
type ExchangeOpts struct {
	// Bits is the number of qubits to exchange. Defaults to DefaultBits.
	Bits int

	// Eve enables the intercept-resend eavesdropper on the quantum channel.
	Eve bool

	// Rand supplies every random draw of the run: bit and basis generation
	// for both parties and the eavesdropper, and mismatched-basis measurement
	// outcomes. Use qubit.CryptoSource for real keys and a seeded
	// qubit.PseudoSource for reproducible runs. Must be non-nil.
	Rand qubit.BitSource

	// SampleRand drives verification-position sampling. The sampled positions
	// are announced publicly, so a PRNG is acceptable here even for real
	// keys. If nil, a PRNG seeded from Rand is used.
	SampleRand *rand.Rand

	// SampleSize is the number of sifted-key positions sacrificed for
	// verification. Defaults to DefaultSampleSize.
	SampleSize int

	// Threshold is the sampled mismatch rate above which eavesdropping is
	// flagged. Defaults to DefaultSampledThreshold.
	Threshold float64

	// AmplifyTo, when positive, compresses the surviving key to the given
	// number of bits with a Toeplitz universal hash before returning it.
	// Ignored when the surviving key is already at most AmplifyTo bits.
	AmplifyTo int
}

// A Result reports the outcome of one protocol run. KeyAlice and KeyBob are
// the two parties' candidate keys with the verification positions removed;
// absent interference they are bitwise equal.
type Result struct {
	KeyAlice    bitarray.Dense
	KeyBob      bitarray.Dense
	ErrorRate   float64
	EveDetected bool
	Transcript  wire.Transcript
}

// Sift retains the positions at which the two parties' basis choices agree,
// returning each party's candidate key in index order. All four sequences
// must have length n; both outputs have equal length, at most n. If the bases
// never agree both outputs are empty, which callers must treat as a failed
// exchange rather than a clean one.
func Sift(aliceBits, aliceBases, bobBits, bobBases bitarray.Dense) (keyAlice, keyBob bitarray.Dense, err error) {
	n := aliceBits.Size()
	if aliceBases.Size() != n || bobBits.Size() != n || bobBases.Size() != n {
		return bitarray.Empty(), bitarray.Empty(), fmt.Errorf(
			"qkd: sifting misaligned sequences: %d/%d alice, %d/%d bob",
			aliceBits.Size(), aliceBases.Size(), bobBits.Size(), bobBases.Size())
	}
	mask := aliceBases.XNor(bobBases)
	return aliceBits.Select(mask), bobBits.Select(mask), nil
}

// Exchange performs one BB84 run: Alice prepares random qubits, Eve optionally
// intercepts them, Bob measures in random bases, the two sift on basis
// agreement, and a sampled subset of the sifted key is compared to estimate
// the error rate. Each call is an isolated, sequential computation; no state
// is shared between runs.
//
// A depleted sifted key returns ErrKeyDepleted alongside a fail-closed Result
// (EveDetected true, ErrorRate 1).
func Exchange(opts ExchangeOpts) (Result, error) {
	if opts.Rand == nil {
		return Result{}, errors.New("qkd: must provide Rand")
	}
	n := opts.Bits
	if n == 0 {
		n = DefaultBits
	}
	if n < 0 {
		return Result{}, fmt.Errorf("qkd: exchanging %d bits", n)
	}

	aliceBits, aliceBases, err := qubit.Generate(opts.Rand, n)
	if err != nil {
		return Result{}, fmt.Errorf("qkd: preparing qubits: %w", err)
	}

	txBits, txBases := aliceBits, aliceBases
	if opts.Eve {
		eve := &qubit.Eavesdropper{Rand: opts.Rand}
		txBits, txBases, err = eve.Intercept(txBits, txBases)
		if err != nil {
			return Result{}, fmt.Errorf("qkd: intercepting qubits: %w", err)
		}
	}

	bobBases, err := opts.Rand.Bits(n)
	if err != nil {
		return Result{}, fmt.Errorf("qkd: choosing measurement bases: %w", err)
	}
	bobBits, err := qubit.MeasureAll(txBits, txBases, bobBases, opts.Rand)
	if err != nil {
		return Result{}, fmt.Errorf("qkd: measuring qubits: %w", err)
	}

	keyAlice, keyBob, err := Sift(aliceBits, aliceBases, bobBits, bobBases)
	if err != nil {
		return Result{}, err
	}
	transcript := wire.Transcript{
		AliceBases: aliceBases,
		BobBases:   bobBases,
		SiftMask:   aliceBases.XNor(bobBases),
		EvePresent: opts.Eve,
	}
	if keyAlice.Size() == 0 {
		transcript.ErrorRate = 1.0
		transcript.EveDetected = true
		return Result{
			ErrorRate:   1.0,
			EveDetected: true,
			Transcript:  transcript,
		}, ErrKeyDepleted
	}

	sampleRand := opts.SampleRand
	if sampleRand == nil {
		sampleRand, err = seededRand(opts.Rand)
		if err != nil {
			return Result{}, fmt.Errorf("qkd: seeding sampler: %w", err)
		}
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultSampledThreshold
	}
	det := NewDetector(DetectorOpts{
		Threshold:  threshold,
		SampleSize: opts.SampleSize,
		Rand:       sampleRand,
	})
	eveDetected, errorRate, sampled, err := det.DetectSampled(keyAlice, keyBob)
	if err != nil {
		return Result{}, err
	}
	transcript.Sampled = sampled
	transcript.ErrorRate = errorRate
	transcript.EveDetected = eveDetected

	// The compared positions are public now; they no longer contribute
	// secrecy and are dropped from both keys.
	keyAlice = keyAlice.Drop(sampled...)
	keyBob = keyBob.Drop(sampled...)
	if keyAlice.Size() == 0 {
		return Result{
			ErrorRate:   errorRate,
			EveDetected: eveDetected,
			Transcript:  transcript,
		}, ErrKeyDepleted
	}

	if opts.AmplifyTo > 0 && opts.AmplifyTo < keyAlice.Size() {
		diags, err := opts.Rand.Bits(opts.AmplifyTo + keyAlice.Size() - 1)
		if err != nil {
			return Result{}, fmt.Errorf("qkd: drawing amplification seed: %w", err)
		}
		keyAlice, err = amplify(keyAlice, diags, opts.AmplifyTo)
		if err != nil {
			return Result{}, err
		}
		keyBob, err = amplify(keyBob, diags, opts.AmplifyTo)
		if err != nil {
			return Result{}, err
		}
	}

	return Result{
		KeyAlice:    keyAlice,
		KeyBob:      keyBob,
		ErrorRate:   errorRate,
		EveDetected: eveDetected,
		Transcript:  transcript,
	}, nil
}

// amplify compresses key to m bits by multiplying it through a Toeplitz matrix
// built from the shared diagonal seed. Both parties apply the same seed, so
// equal keys stay equal and unequal keys stay overwhelmingly unequal.
func amplify(key, diags bitarray.Dense, m int) (bitarray.Dense, error) {
	t := toeplitz{
		diags: diags,
		m:     m,
		n:     key.Size(),
	}
	out, err := t.Mul(key)
	if err != nil {
		return bitarray.Empty(), fmt.Errorf("qkd: amplifying key: %w", err)
	}
	return out, nil
}

// seededRand builds a PRNG whose seed is drawn from src.
func seededRand(src qubit.BitSource) (*rand.Rand, error) {
	d, err := src.Bits(63)
	if err != nil {
		return nil, err
	}
	var seed int64
	for i := 0; i < 63; i++ {
		if d.Get(i) {
			seed |= 1 << i
		}
	}
	return rand.New(rand.NewSource(seed)), nil
}
