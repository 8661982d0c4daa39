package qkd

import (
	"errors"
	"math/rand"
	"testing"

	"qkdchat/qkd/bitarray"
	"qkdchat/qkd/qubit"
)

// scriptedSource replays a fixed sequence of draws, one per Bits call.
type scriptedSource struct {
	draws []bitarray.Dense
}

func (s *scriptedSource) Bits(n int) (bitarray.Dense, error) {
	if len(s.draws) == 0 {
		return bitarray.Empty(), errors.New("scripted source exhausted")
	}
	d := s.draws[0]
	s.draws = s.draws[1:]
	if d.Size() != n {
		return bitarray.Empty(), errors.New("scripted draw of unexpected size")
	}
	return d, nil
}

func repeatBit(b byte, n int) bitarray.Dense {
	var d bitarray.Dense
	for i := 0; i < n; i++ {
		d.AppendBit(b == 1)
	}
	return d
}

func TestSiftKeepsOnlyAgreeingBases(t *testing.T) {
	aliceBits := bitarray.FromBits(1, 0, 1, 1, 0, 1)
	aliceBases := bitarray.FromBits(0, 1, 0, 1, 1, 0)
	bobBits := bitarray.FromBits(1, 1, 0, 1, 0, 0)
	bobBases := bitarray.FromBits(0, 0, 1, 1, 1, 1)
	// Bases agree at positions 0, 3, 4.
	keyA, keyB, err := Sift(aliceBits, aliceBases, bobBits, bobBases)
	if err != nil {
		t.Fatalf("Sift: %v", err)
	}
	if !keyA.Equal(bitarray.FromBits(1, 1, 0)) {
		t.Errorf("keyA == %v, want [1 1 0]", keyA.Bits())
	}
	if !keyB.Equal(bitarray.FromBits(1, 1, 0)) {
		t.Errorf("keyB == %v, want [1 1 0]", keyB.Bits())
	}
}

func TestSiftOutputLengthsMatch(t *testing.T) {
	src := qubit.NewPseudoSource(rand.New(rand.NewSource(31)))
	for n := 1; n <= 64; n *= 2 {
		aBits, aBases, err := qubit.Generate(src, n)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		bBits, bBases, err := qubit.Generate(src, n)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		keyA, keyB, err := Sift(aBits, aBases, bBits, bBases)
		if err != nil {
			t.Fatalf("Sift: %v", err)
		}
		if keyA.Size() != keyB.Size() {
			t.Errorf("n=%d: key lengths %d != %d", n, keyA.Size(), keyB.Size())
		}
		if keyA.Size() > n {
			t.Errorf("n=%d: sifted key longer than input: %d", n, keyA.Size())
		}
	}
}

func TestSiftMisalignedInputs(t *testing.T) {
	if _, _, err := Sift(
		bitarray.FromBits(1, 0),
		bitarray.FromBits(1, 0, 1),
		bitarray.FromBits(1, 0),
		bitarray.FromBits(1, 0),
	); err == nil {
		t.Error("Sift accepted misaligned sequences")
	}
}

func TestSiftNoAgreementYieldsEmptyKeys(t *testing.T) {
	n := 8
	keyA, keyB, err := Sift(repeatBit(1, n), repeatBit(0, n), repeatBit(1, n), repeatBit(1, n))
	if err != nil {
		t.Fatalf("Sift: %v", err)
	}
	if keyA.Size() != 0 || keyB.Size() != 0 {
		t.Errorf("fully disagreeing bases yielded keys of %d and %d bits", keyA.Size(), keyB.Size())
	}
}

func TestExchangeWithoutEve(t *testing.T) {
	res, err := Exchange(ExchangeOpts{
		Bits: 64,
		Rand: qubit.NewPseudoSource(rand.New(rand.NewSource(41))),
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !res.KeyAlice.Equal(res.KeyBob) {
		t.Errorf("keys disagree without an eavesdropper:\n  alice %v\n  bob   %v",
			res.KeyAlice.Bits(), res.KeyBob.Bits())
	}
	if res.ErrorRate != 0 {
		t.Errorf("error rate == %v without an eavesdropper, want 0", res.ErrorRate)
	}
	if res.EveDetected {
		t.Error("eavesdropping flagged on a clean channel")
	}
	if res.KeyAlice.Size() == 0 || res.KeyAlice.Size() > 64 {
		t.Errorf("key of %d bits from a 64-bit exchange", res.KeyAlice.Size())
	}
	if res.Transcript.EvePresent {
		t.Error("transcript claims an eavesdropper was present")
	}
	if len(res.Transcript.Sampled) == 0 {
		t.Error("transcript records no sampled positions")
	}
}

func TestExchangeNeverFlagsCleanChannel(t *testing.T) {
	r := rand.New(rand.NewSource(43))
	for i := 0; i < 100; i++ {
		res, err := Exchange(ExchangeOpts{
			Bits: 32,
			Rand: qubit.NewPseudoSource(r),
		})
		if errors.Is(err, ErrKeyDepleted) {
			continue
		}
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		if res.EveDetected {
			t.Fatalf("run %d: clean channel flagged with rate %v", i, res.ErrorRate)
		}
	}
}

func TestExchangeWithEveIsUsuallyDetected(t *testing.T) {
	// Sampling 3 positions at threshold 0.25 catches an intercept-resend
	// attack iff at least one sampled bit flipped: p = 1 - (3/4)^3 ≈ 0.58.
	r := rand.New(rand.NewSource(47))
	detected, runs := 0, 0
	for i := 0; i < 400; i++ {
		res, err := Exchange(ExchangeOpts{
			Bits: 32,
			Eve:  true,
			Rand: qubit.NewPseudoSource(r),
		})
		if errors.Is(err, ErrKeyDepleted) {
			continue
		}
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		runs++
		if res.EveDetected {
			detected++
		}
	}
	if runs == 0 {
		t.Fatal("no exchange produced a usable key")
	}
	frac := float64(detected) / float64(runs)
	if frac < 0.45 || frac > 0.72 {
		t.Errorf("eavesdropper detected in %.2f of runs, want ≈0.58", frac)
	}
}

func TestExchangeDeterministicUnderSeed(t *testing.T) {
	run := func() Result {
		res, err := Exchange(ExchangeOpts{
			Bits:       48,
			Rand:       qubit.NewPseudoSource(rand.New(rand.NewSource(53))),
			SampleRand: rand.New(rand.NewSource(54)),
		})
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		return res
	}
	a, b := run(), run()
	if !a.KeyAlice.Equal(b.KeyAlice) || !a.KeyBob.Equal(b.KeyBob) {
		t.Error("identically seeded exchanges produced different keys")
	}
	if a.ErrorRate != b.ErrorRate || a.EveDetected != b.EveDetected {
		t.Error("identically seeded exchanges produced different verdicts")
	}
}

func TestExchangeDepletedKeyFailsClosed(t *testing.T) {
	n := 8
	src := &scriptedSource{draws: []bitarray.Dense{
		repeatBit(1, n), // Alice's bits
		repeatBit(0, n), // Alice's bases
		repeatBit(1, n), // Bob's bases: never agree with Alice's
		// Every measurement is in a mismatched basis and costs one draw.
		repeatBit(0, 1), repeatBit(0, 1), repeatBit(0, 1), repeatBit(0, 1),
		repeatBit(0, 1), repeatBit(0, 1), repeatBit(0, 1), repeatBit(0, 1),
	}}
	res, err := Exchange(ExchangeOpts{Bits: n, Rand: src})
	if !errors.Is(err, ErrKeyDepleted) {
		t.Fatalf("err == %v, want ErrKeyDepleted", err)
	}
	if !res.EveDetected || res.ErrorRate != 1 {
		t.Errorf("depleted exchange: eve=%v rate=%v, want true, 1", res.EveDetected, res.ErrorRate)
	}
}

func TestExchangeAmplifiesKey(t *testing.T) {
	res, err := Exchange(ExchangeOpts{
		Bits:      128,
		Rand:      qubit.NewPseudoSource(rand.New(rand.NewSource(61))),
		AmplifyTo: 16,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res.KeyAlice.Size() != 16 {
		t.Fatalf("amplified key has %d bits, want 16", res.KeyAlice.Size())
	}
	if !res.KeyAlice.Equal(res.KeyBob) {
		t.Error("amplified keys disagree without an eavesdropper")
	}
}

func TestExchangeRequiresRand(t *testing.T) {
	if _, err := Exchange(ExchangeOpts{Bits: 16}); err == nil {
		t.Error("Exchange accepted a nil randomness source")
	}
}
