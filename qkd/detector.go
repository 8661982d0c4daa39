package qkd

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"qkdchat/qkd/bitarray"
)

// Default detection parameters. The full-compare threshold suits direct
// bitstring comparison; the sampled threshold suits the protocol-level check,
// which tolerates more variance because it inspects only a few positions.
const (
	DefaultThreshold        = 0.1
	DefaultSampledThreshold = 0.25
	DefaultSampleSize       = 3
)

// A MeasurementRecord is one logged detector observation. Records are
// append-only; the detector never mutates them after creation.
type MeasurementRecord struct {
	MeasuredBases string
	ReceivedBases string
	ErrorRate     float64
}

// A Detector estimates the mismatch rate between two bit sequences that ought
// to agree, and flags suspected eavesdropping when the rate exceeds its
// threshold. Its policy is uniformly fail-closed: degenerate or malformed
// input reads as maximal error, never as "safe".
//
// A Detector is safe for concurrent use; the record log takes a single-writer
// lock around appends.
type Detector struct {
	threshold  float64
	sampleSize int
	rand       *rand.Rand

	mu      sync.Mutex
	history []MeasurementRecord
}

// DetectorOpts configures a Detector. Zero values select defaults.
type DetectorOpts struct {
	// Threshold is the error rate above which eavesdropping is flagged.
	// Defaults to DefaultThreshold for full comparison; callers running the
	// sampled protocol check usually want DefaultSampledThreshold.
	Threshold float64

	// SampleSize is the number of key positions DetectSampled inspects.
	// Defaults to DefaultSampleSize.
	SampleSize int

	// Rand drives sample-position selection. May be nil if DetectSampled is
	// never called.
	Rand *rand.Rand
}

// NewDetector returns a Detector configured per opts.
func NewDetector(opts DetectorOpts) *Detector {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	sampleSize := opts.SampleSize
	if sampleSize == 0 {
		sampleSize = DefaultSampleSize
	}
	return &Detector{
		threshold:  threshold,
		sampleSize: sampleSize,
		rand:       opts.Rand,
	}
}

// Threshold returns the detection threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// ErrorRate returns the fraction of positions at which a and b disagree.
// Sequences of unequal length, and a pair of empty sequences, read as maximal
// mismatch (1.0): a comparison that cannot be made must not read as clean.
func (d *Detector) ErrorRate(a, b bitarray.Dense) float64 {
	if a.Size() != b.Size() {
		return 1.0
	}
	if a.Size() == 0 {
		return 1.0
	}
	return float64(a.XOr(b).CountOnes()) / float64(a.Size())
}

// Detect compares a and b in full, logs the observation, and reports whether
// the error rate exceeds the detector threshold.
func (d *Detector) Detect(a, b bitarray.Dense) (eveDetected bool, errorRate float64) {
	errorRate = d.ErrorRate(a, b)
	d.append(MeasurementRecord{
		MeasuredBases: a.String(),
		ReceivedBases: b.String(),
		ErrorRate:     errorRate,
	})
	return errorRate > d.threshold, errorRate
}

// DetectSampled compares a small random subset of positions between a and b,
// logs the observation, and reports whether the sampled mismatch rate exceeds
// the detector threshold. It returns the sampled positions in ascending order
// so that callers can discard those now-public bits from the key.
//
// An empty pair of sequences is a degenerate exchange: it is flagged as
// eavesdropping with rate 1.0 and reported via ErrKeyDepleted.
func (d *Detector) DetectSampled(a, b bitarray.Dense) (eveDetected bool, errorRate float64, sampled []int, err error) {
	if a.Size() != b.Size() {
		d.append(MeasurementRecord{
			MeasuredBases: a.String(),
			ReceivedBases: b.String(),
			ErrorRate:     1.0,
		})
		return true, 1.0, nil, fmt.Errorf("sampling keys of unequal length: %d != %d", a.Size(), b.Size())
	}
	if a.Size() == 0 {
		d.append(MeasurementRecord{ErrorRate: 1.0})
		return true, 1.0, nil, ErrKeyDepleted
	}
	if d.rand == nil {
		return true, 1.0, nil, fmt.Errorf("detector has no randomness source for sampling")
	}
	k := d.sampleSize
	if k > a.Size() {
		k = a.Size()
	}
	sampled = d.rand.Perm(a.Size())[:k]
	sort.Ints(sampled)

	var sa, sb bitarray.Dense
	for _, p := range sampled {
		sa.AppendBit(a.Get(p))
		sb.AppendBit(b.Get(p))
	}
	errorRate = float64(sa.XOr(sb).CountOnes()) / float64(k)
	d.append(MeasurementRecord{
		MeasuredBases: sa.String(),
		ReceivedBases: sb.String(),
		ErrorRate:     errorRate,
	})
	return errorRate > d.threshold, errorRate, sampled, nil
}

// History returns a copy of the detector's append-only record log.
func (d *Detector) History() []MeasurementRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := make([]MeasurementRecord, len(d.history))
	copy(r, d.history)
	return r
}

func (d *Detector) append(rec MeasurementRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, rec)
}

// ValidateMeasurements checks a batch of records for consistency: every record
// must carry both compared sequences, the sequences must have equal length,
// and the error rate must lie in [0, 1]. It returns false on the first
// violation, and false for an empty batch.
func ValidateMeasurements(records []MeasurementRecord) bool {
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if rec.MeasuredBases == "" || rec.ReceivedBases == "" {
			return false
		}
		if len(rec.MeasuredBases) != len(rec.ReceivedBases) {
			return false
		}
		if rec.ErrorRate < 0 || rec.ErrorRate > 1 {
			return false
		}
	}
	return true
}
