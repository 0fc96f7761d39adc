package vdaf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ReferencePrio3Factory is a non-cryptographic stand-in for the real
// Prio3FixedPointBoundedL2VecSum VDAF, used by local-dev deployments and
// the orchestration-layer tests in this repository. It performs a
// trivial additive split (one aggregator's share carries the whole
// measurement, the other's carries zero) instead of genuine secret
// sharing, and applies no L2-norm proof or zCDP noise.
//
// spec.md Section 1 scopes the VDAF's cryptographic primitive out of the
// core ("treated as a black-box"); this factory exists so the session
// orchestration plane — the part this repository does implement — can be
// exercised end to end without a real VDAF crypto dependency. Production
// deployments supply a Prio3Factory backed by a genuine VDAF
// implementation instead.
type ReferencePrio3Factory struct{}

// ErrAggregatorShareCount indicates the wrong number of aggregator shares
// was supplied to Unshard.
var ErrAggregatorShareCount = errors.New("expected exactly NumAggregators aggregate shares")

// referenceClient16 is ReferencePrio3Factory's Fixed16 client.
type referenceClient16 struct {
	instance Prio3FixedPointBoundedL2VecSum
}

func (c referenceClient16) Shard(measurement []FixedPoint16, _ [16]byte) ([][]byte, []byte, error) {
	if len(measurement) != c.instance.GradientLen {
		return nil, nil, fmt.Errorf("shard: %w", newLengthError(len(measurement), c.instance.GradientLen))
	}
	return shardReference(toFloat64s16(measurement)), nil, nil
}

// referenceClient32 is ReferencePrio3Factory's Fixed32 client.
type referenceClient32 struct {
	instance Prio3FixedPointBoundedL2VecSum
}

func (c referenceClient32) Shard(measurement []FixedPoint32, _ [16]byte) ([][]byte, []byte, error) {
	if len(measurement) != c.instance.GradientLen {
		return nil, nil, fmt.Errorf("shard: %w", newLengthError(len(measurement), c.instance.GradientLen))
	}
	return shardReference(toFloat64s32(measurement)), nil, nil
}

// referenceClient64 is ReferencePrio3Factory's Fixed64 client.
type referenceClient64 struct {
	instance Prio3FixedPointBoundedL2VecSum
}

func (c referenceClient64) Shard(measurement []FixedPoint64, _ [16]byte) ([][]byte, []byte, error) {
	if len(measurement) != c.instance.GradientLen {
		return nil, nil, fmt.Errorf("shard: %w", newLengthError(len(measurement), c.instance.GradientLen))
	}
	return shardReference(toFloat64s64(measurement)), nil, nil
}

// NewClient16 implements Prio3Factory[FixedPoint16].
func (ReferencePrio3Factory) NewClient16(instance Prio3FixedPointBoundedL2VecSum, _ []byte) (Prio3Client[FixedPoint16], error) {
	return referenceClient16{instance: instance}, nil
}

// NewClient32 implements Prio3Factory[FixedPoint32].
func (ReferencePrio3Factory) NewClient32(instance Prio3FixedPointBoundedL2VecSum, _ []byte) (Prio3Client[FixedPoint32], error) {
	return referenceClient32{instance: instance}, nil
}

// NewClient64 implements Prio3Factory[FixedPoint64].
func (ReferencePrio3Factory) NewClient64(instance Prio3FixedPointBoundedL2VecSum, _ []byte) (Prio3Client[FixedPoint64], error) {
	return referenceClient64{instance: instance}, nil
}

// NewCollector implements UntypedPrio3Factory.
func (ReferencePrio3Factory) NewCollector(instance Prio3FixedPointBoundedL2VecSum, _ []byte) (Prio3Collector, error) {
	return referenceCollector{instance: instance}, nil
}

type referenceCollector struct {
	instance Prio3FixedPointBoundedL2VecSum
}

func (c referenceCollector) Unshard(aggregateShares [][]byte, _ uint64) ([]float64, error) {
	if len(aggregateShares) != NumAggregators {
		return nil, fmt.Errorf("unshard: got %d shares: %w", len(aggregateShares), ErrAggregatorShareCount)
	}

	sums := make([]float64, c.instance.GradientLen)
	for _, share := range aggregateShares {
		vals, err := decodeFloat64s(share, c.instance.GradientLen)
		if err != nil {
			return nil, fmt.Errorf("unshard: %w", err)
		}
		for i, v := range vals {
			sums[i] += v
		}
	}
	return sums, nil
}

// shardReference encodes the whole measurement into the first share and a
// vector of zeros into the remaining NumAggregators-1 shares, so that
// summing the shares back together (referenceCollector.Unshard) recovers
// the original measurement exactly.
func shardReference(values []float64) [][]byte {
	shares := make([][]byte, NumAggregators)
	shares[0] = encodeFloat64s(values)
	zeros := make([]float64, len(values))
	for i := 1; i < NumAggregators; i++ {
		shares[i] = encodeFloat64s(zeros)
	}
	return shares
}

func encodeFloat64s(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFloat64s(buf []byte, n int) ([]float64, error) {
	if len(buf) != 8*n {
		return nil, fmt.Errorf("decode share: got %d bytes, want %d", len(buf), 8*n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}

func toFloat64s16(v []FixedPoint16) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / float64(int64(1)<<15)
	}
	return out
}

func toFloat64s32(v []FixedPoint32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / float64(int64(1)<<31)
	}
	return out
}

func toFloat64s64(v []FixedPoint64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / float64(uint64(1)<<63)
	}
	return out
}

func newLengthError(got, want int) error {
	return fmt.Errorf("expected data to have length %d but it was %d", want, got)
}

// ReferenceFactory16 adapts ReferencePrio3Factory to Prio3Factory[FixedPoint16].
// Go forbids a single concrete type from implementing Prio3Factory[F] for
// more than one F via a method of the same name, so one thin adapter
// exists per width; each just forwards to ReferencePrio3Factory's
// width-specific constructor.
type ReferenceFactory16 struct{ ReferencePrio3Factory }

func (f ReferenceFactory16) NewClient(instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte) (Prio3Client[FixedPoint16], error) {
	return f.ReferencePrio3Factory.NewClient16(instance, verifyKey)
}

// ReferenceFactory32 adapts ReferencePrio3Factory to Prio3Factory[FixedPoint32].
type ReferenceFactory32 struct{ ReferencePrio3Factory }

func (f ReferenceFactory32) NewClient(instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte) (Prio3Client[FixedPoint32], error) {
	return f.ReferencePrio3Factory.NewClient32(instance, verifyKey)
}

// ReferenceFactory64 adapts ReferencePrio3Factory to Prio3Factory[FixedPoint64].
type ReferenceFactory64 struct{ ReferencePrio3Factory }

func (f ReferenceFactory64) NewClient(instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte) (Prio3Client[FixedPoint64], error) {
	return f.ReferencePrio3Factory.NewClient64(instance, verifyKey)
}

// ShardWithReference dispatches v to the width-specialized reference VDAF
// client and shards it, recovering F from v's tag via Dispatch. This is
// the concrete function internal/client calls; production deployments
// would instead thread a real Prio3Factory family through an equivalent
// dispatch.
func ShardWithReference(v VecFixedAny, instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte, nonce [16]byte) (shares [][]byte, publicShare []byte, err error) {
	type result struct {
		shares      [][]byte
		publicShare []byte
	}

	r, err := Dispatch(v,
		func(seq []FixedPoint16) (result, error) {
			c, err := NewPrio3Client[FixedPoint16](instance, verifyKey, ReferenceFactory16{})
			if err != nil {
				return result{}, err
			}
			shares, pub, err := c.Shard(seq, nonce)
			return result{shares, pub}, err
		},
		func(seq []FixedPoint32) (result, error) {
			c, err := NewPrio3Client[FixedPoint32](instance, verifyKey, ReferenceFactory32{})
			if err != nil {
				return result{}, err
			}
			shares, pub, err := c.Shard(seq, nonce)
			return result{shares, pub}, err
		},
		func(seq []FixedPoint64) (result, error) {
			c, err := NewPrio3Client[FixedPoint64](instance, verifyKey, ReferenceFactory64{})
			if err != nil {
				return result{}, err
			}
			shares, pub, err := c.Shard(seq, nonce)
			return result{shares, pub}, err
		},
	)
	if err != nil {
		return nil, nil, err
	}
	return r.shares, r.publicShare, nil
}
