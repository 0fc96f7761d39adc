package vdaf

import "fmt"

// FixedElement is the type constraint satisfied by the three fixed-point
// element representations. VDAF constructors generic over the element
// type are parameterized by this constraint (spec.md Section 4.3:
// "Operations generic over a fixed-point type ... are parameterized by
// the element type").
type FixedElement interface {
	~int16 | ~int32 | ~int64
}

// Dispatch recovers the erased fixed-point width from v's runtime tag and
// forwards v's inner sequence to the matching width-specialized callback,
// per spec.md Section 4.3 / Section 9: "pattern-matching on the variant
// and forwarding its inner sequence to the width-specialised
// implementation." Exactly one callback runs.
func Dispatch[T any](
	v VecFixedAny,
	on16 func([]FixedPoint16) (T, error),
	on32 func([]FixedPoint32) (T, error),
	on64 func([]FixedPoint64) (T, error),
) (T, error) {
	switch v.Tag {
	case Fixed16:
		seq, _ := v.Fixed16()
		return on16(seq)
	case Fixed32:
		seq, _ := v.Fixed32()
		return on32(seq)
	case Fixed64:
		seq, _ := v.Fixed64()
		return on64(seq)
	default:
		var zero T
		return zero, fmt.Errorf("dispatch: %w", ErrUnknownTypeTag)
	}
}

// Prio3Client is the sharding side of the VDAF boundary: given a measured
// gradient vector, it produces the aggregator shares and proof that the
// Client uploads via DAP (spec.md Section 4.4). The cryptographic
// implementation (secret sharing, L2-norm range proof, zCDP noise
// calibration) is an external collaborator per spec.md Section 1; this
// interface is what the orchestration layer constructs and calls.
type Prio3Client[F FixedElement] interface {
	// Shard produces one share per aggregator (len == NumAggregators)
	// plus an opaque public share, for the given nonce.
	Shard(measurement []F, nonce [16]byte) (shares [][]byte, publicShare []byte, err error)
}

// Prio3Collector is the collection side of the VDAF boundary: given the
// aggregate shares returned by the two aggregators' collect endpoints, it
// recovers the plaintext aggregate vector (spec.md Section 4.2, Controller
// `collect`).
type Prio3Collector interface {
	Unshard(aggregateShares [][]byte, reportCount uint64) ([]float64, error)
}

// NewPrio3Client constructs the width-specialized VDAF client for the
// given instance and verify key. The instance's Tag must match F's width;
// callers obtain F from Dispatch, which already enforces this, so this
// constructor is only reached after the tag check in spec.md Section 4.3
// / Section 8 ("verify that the parametrization's submission_type tag
// equals the tag of the runtime variant before instantiating the VDAF").
//
// factory supplies the concrete cryptographic implementation; production
// deployments back it with a real Prio3 VDAF library, test and local-dev
// deployments back it with ReferencePrio3Factory (see reference.go).
func NewPrio3Client[F FixedElement](
	instance Prio3FixedPointBoundedL2VecSum,
	verifyKey []byte,
	factory Prio3Factory[F],
) (Prio3Client[F], error) {
	if len(verifyKey) != instance.VerifyKeyLength() {
		return nil, fmt.Errorf("verify key length %d, want %d: %w", len(verifyKey), instance.VerifyKeyLength(), ErrVerifyKeyLength)
	}
	return factory.NewClient(instance, verifyKey)
}

// NewPrio3Collector constructs the collector-side aggregator for the
// given instance, used by the Controller to recover the plaintext
// aggregate from collected shares.
func NewPrio3Collector(instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte, factory UntypedPrio3Factory) (Prio3Collector, error) {
	if len(verifyKey) != instance.VerifyKeyLength() {
		return nil, fmt.Errorf("verify key length %d, want %d: %w", len(verifyKey), instance.VerifyKeyLength(), ErrVerifyKeyLength)
	}
	return factory.NewCollector(instance, verifyKey)
}

// Prio3Factory constructs width-specialized VDAF clients. One factory
// implementation exists per fixed-point width; ShardWithReference selects
// among the reference ones (ReferenceFactory16/32/64) through Dispatch on
// the measurement's runtime variant.
type Prio3Factory[F FixedElement] interface {
	NewClient(instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte) (Prio3Client[F], error)
}

// UntypedPrio3Factory constructs the collector, which operates on opaque
// byte shares rather than typed measurements and so needs no type
// parameter.
type UntypedPrio3Factory interface {
	NewCollector(instance Prio3FixedPointBoundedL2VecSum, verifyKey []byte) (Prio3Collector, error)
}
