package vdaf

import (
	"errors"
	"fmt"
)

// NumAggregators is fixed at two for this deployment: one Leader, one
// Helper (spec.md Section 2).
const NumAggregators = 2

// ErrInvalidGradientLen indicates a non-positive gradient length.
var ErrInvalidGradientLen = errors.New("gradient_len must be positive")

// ErrVerifyKeyLength indicates a verify key of the wrong length was
// supplied to a VDAF client or collector constructor.
var ErrVerifyKeyLength = errors.New("verify key has wrong length for this vdaf instance")

// ZCDPStrategy is the differential-privacy noise strategy named in
// spec.md Section 4.3: ZCdpDiscreteGaussian parameterized by a
// zero-concentrated-DP budget.
type ZCDPStrategy struct {
	// Numerator and Denominator express the zCDP budget as the rational
	// epsilon^2/2 = Numerator/Denominator, matching the wire
	// representation of VdafParameter.PrivacyParameter.
	Numerator   int64
	Denominator int64
}

// Prio3FixedPointBoundedL2VecSum is the VDAF instance derived from a
// VdafParameter (spec.md Section 4.3). Construction of the instance
// itself (the secret-sharing circuit, the L2-norm range proof) is the
// external cryptographic collaborator named in spec.md Section 1; this
// type carries exactly the parameters that collaborator is instantiated
// with, so that callers on both sides of the wire agree on them without
// needing to agree on (or this package needing to implement) the
// circuit's internals.
type Prio3FixedPointBoundedL2VecSum struct {
	NumAggregators uint8
	GradientLen    int
	Bitsize        int
	DPStrategy     ZCDPStrategy
	Tag            FixedTypeTag
}

// VerifyKeyLength returns the required length, in bytes, of the VDAF's
// shared verification key. Prio3 instances use a 16-byte verify key
// regardless of bit width in this deployment (spec.md Section 4.2:
// "verify_key of length vdaf.verify_key_length()").
func (p Prio3FixedPointBoundedL2VecSum) VerifyKeyLength() int {
	return 16
}

// NewPrio3FixedPointBoundedL2VecSum derives a VDAF instance from a
// gradient length, fixed-point tag, and zCDP budget, per spec.md
// Section 4.3: "produce Prio3FixedPointBoundedL2VecSum configured with
// {num_aggregators = 2, gradient_len, bitsize, dp_strategy =
// ZCdpDiscreteGaussian(privacy_parameter)}".
func NewPrio3FixedPointBoundedL2VecSum(gradientLen int, tag FixedTypeTag, budget ZCDPStrategy) (Prio3FixedPointBoundedL2VecSum, error) {
	if gradientLen <= 0 {
		return Prio3FixedPointBoundedL2VecSum{}, ErrInvalidGradientLen
	}

	bitsize, err := tag.Bitsize()
	if err != nil {
		return Prio3FixedPointBoundedL2VecSum{}, fmt.Errorf("derive prio3 instance: %w", err)
	}

	return Prio3FixedPointBoundedL2VecSum{
		NumAggregators: NumAggregators,
		GradientLen:    gradientLen,
		Bitsize:        bitsize,
		DPStrategy:     budget,
		Tag:            tag,
	}, nil
}
