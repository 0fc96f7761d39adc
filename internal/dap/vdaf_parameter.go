package dap

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
)

// ZCDPBudget is a zero-concentrated-DP privacy budget expressed as an
// exact rational epsilon^2/2 = Numerator/Denominator (spec.md Section 3:
// "privacy_parameter: zCDP budget (a rational-valued bound,
// serializable)"). An exact rational, rather than a float, is used so
// that VdafParameter equality and JSON round-tripping are exact (spec.md
// Section 8: "VdafParameter JSON round-trip preserves value-equality").
type ZCDPBudget struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator"`
}

// ErrZeroDenominator indicates a ZCDPBudget with a zero denominator.
var ErrZeroDenominator = errors.New("zcdp budget denominator must be nonzero")

// ErrNonPositiveBudget indicates a ZCDPBudget whose value is zero or negative.
var ErrNonPositiveBudget = errors.New("zcdp budget must be positive")

// Validate checks that the budget is a well-formed positive rational.
func (b ZCDPBudget) Validate() error {
	if b.Denominator == 0 {
		return ErrZeroDenominator
	}
	if b.Numerator == 0 || (b.Numerator > 0) != (b.Denominator > 0) {
		return ErrNonPositiveBudget
	}
	return nil
}

// Equal reports whether b and other represent the same rational value.
// Comparison cross-multiplies rather than reducing first, so distinct
// (numerator, denominator) pairs representing the same value still
// compare equal.
func (b ZCDPBudget) Equal(other ZCDPBudget) bool {
	return b.Numerator*other.Denominator == other.Numerator*b.Denominator
}

// VdafParameter is the serializable, value-equal parametrization of a
// training session's VDAF instance (spec.md Section 3). Two
// VdafParameters are compatible iff all fields are equal.
type VdafParameter struct {
	GradientLen      int               `json:"gradientLen"`
	SubmissionType   vdaf.FixedTypeTag `json:"submissionType"`
	PrivacyParameter ZCDPBudget        `json:"privacyParameter"`
}

// ErrInvalidVdafParameter wraps a structurally invalid VdafParameter.
var ErrInvalidVdafParameter = errors.New("invalid vdaf parameter")

// Validate checks that p is structurally well-formed: a positive gradient
// length, a recognized submission type, and a well-formed privacy budget.
func (p VdafParameter) Validate() error {
	if p.GradientLen <= 0 {
		return fmt.Errorf("%w: gradient_len must be positive", ErrInvalidVdafParameter)
	}
	if !p.SubmissionType.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidVdafParameter, p.SubmissionType)
	}
	if err := p.PrivacyParameter.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidVdafParameter, err)
	}
	return nil
}

// Equal reports whether p and other are compatible per spec.md Section 3:
// "Two VdafParameters are compatible iff all fields are equal."
func (p VdafParameter) Equal(other VdafParameter) bool {
	return p.GradientLen == other.GradientLen &&
		p.SubmissionType == other.SubmissionType &&
		p.PrivacyParameter.Equal(other.PrivacyParameter)
}

// Instance derives the Prio3FixedPointBoundedL2VecSum VDAF instance for p
// (spec.md Section 4.3).
func (p VdafParameter) Instance() (vdaf.Prio3FixedPointBoundedL2VecSum, error) {
	return vdaf.NewPrio3FixedPointBoundedL2VecSum(p.GradientLen, p.SubmissionType, vdaf.ZCDPStrategy{
		Numerator:   p.PrivacyParameter.Numerator,
		Denominator: p.PrivacyParameter.Denominator,
	})
}

var _ json.Marshaler = VdafParameter{}
var _ json.Unmarshaler = (*VdafParameter)(nil)

// vdafParameterWire mirrors VdafParameter's field layout; it exists only
// so MarshalJSON/UnmarshalJSON can be defined without infinite recursion
// through the embedding struct's own methods.
type vdafParameterWire struct {
	GradientLen      int               `json:"gradientLen"`
	SubmissionType   vdaf.FixedTypeTag `json:"submissionType"`
	PrivacyParameter ZCDPBudget        `json:"privacyParameter"`
}

// MarshalJSON renders p using the exact field set above; defined
// explicitly (rather than relying on the default struct tags) so that
// future fields added to VdafParameter must be deliberately threaded
// through the wire type too.
func (p VdafParameter) MarshalJSON() ([]byte, error) {
	return json.Marshal(vdafParameterWire(p))
}

// UnmarshalJSON parses p from its wire representation.
func (p *VdafParameter) UnmarshalJSON(data []byte) error {
	var w vdafParameterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal vdaf parameter: %w", err)
	}
	*p = VdafParameter(w)
	return nil
}
