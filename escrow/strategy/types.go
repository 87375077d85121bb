package strategy

import (
	"poolmachine/poolmachine"
)

// Descriptor is a named yield profile. Pools reference one by name at creation.
type Descriptor struct {
	Name            string
	Type            string
	Protocols       []string
	RiskTier        poolmachine.RiskTier
	ExpectedAPY     poolmachine.BasisPoints
	ManagementFee   poolmachine.BasisPoints
	PerformanceFee  poolmachine.BasisPoints
	MinAmount       poolmachine.Amount //zero means no minimum
	MinDurationDays int64
	Revision        int64
	Order           int64 //insertion order of the first revision
}

// NetAPY is the expected return after the management fee.
func (d Descriptor) NetAPY() poolmachine.BasisPoints {
	return d.ExpectedAPY - d.ManagementFee
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return poolmachine.ErrInvalidConfig.With("strategy has no name")
	}
	if !d.RiskTier.Valid() {
		return poolmachine.ErrInvalidConfig.With("strategy %s has invalid risk tier %d", d.Name, d.RiskTier)
	}
	for _, bps := range []poolmachine.BasisPoints{d.ExpectedAPY, d.ManagementFee, d.PerformanceFee} {
		if bps < 0 || bps > poolmachine.MaxBasisPoints {
			return poolmachine.ErrInvalidConfig.With("strategy %s has basis points out of range", d.Name)
		}
	}
	if d.MinAmount < 0 || d.MinDurationDays < 0 {
		return poolmachine.ErrInvalidConfig.With("strategy %s has a negative minimum", d.Name)
	}
	return nil
}
