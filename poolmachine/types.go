package poolmachine

import (
	"bytes"
	"fmt"
	"strings"
)

// Account is an opaque authenticated principal supplied by the wallet layer.
type Account = string

type PoolID = string
type S256Hash = string

// Amount is an integer number of minor units of a pool's currency.
type Amount = int64

// BasisPoints is a ratio in 1/10000ths.
type BasisPoints = int64

const MaxBasisPoints BasisPoints = 10000

type Currency string

const (
	CurrencyNative  Currency = "native"
	CurrencyStableA Currency = "stable-a"
	CurrencyStableB Currency = "stable-b"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyNative, CurrencyStableA, CurrencyStableB:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityPrivate    Visibility = "private"
	VisibilityLinkShared Visibility = "link-shared"
	VisibilityPublic     Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityLinkShared, VisibilityPublic:
		return true
	}
	return false
}

type ApprovalMethod string

const (
	ApprovalMajority            ApprovalMethod = "majority"
	ApprovalPercentageThreshold ApprovalMethod = "percentage-threshold"
	ApprovalFixedVoteCount      ApprovalMethod = "fixed-vote-count"
	ApprovalCreatorOnly         ApprovalMethod = "creator-only"
)

func (m ApprovalMethod) Valid() bool {
	switch m {
	case ApprovalMajority, ApprovalPercentageThreshold, ApprovalFixedVoteCount, ApprovalCreatorOnly:
		return true
	}
	return false
}

// RiskTier is ordered: a lower value is a lower risk.
type RiskTier int64

const (
	RiskUnset RiskTier = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r RiskTier) Valid() bool {
	return r >= RiskLow && r <= RiskHigh
}

func (r RiskTier) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	}
	return "unset"
}

func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return RiskUnset, fmt.Errorf("unknown risk tier %q", s)
}

// UnmarshalJSON accepts the tier number or its name, so commands can say "medium".
func (r *RiskTier) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		tier, err := ParseRiskTier(name)
		if err != nil {
			return err
		}
		*r = tier
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("risk tier must be a number or a name: %w", err)
	}
	*r = RiskTier(n)
	return nil
}

// HashSeq is a deterministic digest of a component's state plus the sum of its sequence numbers.
type HashSeq struct {
	Hash      S256Hash
	Sequence  int64
	Component string
	Data      bytes.Buffer
}
