package pool

import (
	"poolmachine/escrow/registry"
	"poolmachine/poolmachine"
)

// SchemaVersion is the layout of State written by this build. Older snapshots go through Migrate.
const SchemaVersion int64 = 3

type MilestoneStatus string

const (
	Locked         MilestoneStatus = "Locked"
	ProofSubmitted MilestoneStatus = "ProofSubmitted"
	Approved       MilestoneStatus = "Approved"
	Rejected       MilestoneStatus = "Rejected"
	Released       MilestoneStatus = "Released"
)

// Config is set by the creator and never changes after creation.
type Config struct {
	Title             string
	Description       string
	Name              string
	Slug              string
	Goal              poolmachine.Amount
	Currency          poolmachine.Currency
	Visibility        poolmachine.Visibility
	ApprovalMethod    poolmachine.ApprovalMethod
	ApprovalThreshold int64
	RiskTier          poolmachine.RiskTier
	PlatformFeeBps    poolmachine.BasisPoints
	FeeRecipient      poolmachine.Account
	Strategy          string
	StrategyRevision  int64
	PayoutAddress     poolmachine.Account
	Delegates         []poolmachine.Account
}

// Validate checks everything that does not depend on other components.
func (c Config) Validate() error {
	if c.Goal <= 0 {
		return poolmachine.ErrInvalidConfig.With("funding goal must be positive")
	}
	if !c.Currency.Valid() {
		return poolmachine.ErrInvalidConfig.With("unknown currency %q", c.Currency)
	}
	if !c.Visibility.Valid() {
		return poolmachine.ErrInvalidConfig.With("unknown visibility %q", c.Visibility)
	}
	if !c.ApprovalMethod.Valid() {
		return poolmachine.ErrInvalidConfig.With("unknown approval method %q", c.ApprovalMethod)
	}
	if !c.RiskTier.Valid() {
		return poolmachine.ErrInvalidConfig.With("unknown risk tier %d", c.RiskTier)
	}
	switch c.ApprovalMethod {
	case poolmachine.ApprovalPercentageThreshold:
		if c.ApprovalThreshold < 1 || c.ApprovalThreshold > poolmachine.MaxBasisPoints {
			return poolmachine.ErrInvalidConfig.With("threshold %d is not a usable percentage", c.ApprovalThreshold)
		}
	case poolmachine.ApprovalFixedVoteCount:
		if c.ApprovalThreshold < 1 {
			return poolmachine.ErrInvalidConfig.With("a fixed vote count needs at least one vote")
		}
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > poolmachine.MaxBasisPoints {
		return poolmachine.ErrInvalidConfig.With("platform fee %d out of range", c.PlatformFeeBps)
	}
	return nil
}

type MilestoneSpec struct {
	ID          string
	Title       string
	Description string
	Percentage  poolmachine.BasisPoints
}

// Ballot is a stake-weighted vote. Weights come from the snapshot taken when the ballot opened.
type Ballot struct {
	VotesFor       poolmachine.Amount
	VotesAgainst   poolmachine.Amount
	VotersFor      int64
	VotersAgainst  int64
	Votes          map[poolmachine.Account]Vote
	Snapshot       map[poolmachine.Account]poolmachine.Amount
	EligibleStake  poolmachine.Amount
	EligibleVoters int64
	OpenedAt       int64
	Deadline       int64
}

func (b *Ballot) remainingStake() poolmachine.Amount {
	return b.EligibleStake - b.VotesFor - b.VotesAgainst
}

func (b *Ballot) remainingVoters() int64 {
	return b.EligibleVoters - b.VotersFor - b.VotersAgainst
}

type Vote struct {
	Voter     poolmachine.Account
	Milestone string
	Support   bool
	Weight    poolmachine.Amount
	Timestamp int64
}

type Milestone struct {
	ID               string
	Title            string
	Description      string
	Percentage       poolmachine.BasisPoints
	Amount           poolmachine.Amount
	Status           MilestoneStatus
	Submitter        poolmachine.Account
	ProofURL         string
	ProofDescription string
	Ballot           Ballot
	SubmittedAt      int64
	ResolvedAt       int64
	Rejections       int64
	Revisions        []string //patches, each from the previous proof to the next
}

type Contribution struct {
	Contributor poolmachine.Account
	Amount      poolmachine.Amount
	Currency    poolmachine.Currency
	TxRef       string
	Source      string
	IdentityRef string
	Timestamp   int64
}

// Settings are copied from the engine configuration when the pool is created.
type Settings struct {
	VotingPeriodSeconds    int64
	MaxRejections          int64 //zero means unlimited
	CancelSupermajorityBps poolmachine.BasisPoints
}

// State is everything a pool owns. The shared Logic holds no per-pool data.
type State struct {
	SchemaVersion int64
	ID            poolmachine.PoolID
	Address       poolmachine.Account
	Creator       poolmachine.Account
	Operator      poolmachine.Account
	Config        Config
	Settings      Settings
	Status        registry.Status
	Milestones    []Milestone
	Contributions []Contribution
	Stakes        map[poolmachine.Account]poolmachine.Amount
	Contributors  []poolmachine.Account //in order of first contribution
	TxRefs        map[string]bool
	TotalRaised   poolmachine.Amount
	Yield         poolmachine.Amount
	Released      poolmachine.Amount
	Refunded      poolmachine.Amount
	FeesCharged   poolmachine.Amount
	Escrow        poolmachine.Amount
	Cancellation  *Ballot
	CreatedAt     int64
	Sequence      int64
}

// Stats is the read-only summary of a pool.
type Stats struct {
	TotalRaised        poolmachine.Amount
	MemberCount        int64
	MilestoneCount     int64
	ReleasedCount      int64
	FundingProgressBps poolmachine.BasisPoints
	Escrow             poolmachine.Amount
	Yield              poolmachine.Amount
	Released           poolmachine.Amount
	Refunded           poolmachine.Amount
	FeesCharged        poolmachine.Amount
}

type Summary struct {
	Count  int64
	Mean   float64
	Median float64
	Max    float64
}
