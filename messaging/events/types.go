package events

import (
	"poolmachine/poolmachine"
)

// Kind numbers are the nostr kinds the relay publishes each event under.
type Kind int64

const (
	KindPoolCreated             Kind = 641100
	KindContributionRecorded    Kind = 641102
	KindMilestoneProofSubmitted Kind = 641104
	KindMilestoneResolved       Kind = 641106
	KindFundsReleased           Kind = 641108
	KindPoolCancelled           Kind = 641110
	KindPoolStatusChanged       Kind = 641112
	KindVoteCast                Kind = 641114
	KindYieldAccrued            Kind = 641116
	KindRefundIssued            Kind = 641118
	KindPlatformFeeCharged      Kind = 641120
)

var kindNames = map[Kind]string{
	KindPoolCreated:             "PoolCreated",
	KindContributionRecorded:    "ContributionRecorded",
	KindMilestoneProofSubmitted: "MilestoneProofSubmitted",
	KindMilestoneResolved:       "MilestoneResolved",
	KindFundsReleased:           "FundsReleased",
	KindPoolCancelled:           "PoolCancelled",
	KindPoolStatusChanged:       "PoolStatusChanged",
	KindVoteCast:                "VoteCast",
	KindYieldAccrued:            "YieldAccrued",
	KindRefundIssued:            "RefundIssued",
	KindPlatformFeeCharged:      "PlatformFeeCharged",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Event is one lifecycle fact about a pool. Sequence is the pool's state sequence after the
// operation that produced it, so (PoolID, Sequence, Kind) identifies an event.
type Event struct {
	Kind      Kind
	PoolID    poolmachine.PoolID
	Sequence  int64
	Timestamp int64
	Body      interface{}
}

// ID is stable across re-deliveries of the same event.
func (e Event) ID() string {
	return poolmachine.Sha256(e.PoolID + ":" + e.Kind.String() + ":" + itoa(e.Sequence) + ":" + bodyKey(e.Body))
}

type PoolCreated struct {
	PoolID    poolmachine.PoolID  `json:"poolId"`
	Creator   poolmachine.Account `json:"creator"`
	Slug      string              `json:"slug"`
	Timestamp int64               `json:"timestamp"`
}

type ContributionRecorded struct {
	PoolID      poolmachine.PoolID   `json:"poolId"`
	Contributor poolmachine.Account  `json:"contributor"`
	Amount      poolmachine.Amount   `json:"amount"`
	Currency    poolmachine.Currency `json:"currency"`
	TxRef       string               `json:"txRef"`
}

type MilestoneProofSubmitted struct {
	PoolID      poolmachine.PoolID `json:"poolId"`
	MilestoneID string             `json:"milestoneId"`
	ProofURL    string             `json:"proofUrl"`
}

type MilestoneResolved struct {
	PoolID       poolmachine.PoolID `json:"poolId"`
	MilestoneID  string             `json:"milestoneId"`
	Approved     bool               `json:"approved"`
	VotesFor     poolmachine.Amount `json:"votesFor"`
	VotesAgainst poolmachine.Amount `json:"votesAgainst"`
}

type FundsReleased struct {
	PoolID      poolmachine.PoolID  `json:"poolId"`
	MilestoneID string              `json:"milestoneId"`
	Amount      poolmachine.Amount  `json:"amount"`
	Recipient   poolmachine.Account `json:"recipient"`
}

type PoolCancelled struct {
	PoolID      poolmachine.PoolID `json:"poolId"`
	RefundTotal poolmachine.Amount `json:"refundTotal"`
}

type PoolStatusChanged struct {
	PoolID poolmachine.PoolID `json:"poolId"`
	From   string             `json:"from"`
	To     string             `json:"to"`
}

type VoteCast struct {
	PoolID      poolmachine.PoolID  `json:"poolId"`
	MilestoneID string              `json:"milestoneId"`
	Voter       poolmachine.Account `json:"voter"`
	Support     bool                `json:"support"`
	Weight      poolmachine.Amount  `json:"weight"`
}

type YieldAccrued struct {
	PoolID poolmachine.PoolID `json:"poolId"`
	Amount poolmachine.Amount `json:"amount"`
}

type PlatformFeeCharged struct {
	PoolID    poolmachine.PoolID  `json:"poolId"`
	Recipient poolmachine.Account `json:"recipient"`
	Amount    poolmachine.Amount  `json:"amount"`
	Yield     poolmachine.Amount  `json:"yield"`
}

type RefundIssued struct {
	PoolID      poolmachine.PoolID  `json:"poolId"`
	Contributor poolmachine.Account `json:"contributor"`
	Amount      poolmachine.Amount  `json:"amount"`
}
