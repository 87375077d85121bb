package pool

import (
	"context"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolmachine/escrow/ledger"
	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

const (
	creator  = "creator"
	operator = "operator"
	address  = "pool:p1"
	native   = poolmachine.CurrencyNative
)

type fixture struct {
	t        *testing.T
	pool     *Pool
	ledger   *ledger.Ledger
	registry *registry.Registry
	events   *events.Recorder
	shared   *Shared
	now      int64
	paused   bool
}

type option func(g *Genesis)

func withMethod(m poolmachine.ApprovalMethod, threshold int64) option {
	return func(g *Genesis) {
		g.Config.ApprovalMethod = m
		g.Config.ApprovalThreshold = threshold
	}
}

func withMaxRejections(n int64) option {
	return func(g *Genesis) { g.Settings.MaxRejections = n }
}

func testConfig() Config {
	return Config{
		Title:             "Community garden",
		Slug:              "garden",
		Goal:              100,
		Currency:          native,
		Visibility:        poolmachine.VisibilityPublic,
		ApprovalMethod:    poolmachine.ApprovalPercentageThreshold,
		ApprovalThreshold: 6000,
		RiskTier:          poolmachine.RiskLow,
	}
}

func newFixture(t *testing.T, opts ...option) *fixture {
	f := &fixture{
		t:        t,
		ledger:   ledger.New(),
		registry: registry.New(10),
		events:   &events.Recorder{},
		shared:   NewShared(nil),
		now:      1_700_000_000,
	}
	g := Genesis{
		ID:       "p1",
		Address:  address,
		Creator:  creator,
		Operator: operator,
		Config:   testConfig(),
		Milestones: []MilestoneSpec{
			{ID: "m1", Title: "Beds", Percentage: 5000},
			{ID: "m2", Title: "Shed", Percentage: 5000},
		},
		Settings: Settings{
			VotingPeriodSeconds:    3600,
			MaxRejections:          3,
			CancelSupermajorityBps: 6667,
		},
	}
	for _, o := range opts {
		o(&g)
	}
	_, err := f.registry.Register(registry.Registration{
		PoolID: g.ID, Address: g.Address, Creator: g.Creator, Slug: g.Config.Slug, Visibility: g.Config.Visibility,
	})
	require.NoError(t, err)
	f.pool, err = New(g, f.deps(f.ledger))
	require.NoError(t, err)
	return f
}

func (f *fixture) deps(custody Custody) Deps {
	return Deps{
		Shared:   f.shared,
		Custody:  custody,
		Registry: f.registry,
		Events:   f.events,
		Paused:   func() bool { return f.paused },
		Now:      func() int64 { return f.now },
	}
}

func (f *fixture) activate() *fixture {
	ctx := context.Background()
	require.NoError(f.t, f.pool.BeginPayment(ctx, creator))
	require.NoError(f.t, f.pool.MarkPaymentProcessing(ctx, operator))
	require.NoError(f.t, f.pool.ConfirmPayment(ctx, creator))
	return f
}

func (f *fixture) contribute(who poolmachine.Account, amount poolmachine.Amount) {
	require.NoError(f.t, f.pool.RecordContribution(context.Background(), Contribution{
		Contributor: who, Amount: amount, Currency: native,
	}))
}

// stakes10_20_70 is the three-contributor pool used across scenarios.
func (f *fixture) stakes10_20_70() *fixture {
	f.contribute("a", 10)
	f.contribute("b", 20)
	f.contribute("c", 70)
	return f
}

func (f *fixture) milestone(id string) Milestone {
	for _, m := range f.pool.Milestones() {
		if m.ID == id {
			return m
		}
	}
	f.t.Fatalf("no milestone %s", id)
	return Milestone{}
}

func TestNewPoolStartsInDraftWithLockedMilestones(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, registry.Draft, f.pool.Status())
	for _, m := range f.pool.Milestones() {
		assert.Equal(t, Locked, m.Status)
		assert.Equal(t, poolmachine.Amount(50), m.Amount)
	}
}

func TestMilestoneAmountsSumToGoal(t *testing.T) {
	f := &fixture{t: t, ledger: ledger.New(), shared: NewShared(nil)}
	cfg := testConfig()
	cfg.Goal = 1000
	p, err := New(Genesis{ID: "odd", Address: "pool:odd", Creator: creator, Config: cfg, Milestones: []MilestoneSpec{
		{ID: "a", Percentage: 3333}, {ID: "b", Percentage: 3333}, {ID: "c", Percentage: 3334},
	}}, Deps{Shared: f.shared, Custody: f.ledger})
	require.NoError(t, err)
	var sum poolmachine.Amount
	for _, m := range p.Milestones() {
		sum += m.Amount
	}
	assert.Equal(t, poolmachine.Amount(1000), sum)
	assert.Equal(t, creator, p.State().Config.PayoutAddress)
}

func TestValidateSplit(t *testing.T) {
	assert.ErrorIs(t, ValidateSplit(nil), poolmachine.ErrInvalidMilestoneSplit)
	assert.ErrorIs(t, ValidateSplit([]MilestoneSpec{{ID: "a", Percentage: 9999}}), poolmachine.ErrInvalidMilestoneSplit)
	assert.ErrorIs(t, ValidateSplit([]MilestoneSpec{{ID: "a", Percentage: 10000}, {ID: "b", Percentage: 0}}), poolmachine.ErrInvalidMilestoneSplit)
	assert.ErrorIs(t, ValidateSplit([]MilestoneSpec{{ID: "a", Percentage: 5000}, {ID: "a", Percentage: 5000}}), poolmachine.ErrInvalidMilestoneSplit)
	assert.NoError(t, ValidateSplit([]MilestoneSpec{{ID: "a", Percentage: 10000}}))
}

func TestPaymentBridge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.ErrorIs(t, f.pool.BeginPayment(ctx, "stranger"), poolmachine.ErrUnauthorized)
	assert.ErrorIs(t, f.pool.ConfirmPayment(ctx, creator), poolmachine.ErrInvalidPoolState)
	f.activate()
	assert.Equal(t, registry.Active, f.pool.Status())

	rec, ok := f.registry.Get("p1")
	require.True(t, ok)
	assert.Equal(t, registry.Active, rec.Status)
	assert.Len(t, f.events.OfKind(events.KindPoolStatusChanged), 3)
}

func TestFailPaymentCancelsWithoutRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.pool.BeginPayment(ctx, creator))
	require.NoError(t, f.pool.FailPayment(ctx, operator))
	assert.Equal(t, registry.Cancelled, f.pool.Status())
	assert.Empty(t, f.events.OfKind(events.KindRefundIssued))
	assert.ErrorIs(t, f.pool.FailPayment(ctx, operator), poolmachine.ErrInvalidPoolState)
}

func TestRecordContribution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	err := f.pool.RecordContribution(ctx, Contribution{Contributor: "a", Amount: 5, Currency: native})
	assert.ErrorIs(t, err, poolmachine.ErrInvalidPoolState)

	f.activate()
	require.NoError(t, f.pool.RecordContribution(ctx, Contribution{Contributor: "a", Amount: 5, Currency: native, TxRef: "tx1"}))
	assert.ErrorIs(t, f.pool.RecordContribution(ctx, Contribution{Contributor: "b", Amount: 5, Currency: native, TxRef: "tx1"}), poolmachine.ErrDuplicateTxRef)
	assert.ErrorIs(t, f.pool.RecordContribution(ctx, Contribution{Contributor: "b", Amount: 0, Currency: native}), poolmachine.ErrInvalidAmount)
	assert.ErrorIs(t, f.pool.RecordContribution(ctx, Contribution{Contributor: "b", Amount: 5, Currency: poolmachine.CurrencyStableA}), poolmachine.ErrInvalidConfig)

	f.contribute("a", 200)
	stats := f.pool.Stats()
	assert.Equal(t, poolmachine.Amount(205), stats.TotalRaised)
	assert.Equal(t, int64(1), stats.MemberCount)
	assert.Equal(t, poolmachine.MaxBasisPoints, stats.FundingProgressBps)
	assert.Equal(t, registry.Active, f.pool.Status())
	assert.Equal(t, poolmachine.Amount(205), f.ledger.Balance(address, native))
	assert.Len(t, f.events.OfKind(events.KindContributionRecorded), 2)
}

func TestAccrueYieldIsOperatorOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate()
	assert.ErrorIs(t, f.pool.AccrueYield(ctx, creator, 5), poolmachine.ErrUnauthorized)
	require.NoError(t, f.pool.AccrueYield(ctx, operator, 5))
	stats := f.pool.Stats()
	assert.Equal(t, poolmachine.Amount(5), stats.Yield)
	assert.Equal(t, poolmachine.Amount(5), stats.Escrow)
	assert.Zero(t, stats.TotalRaised)
}

func TestThresholdApprovalWithoutEveryoneVoting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withMethod(poolmachine.ApprovalPercentageThreshold, 6000)).activate().stakes10_20_70()

	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "https://proof/1", "beds built", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "c", true))

	m := f.milestone("m1")
	assert.Equal(t, Released, m.Status)
	resolved := f.events.OfKind(events.KindMilestoneResolved)
	require.Len(t, resolved, 1)
	body := resolved[0].Body.(events.MilestoneResolved)
	assert.True(t, body.Approved)
	assert.Equal(t, poolmachine.Amount(70), body.VotesFor)

	assert.Equal(t, poolmachine.Amount(50), f.ledger.Balance(creator, native))
	assert.Equal(t, poolmachine.Amount(50), f.pool.Stats().Escrow)
	assert.ErrorIs(t, f.pool.CastVote(ctx, "m1", "a", true), poolmachine.ErrInvalidMilestoneState)
}

func TestMajorityCountsParticipantsNotStake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withMethod(poolmachine.ApprovalMajority, 0)).activate().stakes10_20_70()

	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "https://proof/1", "beds built", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "c", true))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "a", false))
	assert.Equal(t, ProofSubmitted, f.milestone("m1").Status)
	require.NoError(t, f.pool.CastVote(ctx, "m1", "b", false))

	m := f.milestone("m1")
	assert.Equal(t, Locked, m.Status)
	assert.Equal(t, int64(1), m.Rejections)
	resolved := f.events.OfKind(events.KindMilestoneResolved)
	require.Len(t, resolved, 1)
	assert.False(t, resolved[0].Body.(events.MilestoneResolved).Approved)
	assert.Equal(t, poolmachine.Amount(100), f.pool.Stats().Escrow)

	// rejected milestones can be resubmitted
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "https://proof/2", "beds built, photos attached", "a"))
}

func TestCancelActivePoolRefundsProRata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate().stakes10_20_70()

	cancelled, err := f.pool.CancelPool(ctx, "c")
	require.NoError(t, err)
	assert.True(t, cancelled)

	stats := f.pool.Stats()
	assert.Equal(t, poolmachine.Amount(100), stats.TotalRaised)
	assert.Zero(t, stats.Escrow)
	assert.Equal(t, poolmachine.Amount(100), stats.Refunded)
	assert.Equal(t, poolmachine.Amount(10), f.ledger.Balance("a", native))
	assert.Equal(t, poolmachine.Amount(20), f.ledger.Balance("b", native))
	assert.Equal(t, poolmachine.Amount(70), f.ledger.Balance("c", native))
	assert.Zero(t, f.ledger.Balance(address, native))

	cancelledEvents := f.events.OfKind(events.KindPoolCancelled)
	require.Len(t, cancelledEvents, 1)
	assert.Equal(t, poolmachine.Amount(100), cancelledEvents[0].Body.(events.PoolCancelled).RefundTotal)
	rec, _ := f.registry.Get("p1")
	assert.Equal(t, registry.Cancelled, rec.Status)
}

func TestCancellationBallotNeedsSupermajority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate()
	f.contribute("x", 60)
	f.contribute("y", 40)

	cancelled, err := f.pool.CancelPool(ctx, "x")
	require.NoError(t, err)
	assert.False(t, cancelled)
	_, err = f.pool.CancelPool(ctx, "x")
	assert.ErrorIs(t, err, poolmachine.ErrAlreadyVoted)
	_, err = f.pool.CancelPool(ctx, "nobody")
	assert.ErrorIs(t, err, poolmachine.ErrNotAContributor)

	cancelled, err = f.pool.CancelPool(ctx, "y")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, poolmachine.Amount(60), f.ledger.Balance("x", native))
}

func TestExhaustedResubmissionsLowerCancellationThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withMethod(poolmachine.ApprovalMajority, 0), withMaxRejections(1)).activate()
	f.contribute("x", 60)
	f.contribute("y", 40)

	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "x", true))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "y", false))
	assert.Equal(t, Locked, f.milestone("m1").Status)

	err := f.pool.SubmitMilestoneProof(ctx, "m1", "u2", "d2", creator)
	assert.ErrorIs(t, err, poolmachine.ErrResubmissionLimit)

	cancelled, err := f.pool.CancelPool(ctx, "x")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCreatorOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withMethod(poolmachine.ApprovalCreatorOnly, 0)).activate().stakes10_20_70()

	assert.ErrorIs(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", "c"), poolmachine.ErrUnauthorized)
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))
	assert.ErrorIs(t, f.pool.CastVote(ctx, "m1", "c", true), poolmachine.ErrUnauthorized)
	require.NoError(t, f.pool.CastVote(ctx, "m1", creator, true))
	assert.Equal(t, Released, f.milestone("m1").Status)

	_, err := f.pool.CancelPool(ctx, "c")
	assert.ErrorIs(t, err, poolmachine.ErrUnauthorized)
	cancelled, err := f.pool.CancelPool(ctx, creator)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, poolmachine.Amount(35), f.ledger.Balance("c", native))
}

func TestFixedVoteCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withMethod(poolmachine.ApprovalFixedVoteCount, 2)).activate().stakes10_20_70()
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "a", true))
	assert.Equal(t, ProofSubmitted, f.milestone("m1").Status)
	require.NoError(t, f.pool.CastVote(ctx, "m1", "b", true))
	assert.Equal(t, Released, f.milestone("m1").Status)
}

func TestVoteWeightIsSnapshotAtSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate().stakes10_20_70()
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))

	f.contribute("late", 500)
	f.contribute("a", 500)
	assert.ErrorIs(t, f.pool.CastVote(ctx, "m1", "late", true), poolmachine.ErrNotAContributor)
	require.NoError(t, f.pool.CastVote(ctx, "m1", "a", true))
	assert.ErrorIs(t, f.pool.CastVote(ctx, "m1", "a", true), poolmachine.ErrAlreadyVoted)

	m := f.milestone("m1")
	assert.Equal(t, poolmachine.Amount(10), m.Ballot.VotesFor)
	assert.Equal(t, poolmachine.Amount(100), m.Ballot.EligibleStake)
}

func TestResolveAfterDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate().stakes10_20_70()
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "b", true))

	assert.ErrorIs(t, f.pool.ResolveMilestone(ctx, "anyone", "m1"), poolmachine.ErrVotingOpen)
	f.now += 3600
	assert.ErrorIs(t, f.pool.CastVote(ctx, "m1", "c", true), poolmachine.ErrInvalidMilestoneState)
	require.NoError(t, f.pool.ResolveMilestone(ctx, "anyone", "m1"))
	m := f.milestone("m1")
	assert.Equal(t, Locked, m.Status)
	assert.Equal(t, int64(1), m.Rejections)
}

func TestSubmitMilestoneProofChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.ErrorIs(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator), poolmachine.ErrInvalidPoolState)
	f.activate().stakes10_20_70()
	assert.ErrorIs(t, f.pool.SubmitMilestoneProof(ctx, "nope", "u", "d", creator), poolmachine.ErrUnknownMilestone)
	assert.ErrorIs(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", "stranger"), poolmachine.ErrUnauthorized)
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", "b"))
	assert.ErrorIs(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator), poolmachine.ErrInvalidMilestoneState)
}

func TestProofHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withMethod(poolmachine.ApprovalMajority, 0)).activate().stakes10_20_70()
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "https://proof/1", "first draft", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "a", false))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "b", false))
	require.Equal(t, Locked, f.milestone("m1").Status)
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "https://proof/2", "second draft", creator))

	history, err := f.pool.ProofHistory("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://proof/1\nfirst draft", "https://proof/2\nsecond draft"}, history)
}

func TestProofHistoryRefusesRevisionsThatDoNotApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate()
	f.contribute("a", 10)
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))

	dmp := diffmatchpatch.New()
	foreign := dmp.PatchToText(dmp.PatchMake(
		"https://elsewhere/proof\na description this milestone never had",
		"https://elsewhere/proof\na different description this milestone never had",
	))
	s := f.pool.State()
	s.Milestones[0].Revisions = append(s.Milestones[0].Revisions, foreign)
	p, err := Restore(&s, f.deps(f.ledger))
	require.NoError(t, err)

	_, err = p.ProofHistory("m1")
	assert.Error(t, err)
}

func TestApprovedMilestoneWaitsForEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate()
	f.contribute("a", 30)
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))
	require.NoError(t, f.pool.CastVote(ctx, "m1", "a", true))
	assert.Equal(t, Approved, f.milestone("m1").Status)

	assert.ErrorIs(t, f.pool.ReleaseMilestone(ctx, creator, "m1"), poolmachine.ErrInsufficientEscrow)
	assert.ErrorIs(t, f.pool.ReleaseMilestone(ctx, "a", "m1"), poolmachine.ErrUnauthorized)
	f.contribute("b", 30)
	require.NoError(t, f.pool.ReleaseMilestone(ctx, operator, "m1"))
	assert.Equal(t, Released, f.milestone("m1").Status)
	assert.Equal(t, poolmachine.Amount(10), f.pool.Stats().Escrow)
}

func TestLastReleaseCompletesAndRefundsSurplus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate()
	f.contribute("a", 40)
	f.contribute("b", 80)
	require.NoError(t, f.pool.AccrueYield(ctx, operator, 30))

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, f.pool.SubmitMilestoneProof(ctx, id, "u", "d", creator))
		require.NoError(t, f.pool.CastVote(ctx, id, "b", true))
	}
	assert.Equal(t, registry.Completed, f.pool.Status())
	stats := f.pool.Stats()
	assert.Zero(t, stats.Escrow)
	assert.Equal(t, poolmachine.Amount(100), stats.Released)
	assert.Equal(t, poolmachine.Amount(50), stats.Refunded)
	assert.Equal(t, int64(2), stats.ReleasedCount)
	// 50 surplus split 40:80
	assert.Equal(t, poolmachine.Amount(17), f.ledger.Balance("a", native))
	assert.Equal(t, poolmachine.Amount(33), f.ledger.Balance("b", native))
	assert.Equal(t, poolmachine.Amount(100), f.ledger.Balance(creator, native))
}

type recordingCustody struct {
	*ledger.Ledger
	batches [][]ledger.Transfer
}

func (c *recordingCustody) Execute(ctx context.Context, transfers []ledger.Transfer) error {
	c.batches = append(c.batches, transfers)
	return c.Ledger.Execute(ctx, transfers)
}

func withPlatformFee(bps poolmachine.BasisPoints) option {
	return func(g *Genesis) {
		g.Config.PlatformFeeBps = bps
		g.Config.FeeRecipient = "platform"
		g.Config.PayoutAddress = "workshop"
	}
}

func TestReleasePaysExactlyTheMilestoneAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	custody := &recordingCustody{Ledger: f.ledger}
	cfg := testConfig()
	cfg.Slug = "workshop"
	cfg.PlatformFeeBps = 500
	cfg.FeeRecipient = "platform"
	cfg.PayoutAddress = "workshop"
	p, err := New(Genesis{
		ID: "p2", Address: "pool:p2", Creator: creator, Operator: operator, Config: cfg,
		Milestones: []MilestoneSpec{{ID: "m1", Percentage: 5000}, {ID: "m2", Percentage: 5000}},
	}, f.deps(custody))
	require.NoError(t, err)
	require.NoError(t, p.BeginPayment(ctx, creator))
	require.NoError(t, p.MarkPaymentProcessing(ctx, creator))
	require.NoError(t, p.ConfirmPayment(ctx, creator))
	for who, amount := range map[poolmachine.Account]poolmachine.Amount{"a": 10, "b": 20, "c": 70} {
		require.NoError(t, p.RecordContribution(ctx, Contribution{Contributor: who, Amount: amount, Currency: native}))
	}
	require.NoError(t, p.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))

	custody.batches = nil
	require.NoError(t, p.CastVote(ctx, "m1", "c", true))
	require.Len(t, custody.batches, 1)
	require.Len(t, custody.batches[0], 1)
	transfer := custody.batches[0][0]
	assert.Equal(t, poolmachine.Account("pool:p2"), transfer.From)
	assert.Equal(t, poolmachine.Account("workshop"), transfer.To)
	assert.Equal(t, poolmachine.Amount(50), transfer.Amount)

	assert.Equal(t, poolmachine.Amount(50), f.ledger.Balance("workshop", native))
	assert.Zero(t, f.ledger.Balance("platform", native))
	released := f.events.OfKind(events.KindFundsReleased)
	require.Len(t, released, 1)
	assert.Equal(t, poolmachine.Amount(50), released[0].Body.(events.FundsReleased).Amount)
	assert.Empty(t, f.events.OfKind(events.KindPlatformFeeCharged))
}

func TestPlatformFeeComesOutOfYield(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withPlatformFee(1000)).activate()
	f.contribute("a", 40)
	f.contribute("b", 80)
	require.NoError(t, f.pool.AccrueYield(ctx, operator, 30))

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, f.pool.SubmitMilestoneProof(ctx, id, "u", "d", creator))
		require.NoError(t, f.pool.CastVote(ctx, id, "b", true))
	}
	assert.Equal(t, registry.Completed, f.pool.Status())
	assert.Equal(t, poolmachine.Amount(100), f.ledger.Balance("workshop", native))
	assert.Equal(t, poolmachine.Amount(3), f.ledger.Balance("platform", native))
	// 47 surplus split 40:80
	assert.Equal(t, poolmachine.Amount(16), f.ledger.Balance("a", native))
	assert.Equal(t, poolmachine.Amount(31), f.ledger.Balance("b", native))

	stats := f.pool.Stats()
	assert.Zero(t, stats.Escrow)
	assert.Equal(t, poolmachine.Amount(3), stats.FeesCharged)
	assert.Equal(t, poolmachine.Amount(47), stats.Refunded)
	charged := f.events.OfKind(events.KindPlatformFeeCharged)
	require.Len(t, charged, 1)
	assert.Equal(t, events.PlatformFeeCharged{PoolID: "p1", Recipient: "platform", Amount: 3, Yield: 30}, charged[0].Body)
}

func TestCancellationWithoutYieldChargesNoFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withPlatformFee(1000)).activate().stakes10_20_70()
	cancelled, err := f.pool.CancelPool(ctx, "c")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Zero(t, f.ledger.Balance("platform", native))
	assert.Equal(t, poolmachine.Amount(100), f.pool.Stats().Refunded)
}

func TestPoolWithoutStakeCancelsOutright(t *testing.T) {
	ctx := context.Background()
	for _, who := range []poolmachine.Account{creator, operator} {
		f := newFixture(t).activate()
		_, err := f.pool.CancelPool(ctx, "stranger")
		assert.ErrorIs(t, err, poolmachine.ErrUnauthorized)

		cancelled, err := f.pool.CancelPool(ctx, who)
		require.NoError(t, err)
		assert.True(t, cancelled, who)
		assert.Equal(t, registry.Cancelled, f.pool.Status())
		rec, _ := f.registry.Get("p1")
		assert.Equal(t, registry.Cancelled, rec.Status)
	}
}

func TestFailedTransferRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate().stakes10_20_70()
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))
	before := f.pool.StateHash().Hash
	emitted := len(f.events.Events())

	f.ledger.Freeze(creator)
	err := f.pool.CastVote(ctx, "m1", "c", true)
	assert.ErrorIs(t, err, poolmachine.ErrTransferFailed)
	assert.Equal(t, before, f.pool.StateHash().Hash)
	assert.Equal(t, ProofSubmitted, f.milestone("m1").Status)
	assert.Empty(t, f.milestone("m1").Ballot.Votes)
	assert.Len(t, f.events.Events(), emitted)

	f.ledger.Unfreeze(creator)
	require.NoError(t, f.pool.CastVote(ctx, "m1", "c", true))
	assert.Equal(t, Released, f.milestone("m1").Status)
}

type reentrantCustody struct {
	*ledger.Ledger
	pool     *Pool
	nested   error
	observed Stats
}

func (c *reentrantCustody) Execute(ctx context.Context, transfers []ledger.Transfer) error {
	if c.pool != nil {
		c.observed = c.pool.Stats()
		c.nested = c.pool.RecordContribution(ctx, Contribution{Contributor: "evil", Amount: 1, Currency: native})
	}
	return c.Ledger.Execute(ctx, transfers)
}

func TestReentrantCallsAreBlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	custody := &reentrantCustody{Ledger: f.ledger}
	p, err := New(Genesis{
		ID: "p2", Address: "pool:p2", Creator: creator, Operator: operator, Config: testConfig(),
		Milestones: []MilestoneSpec{{ID: "m1", Percentage: 10000}},
	}, f.deps(custody))
	require.NoError(t, err)
	require.NoError(t, p.BeginPayment(ctx, creator))
	require.NoError(t, p.MarkPaymentProcessing(ctx, creator))
	require.NoError(t, p.ConfirmPayment(ctx, creator))

	custody.pool = p
	require.NoError(t, p.RecordContribution(ctx, Contribution{Contributor: "a", Amount: 10, Currency: native}))
	assert.ErrorIs(t, custody.nested, poolmachine.ErrReentrancyBlocked)
	assert.Equal(t, poolmachine.Amount(10), custody.observed.TotalRaised)
	assert.Equal(t, poolmachine.Amount(10), p.Stats().TotalRaised)
}

func TestPauseBlocksEverythingButCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate().stakes10_20_70()
	f.paused = true
	assert.ErrorIs(t, f.pool.RecordContribution(ctx, Contribution{Contributor: "a", Amount: 1, Currency: native}), poolmachine.ErrPaused)
	assert.ErrorIs(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator), poolmachine.ErrPaused)
	cancelled, err := f.pool.CancelPool(ctx, "c")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

type approveEverything struct{ Standard }

func (approveEverything) Version() int64 { return 2 }

func (approveEverything) Tally(Rule, *Ballot, bool) Outcome { return Approve }

func TestLogicUpgradeAppliesToExistingPools(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).activate().stakes10_20_70()
	require.NoError(t, f.pool.SubmitMilestoneProof(ctx, "m1", "u", "d", creator))

	previous := f.shared.Swap(approveEverything{})
	assert.Equal(t, int64(1), previous.Version())
	require.NoError(t, f.pool.CastVote(ctx, "m1", "a", true))
	assert.Equal(t, Released, f.milestone("m1").Status)
}

func TestAllocateLargestRemainder(t *testing.T) {
	parts := Standard{}.Allocate(100, []Share{{"a", 1}, {"b", 1}, {"c", 1}})
	assert.Equal(t, []poolmachine.Amount{34, 33, 33}, parts)

	parts = Standard{}.Allocate(10, []Share{{"a", 1}, {"b", 2}})
	assert.Equal(t, []poolmachine.Amount{3, 7}, parts)

	assert.Equal(t, []poolmachine.Amount{0, 0}, Standard{}.Allocate(10, []Share{{"a", 0}, {"b", 0}}))
}

func TestContributionSummary(t *testing.T) {
	f := newFixture(t).activate()
	assert.Equal(t, Summary{}, f.pool.ContributionSummary())
	f.stakes10_20_70()
	s := f.pool.ContributionSummary()
	assert.Equal(t, int64(3), s.Count)
	assert.InDelta(t, 33.33, s.Mean, 0.01)
	assert.Equal(t, 20.0, s.Median)
	assert.Equal(t, 70.0, s.Max)
}
