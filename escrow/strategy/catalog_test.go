package strategy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolmachine/poolmachine"
)

const admin = "admin"

func seeded(t *testing.T) *Catalog {
	c := NewCatalog(admin)
	_, err := c.AddStrategy(admin, Descriptor{
		Name: "stable-lending", Type: "lending", Protocols: []string{"aave"},
		RiskTier: poolmachine.RiskLow, ExpectedAPY: 400, ManagementFee: 50, PerformanceFee: 1000,
	})
	require.NoError(t, err)
	_, err = c.AddStrategy(admin, Descriptor{
		Name: "balanced-lp", Type: "liquidity", Protocols: []string{"curve", "convex"},
		RiskTier: poolmachine.RiskMedium, ExpectedAPY: 600, ManagementFee: 100, PerformanceFee: 1500,
	})
	require.NoError(t, err)
	return c
}

func TestOptimalStrategyPicksHighestNetAPYWithinTier(t *testing.T) {
	c := seeded(t)

	name, err := c.GetOptimalStrategy(poolmachine.RiskMedium, 1_000_000, 90)
	require.NoError(t, err)
	assert.Equal(t, "balanced-lp", name)

	name, err = c.GetOptimalStrategy(poolmachine.RiskLow, 1_000_000, 90)
	require.NoError(t, err)
	assert.Equal(t, "stable-lending", name)
}

func TestOptimalStrategyTieBreaks(t *testing.T) {
	c := NewCatalog(admin)
	for _, d := range []Descriptor{
		{Name: "first", RiskTier: poolmachine.RiskLow, ExpectedAPY: 500, ManagementFee: 100, PerformanceFee: 900},
		{Name: "cheaper", RiskTier: poolmachine.RiskLow, ExpectedAPY: 450, ManagementFee: 50, PerformanceFee: 500},
		{Name: "same-as-cheaper", RiskTier: poolmachine.RiskLow, ExpectedAPY: 400, ManagementFee: 0, PerformanceFee: 500},
	} {
		_, err := c.AddStrategy(admin, d)
		require.NoError(t, err)
	}
	name, err := c.GetOptimalStrategy(poolmachine.RiskHigh, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "cheaper", name)
}

func TestOptimalStrategyRespectsMinimums(t *testing.T) {
	c := NewCatalog(admin)
	_, err := c.AddStrategy(admin, Descriptor{
		Name: "locked-vault", RiskTier: poolmachine.RiskLow, ExpectedAPY: 900,
		MinAmount: 10_000, MinDurationDays: 180,
	})
	require.NoError(t, err)

	_, err = c.GetOptimalStrategy(poolmachine.RiskLow, 9_999, 365)
	assert.ErrorIs(t, err, poolmachine.ErrNoEligibleStrategy)
	_, err = c.GetOptimalStrategy(poolmachine.RiskLow, 10_000, 179)
	assert.ErrorIs(t, err, poolmachine.ErrNoEligibleStrategy)

	name, err := c.GetOptimalStrategy(poolmachine.RiskLow, 10_000, 180)
	require.NoError(t, err)
	assert.Equal(t, "locked-vault", name)
}

func TestAddStrategyRequiresAdmin(t *testing.T) {
	c := NewCatalog(admin)
	_, err := c.AddStrategy("mallory", Descriptor{Name: "x", RiskTier: poolmachine.RiskLow})
	assert.ErrorIs(t, err, poolmachine.ErrUnauthorized)
	assert.Empty(t, c.List())
}

func TestAddStrategyRejectsBadDescriptor(t *testing.T) {
	c := NewCatalog(admin)
	_, err := c.AddStrategy(admin, Descriptor{Name: "x"})
	assert.ErrorIs(t, err, poolmachine.ErrInvalidConfig)
	_, err = c.AddStrategy(admin, Descriptor{Name: "y", RiskTier: poolmachine.RiskLow, ExpectedAPY: 10001})
	assert.ErrorIs(t, err, poolmachine.ErrInvalidConfig)
}

func TestRevisionsAreRetained(t *testing.T) {
	c := seeded(t)
	updated, err := c.AddStrategy(admin, Descriptor{
		Name: "stable-lending", RiskTier: poolmachine.RiskLow, ExpectedAPY: 800,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)

	latest, ok := c.Get("stable-lending")
	require.True(t, ok)
	assert.Equal(t, poolmachine.BasisPoints(800), latest.ExpectedAPY)

	first, ok := c.Revision("stable-lending", 1)
	require.True(t, ok)
	assert.Equal(t, poolmachine.BasisPoints(400), first.ExpectedAPY)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "stable-lending", list[0].Name)

	// the update now outranks the medium-risk strategy
	name, err := c.GetOptimalStrategy(poolmachine.RiskMedium, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "stable-lending", name)
}

func TestSaveRestore(t *testing.T) {
	c := seeded(t)
	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	restored := NewCatalog(admin)
	require.NoError(t, restored.Restore(&buf))
	assert.Equal(t, c.StateHash().Hash, restored.StateHash().Hash)
	assert.Equal(t, c.List(), restored.List())

	_, err := restored.AddStrategy(admin, Descriptor{Name: "new", RiskTier: poolmachine.RiskHigh})
	require.NoError(t, err)
	d, _ := restored.Get("new")
	assert.Equal(t, int64(2), d.Order)
}
