package conductor

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"poolmachine/escrow/pool"
	"poolmachine/poolmachine"
)

// Config is the engine's view of the viper settings registered by poolmachine.SetDefaults.
type Config struct {
	Admin                  poolmachine.Account
	Operator               poolmachine.Account
	Treasury               poolmachine.Account
	CreationFee            poolmachine.Amount
	MaxPoolsPerCreator     int64
	VotingPeriod           time.Duration
	MaxRejections          int64
	CancelSupermajorityBps poolmachine.BasisPoints
	MirrorBuffer           int
	MirrorWait             time.Duration
	BloomCapacity          uint
}

func LoadConfig(v *viper.Viper) (c Config, err error) {
	c.Admin = v.GetString("admin")
	c.Operator = v.GetString("operator")
	c.Treasury = v.GetString("treasury")
	if c.CreationFee, err = cast.ToInt64E(v.Get("creationFee")); err != nil {
		return c, fmt.Errorf("creationFee: %w", err)
	}
	if c.MaxPoolsPerCreator, err = cast.ToInt64E(v.Get("maxPoolsPerCreator")); err != nil {
		return c, fmt.Errorf("maxPoolsPerCreator: %w", err)
	}
	if c.VotingPeriod, err = cast.ToDurationE(v.Get("votingPeriod")); err != nil {
		return c, fmt.Errorf("votingPeriod: %w", err)
	}
	if c.MaxRejections, err = cast.ToInt64E(v.Get("maxRejections")); err != nil {
		return c, fmt.Errorf("maxRejections: %w", err)
	}
	if c.CancelSupermajorityBps, err = cast.ToInt64E(v.Get("cancelSupermajorityBps")); err != nil {
		return c, fmt.Errorf("cancelSupermajorityBps: %w", err)
	}
	if c.MirrorBuffer, err = cast.ToIntE(v.Get("mirrorBuffer")); err != nil {
		return c, fmt.Errorf("mirrorBuffer: %w", err)
	}
	if c.MirrorWait, err = cast.ToDurationE(v.Get("mirrorWait")); err != nil {
		return c, fmt.Errorf("mirrorWait: %w", err)
	}
	if c.BloomCapacity, err = cast.ToUintE(v.Get("bloomCapacity")); err != nil {
		return c, fmt.Errorf("bloomCapacity: %w", err)
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.CreationFee < 0 {
		return fmt.Errorf("creationFee cannot be negative")
	}
	if c.MaxPoolsPerCreator < 1 {
		return fmt.Errorf("maxPoolsPerCreator must be at least 1")
	}
	if c.VotingPeriod < time.Second {
		return fmt.Errorf("votingPeriod must be at least a second")
	}
	if c.MirrorWait < 0 {
		return fmt.Errorf("mirrorWait cannot be negative")
	}
	if c.MaxRejections < 0 {
		return fmt.Errorf("maxRejections cannot be negative")
	}
	if c.CancelSupermajorityBps <= 0 || c.CancelSupermajorityBps > poolmachine.MaxBasisPoints {
		return fmt.Errorf("cancelSupermajorityBps must be between 1 and %d", poolmachine.MaxBasisPoints)
	}
	return nil
}

func (c Config) poolSettings() pool.Settings {
	return pool.Settings{
		VotingPeriodSeconds:    int64(c.VotingPeriod / time.Second),
		MaxRejections:          c.MaxRejections,
		CancelSupermajorityBps: c.CancelSupermajorityBps,
	}
}
