package registry

import (
	"poolmachine/poolmachine"
)

type Status string

const (
	Draft             Status = "Draft"
	PendingPayment    Status = "PendingPayment"
	PaymentProcessing Status = "PaymentProcessing"
	Active            Status = "Active"
	Completed         Status = "Completed"
	Cancelled         Status = "Cancelled"
)

func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Registration is what the factory hands over when a pool is created.
type Registration struct {
	PoolID      poolmachine.PoolID
	Address     poolmachine.Account //the pool's own principal, the only caller allowed to SetStatus
	Creator     poolmachine.Account
	Slug        string
	Title       string
	Description string
	Visibility  poolmachine.Visibility
	Timestamp   int64
}

// Record is the registry's metadata for a pool. Escrow accounting lives in the pool itself.
type Record struct {
	RecordID   string
	PoolID     poolmachine.PoolID
	Address    poolmachine.Account
	Creator    poolmachine.Account
	Slug       string
	Title      string
	Visibility poolmachine.Visibility
	Status     Status
	CreatedAt  int64
	Order      int64
	Keywords   []string
}
