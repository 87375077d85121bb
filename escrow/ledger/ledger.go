/*
Package ledger is the custody ledger. It holds balances per account and currency and executes
batches of transfers atomically: either every transfer in a batch applies or none does.
*/
package ledger

import (
	"context"
	"fmt"
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/sasha-s/go-deadlock"

	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// External is the source of funds that arrive from outside the ledger (payments, yield).
const External poolmachine.Account = ""

type Transfer struct {
	From     poolmachine.Account
	To       poolmachine.Account
	Amount   poolmachine.Amount
	Currency poolmachine.Currency
	Memo     string
}

// Batch is a committed group of transfers.
type Batch struct {
	Sequence  int64
	Transfers []Transfer
}

type key struct {
	account  poolmachine.Account
	currency poolmachine.Currency
}

type Ledger struct {
	balances map[key]poolmachine.Amount
	frozen   map[poolmachine.Account]struct{}
	journal  []Batch
	mutex    *deadlock.Mutex
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[key]poolmachine.Amount),
		frozen:   make(map[poolmachine.Account]struct{}),
		mutex:    &deadlock.Mutex{},
	}
}

// Execute applies every transfer or none of them.
func (l *Ledger) Execute(ctx context.Context, transfers []Transfer) error {
	if err := ctx.Err(); err != nil {
		return poolmachine.ErrTransferFailed.With("%s", err)
	}
	if len(transfers) == 0 {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	pending := make(map[key]poolmachine.Amount)
	balance := func(k key) poolmachine.Amount {
		if b, ok := pending[k]; ok {
			return b
		}
		return l.balances[k]
	}
	for _, t := range transfers {
		if t.Amount <= 0 {
			return poolmachine.ErrInvalidAmount.With("transfer of %d to %s", t.Amount, t.To)
		}
		if !t.Currency.Valid() {
			return poolmachine.ErrInvalidConfig.With("unknown currency %q", t.Currency)
		}
		if t.To == External {
			return poolmachine.ErrTransferFailed.With("transfer has no recipient")
		}
		if _, ok := l.frozen[t.To]; ok {
			return poolmachine.ErrTransferFailed.With("%s is frozen", t.To)
		}
		if t.From != External {
			if _, ok := l.frozen[t.From]; ok {
				return poolmachine.ErrTransferFailed.With("%s is frozen", t.From)
			}
			from := key{t.From, t.Currency}
			if balance(from) < t.Amount {
				return poolmachine.ErrTransferFailed.With("%s holds %d %s, needs %d", t.From, balance(from), t.Currency, t.Amount)
			}
			pending[from] = balance(from) - t.Amount
		}
		to := key{t.To, t.Currency}
		pending[to] = balance(to) + t.Amount
	}
	for k, b := range pending {
		l.balances[k] = b
	}
	l.journal = append(l.journal, Batch{
		Sequence:  int64(len(l.journal)) + 1,
		Transfers: append([]Transfer(nil), transfers...),
	})
	poolmachine.LogCLI(fmt.Sprintf("ledger batch %d applied %d transfers", len(l.journal), len(transfers)), 5)
	return nil
}

func (l *Ledger) Balance(account poolmachine.Account, currency poolmachine.Currency) poolmachine.Amount {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.balances[key{account, currency}]
}

// Freeze makes every batch touching account fail until Unfreeze.
func (l *Ledger) Freeze(account poolmachine.Account) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.frozen[account] = struct{}{}
}

func (l *Ledger) Unfreeze(account poolmachine.Account) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.frozen, account)
}

// Journal returns committed batches after the given sequence.
func (l *Ledger) Journal(after int64) []Batch {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(l.journal)) {
		return nil
	}
	return append([]Batch(nil), l.journal[after:]...)
}

type entry struct {
	Account  poolmachine.Account
	Currency poolmachine.Currency
	Balance  poolmachine.Amount
}

func (l *Ledger) entries() []entry {
	var out []entry
	for k, b := range l.balances {
		out = append(out, entry{Account: k.account, Currency: k.currency, Balance: b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

func (l *Ledger) StateHash() poolmachine.HashSeq {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var hs poolmachine.HashSeq
	hs.Component = "ledger"
	hs.Sequence = int64(len(l.journal))
	for _, e := range l.entries() {
		hs.Append(e.Account, string(e.Currency), e.Balance)
	}
	hs.S256()
	return hs
}

type snapshot struct {
	Balances []entry
	Frozen   []poolmachine.Account
	Journal  []Batch
}

func (l *Ledger) Save(w io.Writer) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	s := snapshot{Balances: l.entries(), Journal: l.journal}
	for a := range l.frozen {
		s.Frozen = append(s.Frozen, a)
	}
	sort.Strings(s.Frozen)
	return json.NewEncoder(w).Encode(s)
}

func (l *Ledger) Restore(r io.Reader) error {
	var s snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.balances = make(map[key]poolmachine.Amount)
	for _, e := range s.Balances {
		l.balances[key{e.Account, e.Currency}] = e.Balance
	}
	l.frozen = make(map[poolmachine.Account]struct{})
	for _, a := range s.Frozen {
		l.frozen[a] = struct{}{}
	}
	l.journal = s.Journal
	return nil
}
