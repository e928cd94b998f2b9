package account

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// Position is the open perpetual position of one user. Size is signed:
// positive long, negative short. Entry is the volume-weighted average price
// of the currently open contracts. A position with zero size is pruned.
type Position struct {
	Size       decimal.Decimal `json:"size"`
	Entry      decimal.Decimal `json:"entry"`
	Margin     decimal.Decimal `json:"margin"`
	Unrealized decimal.Decimal `json:"unrealized"` // refreshed by risk ticks
}

func (p *Position) IsLong() bool  { return p.Size.IsPositive() }
func (p *Position) IsShort() bool { return p.Size.IsNegative() }

// UnrealizedAt computes size * (mark - entry), signed by direction.
func (p *Position) UnrealizedAt(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark.Sub(p.Entry))
}

// Reservation is collateral set aside for one open order. Qty tracks the
// unfilled quantity the remaining margin still covers; fills consume it
// proportionally.
type Reservation struct {
	OrderID  uuid.UUID
	Side     book.Side
	Kind     book.Kind
	Price    decimal.Decimal // reference price the margin was computed at
	Leverage decimal.Decimal
	Qty      decimal.Decimal
	Margin   decimal.Decimal
}

// Account holds one user's collateral and position. The cumulative counters
// exist so the conservation identity
//
//	free + sum(reservations) + position margin =
//	    deposited + realized - funding paid + funding received
//
// stays checkable at any point.
type Account struct {
	User         string
	Free         decimal.Decimal
	Reservations map[uuid.UUID]*Reservation
	Position     *Position

	Deposited       decimal.Decimal
	Realized        decimal.Decimal
	FundingPaid     decimal.Decimal
	FundingReceived decimal.Decimal
}

func newAccount(user string) *Account {
	return &Account{
		User:         user,
		Reservations: make(map[uuid.UUID]*Reservation),
	}
}

// ReservedTotal sums margin held by open-order reservations.
func (a *Account) ReservedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range a.Reservations {
		total = total.Add(r.Margin)
	}
	return total
}

// Snapshot is a copy of account state handed across worker boundaries.
type Snapshot struct {
	User            string          `json:"user"`
	Free            decimal.Decimal `json:"free"`
	Reserved        decimal.Decimal `json:"reserved"`
	Position        *Position       `json:"position,omitempty"`
	Deposited       decimal.Decimal `json:"deposited"`
	Realized        decimal.Decimal `json:"realized"`
	FundingPaid     decimal.Decimal `json:"funding_paid"`
	FundingReceived decimal.Decimal `json:"funding_received"`
}
