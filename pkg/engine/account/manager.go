package account

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUnknownReservation     = errors.New("unknown reservation")
)

// Batch carries every fill produced by one incoming order, contiguous and in
// matching order, plus what is left of the taker. The book worker emits one
// batch per submission; the accounts worker settles it atomically.
type Batch struct {
	TakerOrderID uuid.UUID
	TakerUser    string
	TakerSide    book.Side
	TakerKind    book.Kind
	Liquidation  bool
	Trades       []book.Trade
	Remainder    decimal.Decimal // unfilled taker quantity
	Rested       bool            // remainder rests (limit); reservation stays
}

// LiquidationOrder is what the risk worker submits to the book's privileged
// queue after a position has been removed from the active set.
type LiquidationOrder struct {
	User    string
	OrderID uuid.UUID
	Side    book.Side
	Qty     decimal.Decimal
}

// FundingSummary reports one funding settlement pass.
type FundingSummary struct {
	Paid      decimal.Decimal
	Received  decimal.Decimal
	Positions int
}

// liquidation is a position pulled out of the active set, settling against
// fills from the privileged queue. Keeping it out of the positions map is
// what makes a second risk tick unable to liquidate it again.
type liquidation struct {
	OrderID  uuid.UUID
	Pos      Position
	Proceeds decimal.Decimal
}

// Manager owns all collateral balances and open positions. It is driven by
// the accounts worker only; no method takes a lock.
type Manager struct {
	scale       int32
	accounts    map[string]*Account
	liquidating map[string]*liquidation
	mark        decimal.Decimal // last mark price pushed by the risk worker
}

func NewManager(scale int32, initialMark decimal.Decimal) *Manager {
	return &Manager{
		scale:       scale,
		accounts:    make(map[string]*Account),
		liquidating: make(map[string]*liquidation),
		mark:        initialMark,
	}
}

func (m *Manager) get(user string) *Account {
	acc, ok := m.accounts[user]
	if !ok {
		acc = newAccount(user)
		m.accounts[user] = acc
	}
	return acc
}

// div divides and rounds half-to-even at the configured scale.
func (m *Manager) div(a, b decimal.Decimal) decimal.Decimal {
	return a.Div(b).RoundBank(m.scale)
}

// portion splits amount proportionally: amount * q / total. Exact when
// q == total so full consumption never leaves residue.
func (m *Manager) portion(amount, q, total decimal.Decimal) decimal.Decimal {
	if q.Equal(total) {
		return amount
	}
	return m.div(amount.Mul(q), total)
}

// credit moves delta into free collateral. Free never goes negative: a debit
// beyond free is clamped to zero and the difference folded into realized PnL
// so the conservation identity keeps holding.
func (m *Manager) credit(acc *Account, delta decimal.Decimal) {
	acc.Free = acc.Free.Add(delta)
	if acc.Free.IsNegative() {
		acc.Realized = acc.Realized.Add(acc.Free.Neg())
		acc.Free = decimal.Zero
	}
}

// Deposit seeds collateral for a user.
func (m *Manager) Deposit(user string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit must be positive, got %s", amount)
	}
	acc := m.get(user)
	acc.Free = acc.Free.Add(amount)
	acc.Deposited = acc.Deposited.Add(amount)
	return nil
}

// Reserve moves margin for a new order from free into a per-order
// reservation. Required margin is qty * price / leverage; market orders use
// the cached mark price as the reference. Returns the reserved amount.
func (m *Manager) Reserve(user string, orderID uuid.UUID, side book.Side, kind book.Kind, price, qty decimal.Decimal, leverage int64) (decimal.Decimal, error) {
	ref := price
	if kind == book.Market {
		ref = m.mark
	}
	lev := decimal.NewFromInt(leverage)
	required := m.div(qty.Mul(ref), lev)

	acc := m.get(user)
	if acc.Free.LessThan(required) {
		return decimal.Zero, ErrInsufficientCollateral
	}
	acc.Free = acc.Free.Sub(required)
	acc.Reservations[orderID] = &Reservation{
		OrderID:  orderID,
		Side:     side,
		Kind:     kind,
		Price:    ref,
		Leverage: lev,
		Qty:      qty,
		Margin:   required,
	}
	return required, nil
}

// Release refunds the remaining margin of an order reservation. Used on
// cancellation and on market-order remainders.
func (m *Manager) Release(user string, orderID uuid.UUID) (decimal.Decimal, error) {
	acc, ok := m.accounts[user]
	if !ok {
		return decimal.Zero, ErrUnknownReservation
	}
	res, ok := acc.Reservations[orderID]
	if !ok {
		return decimal.Zero, ErrUnknownReservation
	}
	refunded := res.Margin
	delete(acc.Reservations, orderID)
	m.credit(acc, refunded)
	return refunded, nil
}

// ApplyBatch settles every fill of one incoming order: both counterparties'
// positions, reservation conversion, surplus refunds, and - for market
// takers - the release covering the discarded remainder.
func (m *Manager) ApplyBatch(b Batch) error {
	for _, t := range b.Trades {
		if err := m.applyFill(t.MakerUser, t.MakerOrderID, t.MakerSide, t.Qty, t.Price); err != nil {
			return fmt.Errorf("maker fill: %w", err)
		}
		if b.Liquidation {
			if err := m.applyLiquidationFill(b.TakerUser, t.Qty, t.Price); err != nil {
				return fmt.Errorf("liquidation fill: %w", err)
			}
		} else {
			if err := m.applyFill(b.TakerUser, b.TakerOrderID, b.TakerSide, t.Qty, t.Price); err != nil {
				return fmt.Errorf("taker fill: %w", err)
			}
		}
	}

	if b.Liquidation {
		return m.finishLiquidation(b.TakerUser)
	}

	// Market remainders never rest; refund whatever the reservation still
	// holds for the unfilled quantity.
	if !b.Rested && b.Remainder.IsPositive() {
		if _, err := m.Release(b.TakerUser, b.TakerOrderID); err != nil && !errors.Is(err, ErrUnknownReservation) {
			return err
		}
	}
	return nil
}

// applyFill updates one user's position and collateral for a fill of qty at
// price on side. The order's reservation is consumed proportionally; any
// difference between the consumed reservation and the margin the fill
// actually needs settles against free.
func (m *Manager) applyFill(user string, orderID uuid.UUID, side book.Side, qty, price decimal.Decimal) error {
	acc := m.get(user)
	res, ok := acc.Reservations[orderID]
	if !ok {
		return fmt.Errorf("fill without reservation: user=%s order=%s", user, orderID)
	}

	reserved := m.portion(res.Margin, qty, res.Qty)
	res.Margin = res.Margin.Sub(reserved)
	res.Qty = res.Qty.Sub(qty)
	if !res.Qty.IsPositive() {
		// Sweep any rounding residue along with the last fill.
		reserved = reserved.Add(res.Margin)
		delete(acc.Reservations, orderID)
	}

	signed := qty
	if side == book.Ask {
		signed = qty.Neg()
	}

	pos := acc.Position
	switch {
	case pos == nil:
		required := m.div(qty.Mul(price), res.Leverage)
		acc.Position = &Position{Size: signed, Entry: price, Margin: required}
		m.credit(acc, reserved.Sub(required))

	case pos.Size.Sign() == signed.Sign():
		// Extends the position: VWAP entry, reservation converts to
		// position margin at the fill price.
		required := m.div(qty.Mul(price), res.Leverage)
		oldAbs := pos.Size.Abs()
		newAbs := oldAbs.Add(qty)
		pos.Entry = m.div(oldAbs.Mul(pos.Entry).Add(qty.Mul(price)), newAbs)
		pos.Size = pos.Size.Add(signed)
		pos.Margin = pos.Margin.Add(required)
		m.credit(acc, reserved.Sub(required))

	default:
		m.reduce(acc, res.Leverage, reserved, signed, qty, price)
	}
	return nil
}

// reduce closes qty against an opposite-sign position, realizing PnL and
// releasing position margin proportionally. A fill larger than the position
// closes it and opens the remainder in the other direction at the fill
// price.
func (m *Manager) reduce(acc *Account, leverage, reserved, signed, qty, price decimal.Decimal) {
	pos := acc.Position
	dir := decimal.NewFromInt(int64(pos.Size.Sign()))
	absSize := pos.Size.Abs()

	closeQty := decimal.Min(qty, absSize)
	realized := closeQty.Mul(price.Sub(pos.Entry)).Mul(dir)
	released := m.portion(pos.Margin, closeQty, absSize)
	reservedClose := m.portion(reserved, closeQty, qty)

	pos.Size = pos.Size.Sub(dir.Mul(closeQty))
	pos.Margin = pos.Margin.Sub(released)
	acc.Realized = acc.Realized.Add(realized)
	m.credit(acc, released.Add(realized).Add(reservedClose))

	if pos.Size.IsZero() {
		acc.Position = nil
	}

	openQty := qty.Sub(closeQty)
	if openQty.IsPositive() {
		// Flip: the opening sub-fill uses the fill price as entry.
		required := m.div(openQty.Mul(price), leverage)
		acc.Position = &Position{
			Size:   dir.Neg().Mul(openQty),
			Entry:  price,
			Margin: required,
		}
		m.credit(acc, reserved.Sub(reservedClose).Sub(required))
	}
}

// applyLiquidationFill settles one fill of a privileged liquidation order
// against the position held in the liquidating set.
func (m *Manager) applyLiquidationFill(user string, qty, price decimal.Decimal) error {
	liq, ok := m.liquidating[user]
	if !ok {
		return fmt.Errorf("liquidation fill for user %s with no pending liquidation", user)
	}
	acc := m.get(user)

	dir := decimal.NewFromInt(int64(liq.Pos.Size.Sign()))
	realized := qty.Mul(price.Sub(liq.Pos.Entry)).Mul(dir)
	released := m.portion(liq.Pos.Margin, qty, liq.Pos.Size.Abs())

	liq.Pos.Size = liq.Pos.Size.Sub(dir.Mul(qty))
	liq.Pos.Margin = liq.Pos.Margin.Sub(released)
	liq.Proceeds = liq.Proceeds.Add(realized).Add(released)
	acc.Realized = acc.Realized.Add(realized)
	return nil
}

// finishLiquidation credits residual equity to free and, when the market
// order only partially filled, re-registers the residual position so the
// next risk tick re-evaluates it.
func (m *Manager) finishLiquidation(user string) error {
	liq, ok := m.liquidating[user]
	if !ok {
		return fmt.Errorf("finish liquidation for user %s with no pending liquidation", user)
	}
	acc := m.get(user)

	if !liq.Pos.Size.IsZero() {
		residual := liq.Pos
		if pos := acc.Position; pos == nil {
			acc.Position = &residual
		} else {
			// The user's own resting order was a maker of the liquidation
			// trade and opened a same-direction position mid-batch; fold the
			// residual into it.
			oldAbs, addAbs := pos.Size.Abs(), residual.Size.Abs()
			newAbs := oldAbs.Add(addAbs)
			pos.Entry = m.div(oldAbs.Mul(pos.Entry).Add(addAbs.Mul(residual.Entry)), newAbs)
			pos.Size = pos.Size.Add(residual.Size)
			pos.Margin = pos.Margin.Add(residual.Margin)
		}
	}
	m.credit(acc, liq.Proceeds)
	delete(m.liquidating, user)
	return nil
}

// ScanRisk refreshes every position's unrealized PnL against mark and pulls
// insolvent positions out of the active set in the same pass. The returned
// orders are what the risk worker dispatches to the privileged queue;
// because removal happens here, before dispatch, a position can never be
// liquidated twice for one insolvency event.
func (m *Manager) ScanRisk(mark, threshold decimal.Decimal) []LiquidationOrder {
	m.mark = mark

	var orders []LiquidationOrder
	for user, acc := range m.accounts {
		pos := acc.Position
		if pos == nil {
			continue
		}
		pos.Unrealized = pos.UnrealizedAt(mark)
		equity := pos.Margin.Add(pos.Unrealized)
		if equity.GreaterThan(pos.Margin.Mul(threshold)) {
			continue
		}

		side := book.Ask
		if pos.IsShort() {
			side = book.Bid
		}
		id := uuid.New()
		m.liquidating[user] = &liquidation{OrderID: id, Pos: *pos}
		acc.Position = nil
		orders = append(orders, LiquidationOrder{
			User:    user,
			OrderID: id,
			Side:    side,
			Qty:     pos.Size.Abs(),
		})
	}
	return orders
}

// ApplyFunding transfers size * mark * rate from longs to shorts across all
// open positions in one pass. Positions created by matched trades always
// net to zero, so the transfer sums to zero.
func (m *Manager) ApplyFunding(mark, rate decimal.Decimal) FundingSummary {
	var s FundingSummary
	for _, acc := range m.accounts {
		pos := acc.Position
		if pos == nil {
			continue
		}
		s.Positions++
		delta := pos.Size.Mul(mark).Mul(rate).RoundBank(m.scale)
		if delta.IsPositive() {
			m.credit(acc, delta.Neg())
			acc.FundingPaid = acc.FundingPaid.Add(delta)
			s.Paid = s.Paid.Add(delta)
		} else if delta.IsNegative() {
			recv := delta.Neg()
			m.credit(acc, recv)
			acc.FundingReceived = acc.FundingReceived.Add(recv)
			s.Received = s.Received.Add(recv)
		}
	}
	return s
}

// Snapshot copies one user's state, with unrealized PnL refreshed at the
// cached mark price.
func (m *Manager) Snapshot(user string) Snapshot {
	acc, ok := m.accounts[user]
	if !ok {
		return Snapshot{User: user}
	}
	snap := Snapshot{
		User:            user,
		Free:            acc.Free,
		Reserved:        acc.ReservedTotal(),
		Deposited:       acc.Deposited,
		Realized:        acc.Realized,
		FundingPaid:     acc.FundingPaid,
		FundingReceived: acc.FundingReceived,
	}
	if acc.Position != nil {
		p := *acc.Position
		p.Unrealized = p.UnrealizedAt(m.mark)
		snap.Position = &p
	}
	return snap
}

// SnapshotAll copies every account, for journaling and admin surfaces.
func (m *Manager) SnapshotAll() []Snapshot {
	out := make([]Snapshot, 0, len(m.accounts))
	for user := range m.accounts {
		out = append(out, m.Snapshot(user))
	}
	return out
}

// Validate checks the conservation identity for one user to within one ulp
// of the configured scale. Margin held by an in-flight liquidation counts as
// position margin.
func (m *Manager) Validate(user string) error {
	acc, ok := m.accounts[user]
	if !ok {
		return nil
	}
	lhs := acc.Free.Add(acc.ReservedTotal())
	if acc.Position != nil {
		lhs = lhs.Add(acc.Position.Margin)
	}
	if liq, ok := m.liquidating[user]; ok {
		lhs = lhs.Add(liq.Pos.Margin).Add(liq.Proceeds)
	}
	rhs := acc.Deposited.Add(acc.Realized).Sub(acc.FundingPaid).Add(acc.FundingReceived)

	ulp := decimal.New(1, -m.scale)
	if lhs.Sub(rhs).Abs().GreaterThan(ulp) {
		return fmt.Errorf("collateral identity broken for %s: have %s, want %s", user, lhs, rhs)
	}
	if acc.Free.IsNegative() {
		return fmt.Errorf("negative free collateral for %s: %s", user, acc.Free)
	}
	return nil
}

// MarkPrice returns the last mark price pushed by the risk worker.
func (m *Manager) MarkPrice() decimal.Decimal { return m.mark }
