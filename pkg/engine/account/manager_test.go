package account

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager() *Manager {
	return NewManager(8, dec("60000"))
}

// fill settles one trade between a maker and a taker whose reservations
// already exist.
func fill(t *testing.T, m *Manager, takerOrder uuid.UUID, takerUser string, takerSide book.Side, makerOrder uuid.UUID, makerUser string, price, qty string) {
	t.Helper()
	err := m.ApplyBatch(Batch{
		TakerOrderID: takerOrder,
		TakerUser:    takerUser,
		TakerSide:    takerSide,
		TakerKind:    book.Limit,
		Trades: []book.Trade{{
			MakerOrderID: makerOrder,
			TakerOrderID: takerOrder,
			MakerUser:    makerUser,
			TakerUser:    takerUser,
			MakerSide:    takerSide.Opposite(),
			Price:        dec(price),
			Qty:          dec(qty),
		}},
		Remainder: decimal.Zero,
	})
	require.NoError(t, err)
}

// openPosition gives user a position of signed size at price with leverage,
// against a well-funded counterparty.
func openPosition(t *testing.T, m *Manager, user string, side book.Side, price, qty string, leverage int64) {
	t.Helper()
	other := "counterparty-" + uuid.NewString()
	require.NoError(t, m.Deposit(other, dec("100000000")))

	userOrder := uuid.New()
	otherOrder := uuid.New()
	_, err := m.Reserve(user, userOrder, side, book.Limit, dec(price), dec(qty), leverage)
	require.NoError(t, err)
	_, err = m.Reserve(other, otherOrder, side.Opposite(), book.Limit, dec(price), dec(qty), 10)
	require.NoError(t, err)

	fill(t, m, userOrder, user, side, otherOrder, other, price, qty)
}

func TestReserveThenCancelRoundTrip(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("10000")))

	id := uuid.New()
	margin, err := m.Reserve("alice", id, book.Bid, book.Limit, dec("60000"), dec("1"), 20)
	require.NoError(t, err)
	assert.True(t, margin.Equal(dec("3000")))
	assert.True(t, m.Snapshot("alice").Free.Equal(dec("7000")))

	refunded, err := m.Release("alice", id)
	require.NoError(t, err)
	assert.True(t, refunded.Equal(dec("3000")))
	assert.True(t, m.Snapshot("alice").Free.Equal(dec("10000")))
	require.NoError(t, m.Validate("alice"))
}

func TestReserveInsufficientCollateral(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("100")))

	_, err := m.Reserve("alice", uuid.New(), book.Bid, book.Limit, dec("60000"), dec("1"), 10)
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	// Nothing was taken.
	assert.True(t, m.Snapshot("alice").Free.Equal(dec("100")))
}

func TestOpenThenCloseSamePriceZeroPnL(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("10000")))

	openPosition(t, m, "alice", book.Bid, "60000", "1", 20)
	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.Size.Equal(dec("1")))
	assert.True(t, snap.Position.Entry.Equal(dec("60000")))
	assert.True(t, snap.Position.Margin.Equal(dec("3000")))
	assert.True(t, snap.Free.Equal(dec("7000")))

	openPosition(t, m, "alice", book.Ask, "60000", "1", 20)
	snap = m.Snapshot("alice")
	assert.Nil(t, snap.Position)
	assert.True(t, snap.Free.Equal(dec("10000")))
	assert.True(t, snap.Realized.IsZero())
	require.NoError(t, m.Validate("alice"))
}

func TestVWAPEntry(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("100000")))

	openPosition(t, m, "alice", book.Bid, "60000", "1", 10)
	openPosition(t, m, "alice", book.Bid, "61000", "1", 10)

	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.Size.Equal(dec("2")))
	assert.True(t, snap.Position.Entry.Equal(dec("60500")), "entry = %s", snap.Position.Entry)
	require.NoError(t, m.Validate("alice"))
}

func TestReduceRealizesPnL(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("20000")))

	openPosition(t, m, "alice", book.Bid, "60000", "1", 10)
	// Sell half at a profit.
	openPosition(t, m, "alice", book.Ask, "62000", "0.5", 10)

	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.Size.Equal(dec("0.5")))
	// Entry unchanged on reduce.
	assert.True(t, snap.Position.Entry.Equal(dec("60000")))
	// Margin released proportionally: 6000 -> 3000.
	assert.True(t, snap.Position.Margin.Equal(dec("3000")))
	assert.True(t, snap.Realized.Equal(dec("1000")))
	require.NoError(t, m.Validate("alice"))
}

func TestCloseAndFlip(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("20000")))

	openPosition(t, m, "alice", book.Bid, "60000", "1", 10)
	// Sell 2: closes the long, opens a 1-lot short at the fill price.
	openPosition(t, m, "alice", book.Ask, "62000", "2", 10)

	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.Size.Equal(dec("-1")))
	assert.True(t, snap.Position.Entry.Equal(dec("62000")))
	assert.True(t, snap.Position.Margin.Equal(dec("6200")))
	assert.True(t, snap.Realized.Equal(dec("2000")))
	assert.True(t, snap.Free.Equal(dec("15800")))
	require.NoError(t, m.Validate("alice"))
}

func TestTakerSurplusRefundedAtMakerPrice(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("10000")))
	require.NoError(t, m.Deposit("bob", dec("10000")))

	// Bob rests an ask at 59000; Alice's bid reserves at her limit 60000.
	bobOrder := uuid.New()
	_, err := m.Reserve("bob", bobOrder, book.Ask, book.Limit, dec("59000"), dec("1"), 10)
	require.NoError(t, err)
	aliceOrder := uuid.New()
	margin, err := m.Reserve("alice", aliceOrder, book.Bid, book.Limit, dec("60000"), dec("1"), 10)
	require.NoError(t, err)
	assert.True(t, margin.Equal(dec("6000")))

	fill(t, m, aliceOrder, "alice", book.Bid, bobOrder, "bob", "59000", "1")

	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	// Margin charged at the maker's price, surplus back to free.
	assert.True(t, snap.Position.Margin.Equal(dec("5900")))
	assert.True(t, snap.Free.Equal(dec("4100")))
	require.NoError(t, m.Validate("alice"))
	require.NoError(t, m.Validate("bob"))
}

func TestMarketReservationAndRemainderRefund(t *testing.T) {
	m := newTestManager() // cached mark = 60000
	require.NoError(t, m.Deposit("alice", dec("10000")))
	require.NoError(t, m.Deposit("bob", dec("100000")))

	bobOrder := uuid.New()
	_, err := m.Reserve("bob", bobOrder, book.Ask, book.Limit, dec("60000"), dec("0.8"), 10)
	require.NoError(t, err)

	aliceOrder := uuid.New()
	margin, err := m.Reserve("alice", aliceOrder, book.Bid, book.Market, decimal.Zero, dec("1"), 10)
	require.NoError(t, err)
	// Market orders reserve at the cached mark price.
	assert.True(t, margin.Equal(dec("6000")))

	err = m.ApplyBatch(Batch{
		TakerOrderID: aliceOrder,
		TakerUser:    "alice",
		TakerSide:    book.Bid,
		TakerKind:    book.Market,
		Trades: []book.Trade{{
			MakerOrderID: bobOrder,
			TakerOrderID: aliceOrder,
			MakerUser:    "bob",
			TakerUser:    "alice",
			MakerSide:    book.Ask,
			Price:        dec("60000"),
			Qty:          dec("0.8"),
		}},
		Remainder: dec("0.2"),
	})
	require.NoError(t, err)

	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.Size.Equal(dec("0.8")))
	assert.True(t, snap.Position.Margin.Equal(dec("4800")))
	// Reservation for the discarded remainder came back.
	assert.True(t, snap.Free.Equal(dec("5200")))
	assert.True(t, snap.Reserved.IsZero())
	require.NoError(t, m.Validate("alice"))
}

func TestScanRiskLiquidatesOnce(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("10000")))
	openPosition(t, m, "alice", book.Bid, "60000", "1", 20)

	// Equity 200 at mark 57200 stays above the 150 floor.
	orders := m.ScanRisk(dec("57200"), dec("0.05"))
	assert.Empty(t, orders)

	// Equity 140 at mark 57140 triggers.
	orders = m.ScanRisk(dec("57140"), dec("0.05"))
	require.Len(t, orders, 1)
	assert.Equal(t, "alice", orders[0].User)
	assert.Equal(t, book.Ask, orders[0].Side)
	assert.True(t, orders[0].Qty.Equal(dec("1")))

	// The position left the active set: no double liquidation.
	orders = m.ScanRisk(dec("57140"), dec("0.05"))
	assert.Empty(t, orders)
	assert.Nil(t, m.Snapshot("alice").Position)
}

func TestLiquidationSettlement(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("10000")))
	require.NoError(t, m.Deposit("bob", dec("100000")))
	openPosition(t, m, "alice", book.Bid, "60000", "1", 20)

	orders := m.ScanRisk(dec("57140"), dec("0.05"))
	require.Len(t, orders, 1)

	// Bob's resting bid takes the liquidation market order at 57140.
	bobOrder := uuid.New()
	_, err := m.Reserve("bob", bobOrder, book.Bid, book.Limit, dec("57140"), dec("1"), 10)
	require.NoError(t, err)

	err = m.ApplyBatch(Batch{
		TakerOrderID: orders[0].OrderID,
		TakerUser:    "alice",
		TakerSide:    book.Ask,
		TakerKind:    book.Market,
		Liquidation:  true,
		Trades: []book.Trade{{
			MakerOrderID: bobOrder,
			TakerOrderID: orders[0].OrderID,
			MakerUser:    "bob",
			TakerUser:    "alice",
			MakerSide:    book.Bid,
			Price:        dec("57140"),
			Qty:          dec("1"),
		}},
		Remainder: decimal.Zero,
	})
	require.NoError(t, err)

	snap := m.Snapshot("alice")
	assert.Nil(t, snap.Position)
	// 7000 free after margin, plus residual equity 140.
	assert.True(t, snap.Free.Equal(dec("7140")), "free = %s", snap.Free)
	assert.True(t, snap.Realized.Equal(dec("-2860")))
	require.NoError(t, m.Validate("alice"))
	require.NoError(t, m.Validate("bob"))
}

func TestPartialLiquidationReRegisters(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("10000")))
	require.NoError(t, m.Deposit("bob", dec("100000")))
	openPosition(t, m, "alice", book.Bid, "60000", "1", 20)

	orders := m.ScanRisk(dec("57140"), dec("0.05"))
	require.Len(t, orders, 1)

	bobOrder := uuid.New()
	_, err := m.Reserve("bob", bobOrder, book.Bid, book.Limit, dec("57140"), dec("0.4"), 10)
	require.NoError(t, err)

	// Only 0.4 of 1.0 finds liquidity; the rest is dropped and the residual
	// position returns to the active set.
	err = m.ApplyBatch(Batch{
		TakerOrderID: orders[0].OrderID,
		TakerUser:    "alice",
		TakerSide:    book.Ask,
		TakerKind:    book.Market,
		Liquidation:  true,
		Trades: []book.Trade{{
			MakerOrderID: bobOrder,
			TakerOrderID: orders[0].OrderID,
			MakerUser:    "bob",
			TakerUser:    "alice",
			MakerSide:    book.Bid,
			Price:        dec("57140"),
			Qty:          dec("0.4"),
		}},
		Remainder: dec("0.6"),
	})
	require.NoError(t, err)

	snap := m.Snapshot("alice")
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.Size.Equal(dec("0.6")))
	assert.True(t, snap.Position.Entry.Equal(dec("60000")))
	assert.True(t, snap.Position.Margin.Equal(dec("1800")))
	require.NoError(t, m.Validate("alice"))

	// Still insolvent at the same mark: eligible again next tick.
	orders = m.ScanRisk(dec("57140"), dec("0.05"))
	assert.Len(t, orders, 1)
}

func TestFundingZeroSum(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("100000")))
	require.NoError(t, m.Deposit("bob", dec("100000")))
	require.NoError(t, m.Deposit("carol", dec("1000000")))

	// Carol short 3.0 against Alice and Bob long 1.5 each.
	aliceOrder, bobOrder := uuid.New(), uuid.New()
	carol1, carol2 := uuid.New(), uuid.New()
	for _, r := range []struct {
		user string
		id   uuid.UUID
		side book.Side
	}{
		{"alice", aliceOrder, book.Bid},
		{"bob", bobOrder, book.Bid},
		{"carol", carol1, book.Ask},
		{"carol", carol2, book.Ask},
	} {
		_, err := m.Reserve(r.user, r.id, r.side, book.Limit, dec("60000"), dec("1.5"), 10)
		require.NoError(t, err)
	}
	fill(t, m, aliceOrder, "alice", book.Bid, carol1, "carol", "60000", "1.5")
	fill(t, m, bobOrder, "bob", book.Bid, carol2, "carol", "60000", "1.5")

	before := decimal.Zero
	for _, u := range []string{"alice", "bob", "carol"} {
		before = before.Add(m.Snapshot(u).Free)
	}

	s := m.ApplyFunding(dec("60000"), dec("0.0001"))
	assert.Equal(t, 3, s.Positions)
	// Each long unit pays 6; longs total 3.0 so 18 moves to the short side.
	assert.True(t, s.Paid.Equal(dec("18")), "paid = %s", s.Paid)
	assert.True(t, s.Received.Equal(dec("18")))

	after := decimal.Zero
	for _, u := range []string{"alice", "bob", "carol"} {
		after = after.Add(m.Snapshot(u).Free)
		require.NoError(t, m.Validate(u))
	}
	assert.True(t, before.Equal(after), "funding must conserve total free collateral")

	alice := m.Snapshot("alice")
	assert.True(t, alice.FundingPaid.Equal(dec("9")))
	carol := m.Snapshot("carol")
	assert.True(t, carol.FundingReceived.Equal(dec("18")))
}

func TestSelfTradeNets(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Deposit("alice", dec("100000")))

	bidOrder, askOrder := uuid.New(), uuid.New()
	_, err := m.Reserve("alice", bidOrder, book.Bid, book.Limit, dec("60000"), dec("1"), 10)
	require.NoError(t, err)
	_, err = m.Reserve("alice", askOrder, book.Ask, book.Limit, dec("60000"), dec("1"), 10)
	require.NoError(t, err)

	// Alice lifts her own ask: two offsetting updates, zero net PnL.
	fill(t, m, bidOrder, "alice", book.Bid, askOrder, "alice", "60000", "1")

	snap := m.Snapshot("alice")
	assert.Nil(t, snap.Position)
	assert.True(t, snap.Free.Equal(dec("100000")))
	assert.True(t, snap.Realized.IsZero())
	require.NoError(t, m.Validate("alice"))
}
