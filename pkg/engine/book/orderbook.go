package book

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	ErrNotOwner     = errors.New("not order owner")
	ErrRejected     = errors.New("order rejected")
)

// priceLevel is a FIFO queue of resting orders at one price. Head (index 0)
// is the oldest order and matches first. Empty levels are removed from the
// tree, so every level in the tree holds at least one order.
type priceLevel struct {
	price  decimal.Decimal
	orders []*Order
}

func (pl *priceLevel) totalQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Qty)
	}
	return total
}

type bookRef struct {
	side  Side
	price decimal.Decimal
}

// Level is an aggregated depth entry for snapshots and broadcasts.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Result describes what happened to a submitted order.
type Result struct {
	Trades    []Trade
	Remainder decimal.Decimal // quantity left unfilled after matching
	Rested    bool            // remainder rests on the book (limit only)
}

// OrderBook keeps bids and asks as ordered trees of price levels: bids
// descending (best = highest), asks ascending (best = lowest). An auxiliary
// index maps order id to its side and price for cancellation.
//
// The book is owned exclusively by the book worker; there is no lock.
type OrderBook struct {
	bids  *btree.BTreeG[*priceLevel]
	asks  *btree.BTreeG[*priceLevel]
	index map[uuid.UUID]bookRef

	lastPrice decimal.Decimal
}

func New() *OrderBook {
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &OrderBook{
		bids:  bids,
		asks:  asks,
		index: make(map[uuid.UUID]bookRef),
	}
}

func (ob *OrderBook) sideTree(s Side) *btree.BTreeG[*priceLevel] {
	if s == Bid {
		return ob.bids
	}
	return ob.asks
}

// crosses reports whether an incoming order at limit price p may take the
// resting level at price. Market orders cross any level.
func crosses(o *Order, price decimal.Decimal) bool {
	if o.Kind == Market {
		return true
	}
	if o.Side == Bid {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

// Submit matches the order against the opposing side in price-time priority
// and rests any limit remainder. Market remainders are discarded and
// reported in the result so over-reserved margin can be released.
func (ob *OrderBook) Submit(o *Order) (Result, error) {
	if !o.Qty.IsPositive() {
		return Result{}, ErrRejected
	}
	if o.Kind == Limit && !o.Price.IsPositive() {
		return Result{}, ErrRejected
	}
	o.Accepted = time.Now()

	var res Result
	opposing := ob.sideTree(o.Side.Opposite())

	for o.Qty.IsPositive() {
		level, ok := opposing.Min()
		if !ok || !crosses(o, level.price) {
			break
		}

		maker := level.orders[0]
		q := decimal.Min(o.Qty, maker.Qty)

		o.Qty = o.Qty.Sub(q)
		maker.Qty = maker.Qty.Sub(q)
		ob.lastPrice = level.price

		res.Trades = append(res.Trades, Trade{
			MakerOrderID: maker.ID,
			TakerOrderID: o.ID,
			MakerUser:    maker.User,
			TakerUser:    o.User,
			MakerSide:    maker.Side,
			Price:        level.price,
			Qty:          q,
			Timestamp:    time.Now(),
		})

		if maker.Qty.IsZero() {
			level.orders = level.orders[1:]
			delete(ob.index, maker.ID)
			if len(level.orders) == 0 {
				opposing.Delete(level)
			}
		}
	}

	res.Remainder = o.Qty
	if o.Qty.IsPositive() && o.Kind == Limit {
		ob.rest(o)
		res.Rested = true
	}
	return res, nil
}

// rest appends the order at the tail of its price level, creating the level
// if absent.
func (ob *OrderBook) rest(o *Order) {
	tree := ob.sideTree(o.Side)
	probe := &priceLevel{price: o.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = probe
		tree.Set(level)
	}
	level.orders = append(level.orders, o)
	ob.index[o.ID] = bookRef{side: o.Side, price: o.Price}
}

// Cancel removes a resting order. Owner mismatch returns ErrNotOwner without
// revealing whether the order exists to anyone else.
func (ob *OrderBook) Cancel(id uuid.UUID, user string) (*Order, error) {
	ref, ok := ob.index[id]
	if !ok {
		return nil, ErrUnknownOrder
	}

	tree := ob.sideTree(ref.side)
	level, ok := tree.Get(&priceLevel{price: ref.price})
	if !ok {
		return nil, ErrUnknownOrder
	}

	for i, o := range level.orders {
		if o.ID != id {
			continue
		}
		if o.User != user {
			return nil, ErrNotOwner
		}
		level.orders = append(level.orders[:i], level.orders[i+1:]...)
		if len(level.orders) == 0 {
			tree.Delete(level)
		}
		delete(ob.index, id)
		return o, nil
	}
	return nil, ErrUnknownOrder
}

// TopOfBook returns the best bid and ask prices. A zero decimal with ok
// false means that side is empty.
func (ob *OrderBook) TopOfBook() (bid, ask decimal.Decimal, hasBid, hasAsk bool) {
	if level, ok := ob.bids.Min(); ok {
		bid, hasBid = level.price, true
	}
	if level, ok := ob.asks.Min(); ok {
		ask, hasAsk = level.price, true
	}
	return bid, ask, hasBid, hasAsk
}

// Depth returns up to n aggregated levels per side, best first.
func (ob *OrderBook) Depth(n int) (bids, asks []Level) {
	if n <= 0 {
		return nil, nil
	}
	ob.bids.Scan(func(level *priceLevel) bool {
		bids = append(bids, Level{Price: level.price, Qty: level.totalQty()})
		return len(bids) < n
	})
	ob.asks.Scan(func(level *priceLevel) bool {
		asks = append(asks, Level{Price: level.price, Qty: level.totalQty()})
		return len(asks) < n
	})
	return bids, asks
}

// LastPrice returns the most recent fill price, zero before any trade.
func (ob *OrderBook) LastPrice() decimal.Decimal { return ob.lastPrice }

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int { return len(ob.index) }
