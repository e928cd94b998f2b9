// Package engine wires the four workers of the matching core - gateway,
// book, accounts, and risk/funding - over typed message queues. Each worker
// owns a disjoint slice of mutable state; cross-worker updates are always
// messages, never shared memory behind locks.
package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	tomb "gopkg.in/tomb.v2"

	"github.com/atharvParlikar/perpetra/params"
	"github.com/atharvParlikar/perpetra/pkg/engine/account"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
	"github.com/atharvParlikar/perpetra/pkg/engine/risk"
	"github.com/atharvParlikar/perpetra/pkg/util"
)

// Engine owns the worker goroutines and their queues. External callers go
// through Submit/Cancel/Deposit/Snapshot, which correlate replies over
// one-shot channels; the risk and funding loops run internally.
type Engine struct {
	cfg    params.Config
	log    *zap.Logger
	oracle risk.Oracle
	clock  util.Clock

	t *tomb.Tomb

	orders   *book.OrderBook
	accounts *account.Manager

	userQ  chan bookMsg
	liqQ   chan bookMsg
	acctQ  chan acctMsg
	events chan any

	sinks []EventSink
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithClock substitutes the timer source, for deterministic tests.
func WithClock(c util.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSink attaches an event sink (WebSocket hub, journal).
func WithSink(s EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

func New(cfg params.Config, log *zap.Logger, oracle risk.Oracle, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		log:      log,
		oracle:   oracle,
		clock:    util.RealClock{},
		t:        &tomb.Tomb{},
		orders:   book.New(),
		accounts: account.NewManager(cfg.DecimalScale, oracle.CurrentMarkPrice()),
		userQ:    make(chan bookMsg, cfg.QueueSize),
		liqQ:     make(chan bookMsg, cfg.QueueSize*4),
		acctQ:    make(chan acctMsg, cfg.QueueSize),
		events:   make(chan any, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start spawns the workers. A worker returning a non-nil error (invariant
// violation) kills the tomb and takes the process down with it.
func (e *Engine) Start() {
	e.t.Go(e.bookWorker)
	e.t.Go(e.accountsWorker)
	e.t.Go(e.riskWorker)
	e.t.Go(e.eventFanout)
	e.log.Info("engine started",
		zap.Duration("risk_tick", e.cfg.RiskTickInterval),
		zap.Duration("funding_interval", e.cfg.FundingInterval),
		zap.Int("queue_size", e.cfg.QueueSize))
}

// Stop tears the workers down and waits for them to exit.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

// Dying exposes the tomb's dying channel so embedding servers can shut down
// when a worker dies of an invariant violation.
func (e *Engine) Dying() <-chan struct{} { return e.t.Dying() }

// SubmitParams is a validated order from the gateway.
type SubmitParams struct {
	User     string
	Side     book.Side
	Kind     book.Kind
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Leverage int64
}

// OrderStatus reported back to the caller.
type OrderStatus string

const (
	StatusResting OrderStatus = "resting"
	StatusFilled  OrderStatus = "filled"
	StatusPartial OrderStatus = "partial"
)

// OrderResult is the outcome of one admitted order.
type OrderResult struct {
	OrderID        uuid.UUID
	Status         OrderStatus
	Trades         []book.Trade
	Remainder      decimal.Decimal
	ReservedMargin decimal.Decimal
}

// Submit runs the full order path: margin reservation in the accounts
// worker, matching in the book worker, settlement queued back to accounts
// before the reply is released. When a queue is full the order is rejected
// with ErrBackpressure and any reservation is rolled back.
func (e *Engine) Submit(p SubmitParams) (*OrderResult, error) {
	id := uuid.New()

	res := reserveMsg{
		user:     p.User,
		orderID:  id,
		side:     p.Side,
		kind:     p.Kind,
		price:    p.Price,
		qty:      p.Qty,
		leverage: p.Leverage,
		reply:    make(chan reserveReply, 1),
	}
	if !e.sendAcct(res) {
		return nil, ErrBackpressure
	}
	var margin decimal.Decimal
	select {
	case r := <-res.reply:
		if r.err != nil {
			return nil, r.err
		}
		margin = r.margin
	case <-e.t.Dying():
		return nil, tomb.ErrDying
	}

	sub := submitMsg{
		order: &book.Order{
			ID:       id,
			User:     p.User,
			Side:     p.Side,
			Kind:     p.Kind,
			Price:    p.Price,
			Qty:      p.Qty,
			Leverage: p.Leverage,
		},
		reply: make(chan submitReply, 1),
	}
	if !e.sendUser(sub) {
		e.rollbackReservation(p.User, id)
		return nil, ErrBackpressure
	}

	select {
	case r := <-sub.reply:
		if r.err != nil {
			e.rollbackReservation(p.User, id)
			return nil, r.err
		}
		out := &OrderResult{
			OrderID:        id,
			Trades:         r.result.Trades,
			Remainder:      r.result.Remainder,
			ReservedMargin: margin,
		}
		switch {
		case len(r.result.Trades) == 0 && r.result.Rested:
			out.Status = StatusResting
		case r.result.Remainder.IsPositive():
			out.Status = StatusPartial
		default:
			out.Status = StatusFilled
		}
		return out, nil
	case <-e.t.Dying():
		return nil, tomb.ErrDying
	}
}

// rollbackReservation undoes a reservation for an order the book never
// accepted. The release must not be lost, so this send blocks.
func (e *Engine) rollbackReservation(user string, orderID uuid.UUID) {
	msg := releaseMsg{user: user, orderID: orderID, reply: make(chan releaseReply, 1)}
	select {
	case e.acctQ <- msg:
	case <-e.t.Dying():
	}
}

// Cancel removes a resting order and refunds its remaining reserved margin.
func (e *Engine) Cancel(orderID uuid.UUID, user string) (decimal.Decimal, error) {
	msg := cancelMsg{orderID: orderID, user: user, reply: make(chan cancelReply, 1)}
	if !e.sendUser(msg) {
		return decimal.Zero, ErrBackpressure
	}
	select {
	case r := <-msg.reply:
		if r.err != nil {
			return decimal.Zero, r.err
		}
	case <-e.t.Dying():
		return decimal.Zero, tomb.ErrDying
	}

	rel := releaseMsg{user: user, orderID: orderID, reply: make(chan releaseReply, 1)}
	select {
	case e.acctQ <- rel:
	case <-e.t.Dying():
		return decimal.Zero, tomb.ErrDying
	}
	select {
	case r := <-rel.reply:
		return r.refunded, r.err
	case <-e.t.Dying():
		return decimal.Zero, tomb.ErrDying
	}
}

// Deposit credits collateral to a user's free balance.
func (e *Engine) Deposit(user string, amount decimal.Decimal) error {
	msg := depositMsg{user: user, amount: amount, reply: make(chan error, 1)}
	if !e.sendAcct(msg) {
		return ErrBackpressure
	}
	select {
	case err := <-msg.reply:
		return err
	case <-e.t.Dying():
		return tomb.ErrDying
	}
}

// Snapshot returns a copy of the user's account. Because the accounts queue
// is FIFO, the snapshot reflects every settlement enqueued before this call.
func (e *Engine) Snapshot(user string) (account.Snapshot, error) {
	msg := snapshotMsg{user: user, reply: make(chan account.Snapshot, 1)}
	if !e.sendAcct(msg) {
		return account.Snapshot{}, ErrBackpressure
	}
	select {
	case s := <-msg.reply:
		return s, nil
	case <-e.t.Dying():
		return account.Snapshot{}, tomb.ErrDying
	}
}

// Top returns the current best bid and ask.
func (e *Engine) Top() (TopOfBook, error) {
	msg := topMsg{reply: make(chan TopOfBook, 1)}
	if !e.sendUser(msg) {
		return TopOfBook{}, ErrBackpressure
	}
	select {
	case t := <-msg.reply:
		return t, nil
	case <-e.t.Dying():
		return TopOfBook{}, tomb.ErrDying
	}
}

// Depth returns aggregated book levels for the REST surface.
func (e *Engine) Depth(n int) (bids, asks []book.Level, err error) {
	// Depth rides the same queue as orders so it observes a consistent book.
	reply := make(chan [2][]book.Level, 1)
	msg := depthMsg{n: n, reply: reply}
	if !e.sendUser(msg) {
		return nil, nil, ErrBackpressure
	}
	select {
	case d := <-reply:
		return d[0], d[1], nil
	case <-e.t.Dying():
		return nil, nil, tomb.ErrDying
	}
}

// sendUser and sendAcct are the gateway-facing non-blocking enqueues; a full
// queue surfaces as retriable backpressure instead of blocking the caller.
func (e *Engine) sendUser(m bookMsg) bool {
	select {
	case e.userQ <- m:
		return true
	default:
		return false
	}
}

func (e *Engine) sendAcct(m acctMsg) bool {
	select {
	case e.acctQ <- m:
		return true
	default:
		return false
	}
}

// publish hands an event to the fan-out queue. Events are best-effort; a
// full queue drops the frame rather than stalling a worker.
func (e *Engine) publish(event any) {
	select {
	case e.events <- event:
	default:
		e.log.Warn("event queue full, dropping frame")
	}
}

func (e *Engine) eventFanout() error {
	for {
		select {
		case <-e.t.Dying():
			return nil
		case ev := <-e.events:
			for _, s := range e.sinks {
				s.Publish(ev)
			}
		}
	}
}

// MaxLeverage exposes the configured cap for gateway validation.
func (e *Engine) MaxLeverage() int64 { return e.cfg.MaxLeverage }

func (e *Engine) String() string {
	return fmt.Sprintf("engine(queue=%d)", e.cfg.QueueSize)
}
