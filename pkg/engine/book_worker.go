package engine

import (
	"go.uber.org/zap"

	"github.com/atharvParlikar/perpetra/pkg/engine/account"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// bookWorker owns the order book. It consumes two queues: user traffic and
// the privileged liquidation queue. The liquidation queue is drained to
// empty before the next user message is serviced.
func (e *Engine) bookWorker() error {
	for {
		select {
		case m := <-e.liqQ:
			if err := e.handleBookMsg(m); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-e.t.Dying():
			return nil
		case m := <-e.liqQ:
			if err := e.handleBookMsg(m); err != nil {
				return err
			}
		case m := <-e.userQ:
			if err := e.handleBookMsg(m); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleBookMsg(m bookMsg) error {
	switch msg := m.(type) {
	case submitMsg:
		return e.handleSubmit(msg)
	case liquidateMsg:
		return e.handleLiquidate(msg)
	case cancelMsg:
		order, err := e.orders.Cancel(msg.orderID, msg.user)
		msg.reply <- cancelReply{order: order, err: err}
		if err == nil {
			e.publishTop()
		}
		return nil
	case topMsg:
		msg.reply <- e.top()
		return nil
	case depthMsg:
		bids, asks := e.orders.Depth(msg.n)
		msg.reply <- [2][]book.Level{bids, asks}
		return nil
	}
	return nil
}

func (e *Engine) handleSubmit(msg submitMsg) error {
	o := msg.order
	res, err := e.orders.Submit(o)
	if err != nil {
		msg.reply <- submitReply{err: err}
		return nil
	}

	// Settlement is enqueued before the reply is released, so the caller's
	// next request observes post-match balances.
	if len(res.Trades) > 0 || (o.Kind == book.Market && res.Remainder.IsPositive()) {
		if err := e.settle(account.Batch{
			TakerOrderID: o.ID,
			TakerUser:    o.User,
			TakerSide:    o.Side,
			TakerKind:    o.Kind,
			Trades:       res.Trades,
			Remainder:    res.Remainder,
			Rested:       res.Rested,
		}); err != nil {
			return err
		}
	}

	e.publishTrades(res.Trades)
	e.publishTop()
	msg.reply <- submitReply{result: res}
	return nil
}

func (e *Engine) handleLiquidate(msg liquidateMsg) error {
	o := msg.order
	res, err := e.orders.Submit(o)
	if err != nil {
		// A malformed liquidation order is an invariant violation: the risk
		// path constructed it from a live position.
		return err
	}

	e.log.Info("liquidation executed",
		zap.String("user", o.User),
		zap.String("side", o.Side.String()),
		zap.Int("fills", len(res.Trades)),
		zap.String("remainder", res.Remainder.String()))

	// Always settle: even a zero-fill liquidation must finish, so the
	// residual position is re-registered for the next tick.
	if err := e.settle(account.Batch{
		TakerOrderID: o.ID,
		TakerUser:    o.User,
		TakerSide:    o.Side,
		TakerKind:    book.Market,
		Liquidation:  true,
		Trades:       res.Trades,
		Remainder:    res.Remainder,
	}); err != nil {
		return err
	}

	e.publishTrades(res.Trades)
	e.publishTop()
	return nil
}

// settle blocks until the batch is on the accounts queue; fills must never
// be dropped.
func (e *Engine) settle(b account.Batch) error {
	select {
	case e.acctQ <- settleMsg{batch: b}:
		return nil
	case <-e.t.Dying():
		return nil
	}
}

func (e *Engine) top() TopOfBook {
	bid, ask, hasBid, hasAsk := e.orders.TopOfBook()
	var t TopOfBook
	if hasBid {
		t.BestBid = &bid
	}
	if hasAsk {
		t.BestAsk = &ask
	}
	return t
}

func (e *Engine) publishTrades(trades []book.Trade) {
	for _, t := range trades {
		e.publish(TradeEvent{Type: "trade", Trade: t})
	}
}

func (e *Engine) publishTop() {
	e.publish(TopOfBookEvent{Type: "book", TopOfBook: e.top()})
}
