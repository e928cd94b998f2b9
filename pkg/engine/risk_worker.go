package engine

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atharvParlikar/perpetra/pkg/engine/account"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// riskWorker runs the two periodic loops: the liquidation scan and the
// funding settlement. It owns only the timers and the mark price; positions
// live in the accounts worker and are walked there, in one pass, so removal
// and liquidation dispatch are atomic with respect to the next tick.
func (e *Engine) riskWorker() error {
	riskCh := e.clock.After(e.cfg.RiskTickInterval)
	fundCh := e.clock.After(e.cfg.FundingInterval)
	var lastMark decimal.Decimal

	for {
		select {
		case <-e.t.Dying():
			return nil

		case <-riskCh:
			lastMark = e.oracle.CurrentMarkPrice()
			e.riskTick(lastMark)
			riskCh = e.clock.After(e.cfg.RiskTickInterval)

		case <-fundCh:
			mark := lastMark
			if mark.IsZero() {
				mark = e.oracle.CurrentMarkPrice()
			}
			e.fundingTick(mark)
			fundCh = e.clock.After(e.cfg.FundingInterval)
		}
	}
}

func (e *Engine) riskTick(mark decimal.Decimal) {
	msg := scanMsg{mark: mark, threshold: e.cfg.LiquidationThreshold, reply: make(chan []account.LiquidationOrder, 1)}
	select {
	case e.acctQ <- msg:
	case <-e.t.Dying():
		return
	}

	var orders []account.LiquidationOrder
	select {
	case orders = <-msg.reply:
	case <-e.t.Dying():
		return
	}

	for _, lo := range orders {
		e.log.Warn("position insolvent, liquidating",
			zap.String("user", lo.User),
			zap.String("qty", lo.Qty.String()),
			zap.String("mark", mark.String()))
		m := liquidateMsg{order: &book.Order{
			ID:          lo.OrderID,
			User:        lo.User,
			Side:        lo.Side,
			Kind:        book.Market,
			Qty:         lo.Qty,
			Liquidation: true,
		}}
		select {
		case e.liqQ <- m:
		case <-e.t.Dying():
			return
		}
	}
}

func (e *Engine) fundingTick(mark decimal.Decimal) {
	msg := fundingMsg{mark: mark, rate: e.cfg.FundingRate, reply: make(chan account.FundingSummary, 1)}
	select {
	case e.acctQ <- msg:
	case <-e.t.Dying():
		return
	}
	select {
	case s := <-msg.reply:
		e.log.Info("funding settled",
			zap.Int("positions", s.Positions),
			zap.String("paid", s.Paid.String()),
			zap.String("received", s.Received.String()),
			zap.String("mark", mark.String()))
	case <-e.t.Dying():
	}
}
