package engine

import (
	"go.uber.org/zap"
)

// accountsWorker owns collateral balances and positions. Settlement errors
// are invariant violations: the worker returns the error into the tomb and
// the engine dies rather than continue from an inconsistent state.
func (e *Engine) accountsWorker() error {
	for {
		select {
		case <-e.t.Dying():
			return nil
		case m := <-e.acctQ:
			switch msg := m.(type) {
			case reserveMsg:
				margin, err := e.accounts.Reserve(msg.user, msg.orderID, msg.side, msg.kind, msg.price, msg.qty, msg.leverage)
				msg.reply <- reserveReply{margin: margin, err: err}

			case settleMsg:
				if err := e.accounts.ApplyBatch(msg.batch); err != nil {
					e.log.Error("settlement invariant violation", zap.Error(err))
					return err
				}

			case releaseMsg:
				refunded, err := e.accounts.Release(msg.user, msg.orderID)
				msg.reply <- releaseReply{refunded: refunded, err: err}

			case depositMsg:
				msg.reply <- e.accounts.Deposit(msg.user, msg.amount)

			case snapshotMsg:
				msg.reply <- e.accounts.Snapshot(msg.user)

			case scanMsg:
				msg.reply <- e.accounts.ScanRisk(msg.mark, msg.threshold)

			case fundingMsg:
				msg.reply <- e.accounts.ApplyFunding(msg.mark, msg.rate)
			}
		}
	}
}
