package api

import (
	"github.com/shopspring/decimal"

	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DepositRequest funds an account in simulation mode.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	JWT    string          `json:"jwt"`
}

type DepositResponse struct {
	Status string `json:"status"`
}

// BookSnapshot is the GET /book payload: top-of-book plus aggregated depth.
type BookSnapshot struct {
	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`
	Bids    []book.Level     `json:"bids"`
	Asks    []book.Level     `json:"asks"`
}
