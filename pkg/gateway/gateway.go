// Package gateway translates inbound requests into engine messages. It
// validates fields, resolves auth tokens to user ids, and hands validated
// orders to the engine, which correlates worker replies back to the caller.
package gateway

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atharvParlikar/perpetra/pkg/engine"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

type Gateway struct {
	eng      *engine.Engine
	verifier TokenVerifier
	log      *zap.Logger
}

func New(eng *engine.Engine, verifier TokenVerifier, log *zap.Logger) *Gateway {
	return &Gateway{eng: eng, verifier: verifier, log: log}
}

// PlaceOrderRequest mirrors the POST /order body.
type PlaceOrderRequest struct {
	Type     string          `json:"type_"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Side     string          `json:"side"`
	Leverage int64           `json:"leverage"`
	JWT      string          `json:"jwt"`
}

type PlaceOrderResponse struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Filled  decimal.Decimal `json:"filled"`
}

// PlaceOrder authenticates, validates, and submits one order.
func (g *Gateway) PlaceOrder(req PlaceOrderRequest) (PlaceOrderResponse, error) {
	user, err := g.verifier.Verify(req.JWT)
	if err != nil {
		return PlaceOrderResponse{}, err
	}

	params, err := g.validate(user, req)
	if err != nil {
		return PlaceOrderResponse{}, err
	}

	res, err := g.eng.Submit(params)
	if err != nil {
		return PlaceOrderResponse{}, err
	}

	filled := params.Qty.Sub(res.Remainder)
	g.log.Debug("order admitted",
		zap.String("user", user),
		zap.String("order_id", res.OrderID.String()),
		zap.String("status", string(res.Status)))

	return PlaceOrderResponse{
		OrderID: res.OrderID.String(),
		Status:  string(res.Status),
		Filled:  filled,
	}, nil
}

func (g *Gateway) validate(user string, req PlaceOrderRequest) (engine.SubmitParams, error) {
	var p engine.SubmitParams
	p.User = user

	switch req.Side {
	case "buy", "bid":
		p.Side = book.Bid
	case "sell", "ask":
		p.Side = book.Ask
	default:
		return p, fmt.Errorf("%w: side must be buy or sell", engine.ErrValidation)
	}

	switch req.Type {
	case "limit":
		p.Kind = book.Limit
		if !req.Price.IsPositive() {
			return p, fmt.Errorf("%w: limit price must be positive", engine.ErrValidation)
		}
		p.Price = req.Price
	case "market":
		p.Kind = book.Market
	default:
		return p, fmt.Errorf("%w: type_ must be limit or market", engine.ErrValidation)
	}

	if !req.Amount.IsPositive() {
		return p, fmt.Errorf("%w: amount must be positive", engine.ErrValidation)
	}
	p.Qty = req.Amount

	if req.Leverage < 1 || req.Leverage > g.eng.MaxLeverage() {
		return p, fmt.Errorf("%w: leverage must be in [1, %d]", engine.ErrValidation, g.eng.MaxLeverage())
	}
	p.Leverage = req.Leverage

	return p, nil
}

// CancelRequest mirrors the POST /cancel body.
type CancelRequest struct {
	OrderID string `json:"order_id"`
	JWT     string `json:"jwt"`
}

type CancelResponse struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	RefundedMargin decimal.Decimal `json:"refunded_margin"`
}

func (g *Gateway) Cancel(req CancelRequest) (CancelResponse, error) {
	user, err := g.verifier.Verify(req.JWT)
	if err != nil {
		return CancelResponse{}, err
	}
	id, err := uuid.Parse(req.OrderID)
	if err != nil {
		return CancelResponse{}, fmt.Errorf("%w: malformed order_id", engine.ErrValidation)
	}

	refunded, err := g.eng.Cancel(id, user)
	if err != nil {
		return CancelResponse{}, err
	}
	return CancelResponse{OrderID: req.OrderID, Status: "cancelled", RefundedMargin: refunded}, nil
}

// Account returns the caller's account snapshot.
func (g *Gateway) Account(token string) (any, error) {
	user, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return g.eng.Snapshot(user)
}

// Deposit credits collateral. The simulation front door exposes this
// directly; production wires a real bridge.
func (g *Gateway) Deposit(token string, amount decimal.Decimal) error {
	user, err := g.verifier.Verify(token)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", engine.ErrValidation)
	}
	return g.eng.Deposit(user, amount)
}
