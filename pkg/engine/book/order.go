package book

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side int8

const (
	Bid Side = 1
	Ask Side = -1
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Opposite returns the side a matching order rests on.
func (s Side) Opposite() Side { return -s }

type Kind int8

const (
	Limit Kind = iota
	Market
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

// Order is a single order admitted to the book worker. Qty is the remaining
// quantity and is strictly positive while the order rests.
type Order struct {
	ID       uuid.UUID
	User     string
	Side     Side
	Kind     Kind
	Price    decimal.Decimal // ignored for market orders
	Qty      decimal.Decimal
	Leverage int64

	// Liquidation marks privileged orders emitted by the risk worker.
	// They bypass margin reservation and arrive on the dedicated queue.
	Liquidation bool

	Accepted time.Time
}

// Remaining reports the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal { return o.Qty }

// Trade is emitted on each match. Price is always the maker's resting price.
type Trade struct {
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	MakerUser    string          `json:"maker_user"`
	TakerUser    string          `json:"taker_user"`
	MakerSide    Side            `json:"-"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	Timestamp    time.Time       `json:"timestamp"`
}
