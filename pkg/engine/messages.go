package engine

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atharvParlikar/perpetra/pkg/engine/account"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// Workers communicate exclusively through these messages. Reply channels are
// buffered with capacity one so a worker never blocks on a caller that has
// gone away; the reply is simply discarded.

// bookMsg is any message consumed by the book worker.
type bookMsg interface{ bookMsg() }

type submitMsg struct {
	order *book.Order
	reply chan submitReply
}

type submitReply struct {
	result book.Result
	err    error
}

type cancelMsg struct {
	orderID uuid.UUID
	user    string
	reply   chan cancelReply
}

type cancelReply struct {
	order *book.Order
	err   error
}

type topMsg struct {
	reply chan TopOfBook
}

type depthMsg struct {
	n     int
	reply chan [2][]book.Level
}

// liquidateMsg carries a privileged market order on the dedicated queue.
// There is no reply; fills flow to accounts and the risk worker moves on.
type liquidateMsg struct {
	order *book.Order
}

func (submitMsg) bookMsg()    {}
func (cancelMsg) bookMsg()    {}
func (topMsg) bookMsg()       {}
func (depthMsg) bookMsg()     {}
func (liquidateMsg) bookMsg() {}

// acctMsg is any message consumed by the accounts worker.
type acctMsg interface{ acctMsg() }

type reserveMsg struct {
	user     string
	orderID  uuid.UUID
	side     book.Side
	kind     book.Kind
	price    decimal.Decimal
	qty      decimal.Decimal
	leverage int64
	reply    chan reserveReply
}

type reserveReply struct {
	margin decimal.Decimal
	err    error
}

type settleMsg struct {
	batch account.Batch
}

type releaseMsg struct {
	user    string
	orderID uuid.UUID
	reply   chan releaseReply
}

type releaseReply struct {
	refunded decimal.Decimal
	err      error
}

type depositMsg struct {
	user   string
	amount decimal.Decimal
	reply  chan error
}

type snapshotMsg struct {
	user  string
	reply chan account.Snapshot
}

type scanMsg struct {
	mark      decimal.Decimal
	threshold decimal.Decimal
	reply     chan []account.LiquidationOrder
}

type fundingMsg struct {
	mark  decimal.Decimal
	rate  decimal.Decimal
	reply chan account.FundingSummary
}

func (reserveMsg) acctMsg()  {}
func (settleMsg) acctMsg()   {}
func (releaseMsg) acctMsg()  {}
func (depositMsg) acctMsg()  {}
func (snapshotMsg) acctMsg() {}
func (scanMsg) acctMsg()     {}
func (fundingMsg) acctMsg()  {}

// TopOfBook is the best-of-book pair. Nil pointer means that side is empty.
type TopOfBook struct {
	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`
}

// TradeEvent and TopOfBookEvent stream to WebSocket clients and the journal,
// one JSON frame per event, in emission order.
type TradeEvent struct {
	Type string `json:"type"`
	book.Trade
}

type TopOfBookEvent struct {
	Type string `json:"type"`
	TopOfBook
}

// EventSink receives engine events. Sinks must not block the fan-out for
// long; slow consumers drop frames on their own side.
type EventSink interface {
	Publish(event any)
}
