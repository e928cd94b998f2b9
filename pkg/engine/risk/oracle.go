// Package risk provides the mark-price oracle consumed by the risk worker.
package risk

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// Oracle yields the mark price used for unrealized-PnL and liquidation
// checks. Pulled once per risk tick.
type Oracle interface {
	CurrentMarkPrice() decimal.Decimal
}

// RandomWalk is the simulation oracle: a seeded random walk stepping up to
// step (a fraction of the price) per tick, clamped to [min, max].
// Deterministic for a given seed.
type RandomWalk struct {
	rng   *rand.Rand
	price decimal.Decimal
	min   decimal.Decimal
	max   decimal.Decimal
	step  decimal.Decimal // max fractional step per tick, e.g. 0.02
	scale int32
}

func NewRandomWalk(seed int64, start, min, max, step decimal.Decimal, scale int32) *RandomWalk {
	return &RandomWalk{
		rng:   rand.New(rand.NewSource(seed)),
		price: start,
		min:   min,
		max:   max,
		step:  step,
		scale: scale,
	}
}

func (w *RandomWalk) CurrentMarkPrice() decimal.Decimal {
	// Uniform in [-step, +step].
	frac := decimal.NewFromFloat(2*w.rng.Float64() - 1).Mul(w.step)
	next := w.price.Mul(decimal.NewFromInt(1).Add(frac)).RoundBank(w.scale)
	if next.LessThan(w.min) {
		next = w.min
	}
	if next.GreaterThan(w.max) {
		next = w.max
	}
	w.price = next
	return next
}

// Fixed is an oracle pinned to a settable price, for tests and external
// feeds pushed from outside the engine. Set and read cross goroutines, so
// unlike the walk it carries a lock.
type Fixed struct {
	mu    sync.RWMutex
	price decimal.Decimal
}

func NewFixed(price decimal.Decimal) *Fixed { return &Fixed{price: price} }

func (f *Fixed) CurrentMarkPrice() decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price
}

// Set repoints the oracle; the new price is observed on the next risk tick.
func (f *Fixed) Set(price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = price
}
