// Package storage persists trades and account snapshots to Pebble. The
// journal is an audit and restart convenience, not durable replay: the
// engine never blocks on it, and a lost write loses history, not collateral.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/atharvParlikar/perpetra/pkg/engine"
	"github.com/atharvParlikar/perpetra/pkg/engine/account"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// keys: t:<8-byte big-endian seq> for trades, a:<user> for snapshots,
// ts:next for the sequence counter.
func kTrade(seq uint64) []byte {
	key := make([]byte, 2, 10)
	copy(key, "t:")
	return binary.BigEndian.AppendUint64(key, seq)
}
func kAccount(user string) []byte { return append([]byte("a:"), user...) }
func kSeq() []byte                { return []byte("ts:next") }

type Journal struct {
	db  *pebble.DB
	seq uint64
}

func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	if val, closer, err := db.Get(kSeq()); err == nil {
		j.seq = binary.BigEndian.Uint64(val)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// AppendTrade writes one trade under the next sequence number.
func (j *Journal) AppendTrade(t book.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kTrade(j.seq), data, nil); err != nil {
		return err
	}
	next := binary.BigEndian.AppendUint64(nil, j.seq+1)
	if err := batch.Set(kSeq(), next, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("commit trade: %w", err)
	}
	j.seq++
	return nil
}

// RecentTrades returns up to n most recent trades, oldest first.
func (j *Journal) RecentTrades(n int) ([]book.Trade, error) {
	lo := uint64(0)
	if j.seq > uint64(n) {
		lo = j.seq - uint64(n)
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: kTrade(lo),
		UpperBound: kTrade(j.seq),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []book.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t book.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

// SaveSnapshot persists one account snapshot, overwriting the previous one.
func (j *Journal) SaveSnapshot(snap account.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return j.db.Set(kAccount(snap.User), data, pebble.NoSync)
}

// LoadSnapshot reads one user's last saved snapshot. ok is false when the
// user has never been snapshotted.
func (j *Journal) LoadSnapshot(user string) (account.Snapshot, bool, error) {
	val, closer, err := j.db.Get(kAccount(user))
	if err == pebble.ErrNotFound {
		return account.Snapshot{}, false, nil
	}
	if err != nil {
		return account.Snapshot{}, false, err
	}
	defer closer.Close()

	var snap account.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return account.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Sink adapts the journal into an engine event sink that records trades.
// Write errors go to the error hook; the engine is never blocked or killed
// over journal failures.
type Sink struct {
	journal *Journal
	onError func(error)
}

func (j *Journal) Sink(onError func(error)) *Sink {
	return &Sink{journal: j, onError: onError}
}

func (s *Sink) Publish(event any) {
	te, ok := event.(engine.TradeEvent)
	if !ok {
		return
	}
	if err := s.journal.AppendTrade(te.Trade); err != nil && s.onError != nil {
		s.onError(err)
	}
}
