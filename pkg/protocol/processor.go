// Package protocol implements the per-session command processor.
//
// The processor consumes (session id, command line) pairs from the transport
// and returns one response per command. Sessions are opaque strings; each one
// owns at most one transaction buffer. Commits are validated against the
// store's per-key versions and applied atomically under the store lock.
package protocol

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zfoobar/kvs/pkg/metrics"
	"github.com/zfoobar/kvs/pkg/store"
	"github.com/zfoobar/kvs/pkg/txn"
	"github.com/zfoobar/kvs/pkg/wire"
)

const (
	verbStart    = "START"
	verbCommit   = "COMMIT"
	verbRollback = "ROLLBACK"
	verbPut      = "PUT"
	verbGet      = "GET"
	verbDel      = "DEL"

	verbInvalid = "INVALID"
)

// Processor parses command lines and executes them against the store,
// buffering writes for sessions that are inside a transaction.
type Processor struct {
	store   *store.Store
	txns    *txn.Manager
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a processor. logger and m may be nil.
func New(st *store.Store, logger *zap.Logger, m *metrics.Metrics) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Processor{
		store:   st,
		txns:    txn.NewManager(),
		log:     logger,
		metrics: m,
	}
}

// Transactions exposes the transaction table, for stats reporting.
func (p *Processor) Transactions() *txn.Manager {
	return p.txns
}

// Process executes one command line on behalf of a session and returns the
// response to send back. It never panics; an unanticipated failure comes back
// as an Error response and the session survives.
func (p *Processor) Process(sessionID, line string) (resp *wire.Response) {
	verb := verbInvalid

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("command panicked",
				zap.String("session", sessionID),
				zap.Any("panic", r),
			)
			resp = wire.NewError(fmt.Sprintf("internal error: %v", r))
		}
		p.metrics.Commands.WithLabelValues(verb, string(resp.Status)).Inc()
	}()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return wire.NewError("Invalid command.")
	}

	switch v := strings.ToUpper(fields[0]); v {
	case verbStart, verbCommit, verbRollback, verbPut, verbGet, verbDel:
		verb = v
	default:
		return wire.NewError("Invalid command.")
	}

	switch verb {
	case verbStart:
		return p.start(sessionID)
	case verbCommit:
		return p.commit(sessionID)
	case verbRollback:
		return p.rollback(sessionID)
	case verbPut:
		return p.put(sessionID, fields)
	case verbGet:
		return p.get(sessionID, fields)
	default:
		return p.del(sessionID, fields)
	}
}

// EndSession discards any open transaction for a disconnected session, the
// equivalent of an implicit ROLLBACK.
func (p *Processor) EndSession(sessionID string) {
	if p.txns.Discard(sessionID) {
		p.metrics.TxnRolledBack.Inc()
		p.metrics.OpenTransactions.Dec()
		p.log.Debug("discarded transaction on disconnect", zap.String("session", sessionID))
	}
}

func (p *Processor) start(sessionID string) *wire.Response {
	if err := p.txns.Begin(sessionID); err != nil {
		return wire.NewError(err.Error())
	}
	p.metrics.TxnStarted.Inc()
	p.metrics.OpenTransactions.Inc()
	p.log.Debug("transaction started", zap.String("session", sessionID))
	return wire.NewOK(nil, "Transaction Started.")
}

// commit validates every touched key against its current version and, only if
// all of them are unchanged, replays the buffered ops in insertion order. The
// whole validate-then-apply sequence runs under the store lock, so no other
// commit or single-key operation can interleave with it.
func (p *Processor) commit(sessionID string) *wire.Response {
	buf, ok := p.txns.Get(sessionID)
	if !ok {
		return wire.NewError(txn.ErrNoTransaction.Error())
	}

	p.store.Lock()
	defer p.store.Unlock()

	for key, seen := range buf.Touched {
		// A missing key validates as version 1, matching the version
		// recorded when the key did not exist at first touch.
		current := uint64(1)
		if entry, ok := p.store.GetNoLock(key); ok {
			current = entry.Version
		}
		if current != seen {
			p.txns.Discard(sessionID)
			p.metrics.TxnConflicts.Inc()
			p.metrics.OpenTransactions.Dec()
			p.log.Debug("commit conflict",
				zap.String("session", sessionID),
				zap.String("key", key),
				zap.Uint64("seen", seen),
				zap.Uint64("current", current),
			)
			return wire.NewError("Key version has changed since we last touched the key")
		}
	}

	// Replay in insertion order. Repeated ops on the same key apply
	// cumulatively, so two PUTs produce two version increments.
	for _, op := range buf.Ops {
		switch op.Kind {
		case txn.OpPut:
			p.store.SetNoLock(op.Key, op.Value)
		case txn.OpDel:
			p.store.DeleteNoLock(op.Key)
		}
	}

	p.txns.Discard(sessionID)
	p.metrics.TxnCommitted.Inc()
	p.metrics.OpenTransactions.Dec()
	p.log.Debug("transaction committed",
		zap.String("session", sessionID),
		zap.Int("ops", len(buf.Ops)),
	)
	return wire.NewOK(nil, "Transaction committed.")
}

func (p *Processor) rollback(sessionID string) *wire.Response {
	if !p.txns.Discard(sessionID) {
		return wire.NewError(txn.ErrNoTransaction.Error())
	}
	p.metrics.TxnRolledBack.Inc()
	p.metrics.OpenTransactions.Dec()
	return wire.NewOK(nil, "Transaction rolled back.")
}

func (p *Processor) put(sessionID string, fields []string) *wire.Response {
	if len(fields) < 3 {
		return wire.NewError("PUT expects at least 3 arguments.")
	}
	key := fields[1]
	// The value is the remainder of the line; runs of whitespace between
	// value tokens collapse to a single space.
	value := strings.Join(fields[2:], " ")

	if buf, ok := p.txns.Get(sessionID); ok {
		buf.Put(key, value)
		p.touch(buf, key)
		return wire.NewOK(nil, fmt.Sprintf("PUT buffered for key '%s'.", key))
	}

	p.store.Set(key, value)
	return wire.NewOK(nil, "Command succeeded.")
}

func (p *Processor) get(sessionID string, fields []string) *wire.Response {
	if len(fields) != 2 {
		return wire.NewError("GET expects 2 arguments")
	}
	key := fields[1]

	// Inside a transaction the newest buffered op for the key wins. Reads
	// do not update the touched set; transactions are write-tracked only.
	if buf, ok := p.txns.Get(sessionID); ok {
		if op, ok := buf.Staged(key); ok {
			if op.Kind == txn.OpPut {
				return wire.NewOK(op.Value, "GET from transaction buffer")
			}
			return wire.NewError(fmt.Sprintf("Key %s was deleted in this transaction", key))
		}
	}

	entry, err := p.store.Get(key)
	if err != nil {
		return wire.NewError(err.Error())
	}
	return wire.NewOK(wire.EntryResult{Value: entry.Value, Version: entry.Version}, "Command succeeded.")
}

func (p *Processor) del(sessionID string, fields []string) *wire.Response {
	if len(fields) != 2 {
		return wire.NewError("DELETE expects 2 arguments")
	}
	key := fields[1]

	if buf, ok := p.txns.Get(sessionID); ok {
		buf.Del(key)
		p.touch(buf, key)
		return wire.NewOK(nil, fmt.Sprintf("DELETE buffered for key '%s'.", key))
	}

	if err := p.store.Delete(key); err != nil {
		return wire.NewError(err.Error())
	}
	return wire.NewOK(nil, "Command succeeded.")
}

// touch captures the key's current version the first time a transaction
// writes to it. A key that does not exist yet is recorded at the sentinel
// version 1, the version it would get on first creation. The commit-time
// re-check under the store lock is the authoritative safeguard.
func (p *Processor) touch(buf *txn.Buffer, key string) {
	if buf.IsTouched(key) {
		return
	}
	version := uint64(1)
	if entry, err := p.store.Get(key); err == nil {
		version = entry.Version
	}
	buf.Touch(key, version)
}
