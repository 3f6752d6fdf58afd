package wskit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/schema"
)

// rpcEntry tracks one in-flight RPC invocation on a connection.
//
// The terminal flag is the one-shot guard: reply, error, and client abort
// all race on a single compare-and-set. First one wins; the losers become
// silent no-ops. Progress frames check the flag without mutating it.
type rpcEntry struct {
	correlationID string
	desc          *schema.Descriptor
	ctx           context.Context
	cancel        context.CancelFunc
	terminal      atomic.Bool
	createdAt     time.Time

	// lastProgress is unix nanos of the last emitted progress frame,
	// used by the throttle window.
	lastProgress atomic.Int64

	mu        sync.Mutex
	onCancel  []func()
	cancelled bool
}

// claimTerminal attempts to win the one-shot guard.
func (e *rpcEntry) claimTerminal() bool {
	return e.terminal.CompareAndSwap(false, true)
}

// addCancel registers a cancellation callback. If the entry is already
// cancelled, fn runs immediately.
func (e *rpcEntry) addCancel(fn func()) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		fn()
		return
	}
	e.onCancel = append(e.onCancel, fn)
	e.mu.Unlock()
}

// fireCancel cancels the entry's context and runs callbacks exactly once.
func (e *rpcEntry) fireCancel() {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	callbacks := e.onCancel
	e.onCancel = nil
	e.mu.Unlock()

	e.cancel()
	for _, fn := range callbacks {
		fn()
	}
}

// rpcTable is the per-connection correlation table. A small mutex is enough:
// entries are keyed by a client-chosen unique id, so contention is low.
type rpcTable struct {
	mu         sync.Mutex
	entries    map[string]*rpcEntry
	maxPending int
}

func newRPCTable(maxPending int) *rpcTable {
	return &rpcTable{
		entries:    make(map[string]*rpcEntry),
		maxPending: maxPending,
	}
}

// create registers a new in-flight request. A correlation id already in
// flight is rejected with DUPLICATE_CORRELATION; reuse after the terminal
// is permitted. The pending cap rejects with PENDING_LIMIT.
func (t *rpcTable) create(correlationID string, desc *schema.Descriptor) (*rpcEntry, Code) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[correlationID]; exists {
		return nil, CodeDuplicateCorrelation
	}
	if t.maxPending > 0 && len(t.entries) >= t.maxPending {
		return nil, CodePendingLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &rpcEntry{
		correlationID: correlationID,
		desc:          desc,
		ctx:           ctx,
		cancel:        cancel,
		createdAt:     time.Now(),
	}
	t.entries[correlationID] = entry
	return entry, ""
}

func (t *rpcTable) get(correlationID string) *rpcEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[correlationID]
}

func (t *rpcTable) remove(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, correlationID)
}

// abort handles a client $ws:abort. Returns the entry when the abort won
// the terminal race (the caller emits $ws:cancelled); nil when the id is
// unknown or a terminal is already in flight.
func (t *rpcTable) abort(correlationID string) *rpcEntry {
	t.mu.Lock()
	entry := t.entries[correlationID]
	if entry == nil {
		t.mu.Unlock()
		return nil
	}
	if !entry.claimTerminal() {
		// Terminal won: the response is already in flight.
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, correlationID)
	t.mu.Unlock()

	entry.fireCancel()
	return entry
}

// abortAll cancels every in-flight RPC. Disconnect path. Entries whose
// terminal was still unclaimed never reached rpcFinished, so their gauge
// slot is released here.
func (t *rpcTable) abortAll() {
	t.mu.Lock()
	entries := make([]*rpcEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[string]*rpcEntry)
	t.mu.Unlock()

	for _, e := range entries {
		if e.claimTerminal() {
			metrics.RPCInflight.Dec()
		}
		e.fireCancel()
	}
}

func (t *rpcTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
