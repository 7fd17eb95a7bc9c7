package objstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/pmemgo/pmemfile/layout"
)

// txLimiter caps the number of outermost transactions in flight at once,
// the way the teacher bounds concurrent GCS requests with a weighted
// semaphore rather than an unbounded goroutine fan-out.
type txLimiter struct {
	sem *semaphore.Weighted
}

func newTxLimiter(n int64) *txLimiter {
	return &txLimiter{sem: semaphore.NewWeighted(n)}
}

// stage is one queued callback, run in LIFO order on commit or abort,
// mirroring libpmemobj's POBJ_TX_STAGE_ONCOMMIT/ONABORT callback lists.
type stage struct {
	onCommit func()
	onAbort  func()
}

// undoRange is a snapshot of a byte range taken before the transaction's
// first write to it, restored verbatim on abort.
type undoRange struct {
	ref  layout.Ref
	orig []byte
}

// Tx is a single transaction against a Pool. Transactions nest: only the
// outermost Begin acquires the concurrency slot and actually durably
// commits or aborts; inner Begin/Commit pairs merely extend the outer
// transaction's undo log and stage list, matching libpmemobj's nested
// transaction semantics ("flattened to the outermost").
type Tx struct {
	pool *Pool
	ctx  context.Context

	parent *Tx // non-nil for a nested transaction
	depth  int

	mu     sync.Mutex
	undo   []undoRange
	stages []stage

	// held records every lock acquired through this transaction, in
	// acquisition order, so Commit/Abort can release them per the
	// handoff policy: read/write locks taken for pure lookups release
	// immediately on abort, but locks protecting a mutation release only
	// after the transaction durably commits, so no other thread can
	// observe a half-applied change.
	held []heldLock

	aborted bool
	done    bool
}

type heldLock struct {
	entry       *lockEntry
	write       bool
	releaseMode releaseMode
}

type releaseMode int

const (
	releaseOnAbortImmediately releaseMode = iota
	releaseOnCommitAfterDurability
)

// Begin starts a new outermost transaction, blocking until a concurrency
// slot is free or ctx is canceled.
func Begin(ctx context.Context, p *Pool) (*Tx, error) {
	if err := p.txSem.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "objstore: acquire transaction slot")
	}
	return &Tx{pool: p, ctx: ctx}, nil
}

// BeginNested opens a nested transaction sharing parent's undo log, stage
// list, and lock set. Committing it is a no-op until the outermost
// transaction commits; aborting it marks the whole chain aborted, matching
// "abort of a nested transaction aborts every enclosing transaction" in
// libpmemobj.
func BeginNested(parent *Tx) *Tx {
	parent.pool.Metrics.TxNested()
	return &Tx{pool: parent.pool, ctx: parent.ctx, parent: parent, depth: parent.depth + 1}
}

func (tx *Tx) root() *Tx {
	t := tx
	for t.parent != nil {
		t = t.parent
	}
	return t
}

// AddRange snapshots ref[0:len(cur)] as it stands right now, so Abort can
// restore it. Callers must snapshot before mutating, mirroring
// pmemobj_tx_add_range.
func (tx *Tx) AddRange(ref layout.Ref, cur []byte) {
	root := tx.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	snapshot := make([]byte, len(cur))
	copy(snapshot, cur)
	root.undo = append(root.undo, undoRange{ref: ref, orig: snapshot})
}

// OnCommit registers a callback to run after the outermost transaction
// durably commits.
func (tx *Tx) OnCommit(fn func()) {
	root := tx.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.stages = append(root.stages, stage{onCommit: fn})
}

// OnAbort registers a callback to run if the transaction is ultimately
// aborted.
func (tx *Tx) OnAbort(fn func()) {
	root := tx.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.stages = append(root.stages, stage{onAbort: fn})
}

// noteLock records a lock acquired under this transaction for handoff on
// Commit/Abort. Called by Pool.TxLockWrite/TxLockRead.
func (tx *Tx) noteLock(e *lockEntry, write bool, mode releaseMode) {
	root := tx.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.held = append(root.held, heldLock{entry: e, write: write, releaseMode: mode})
}

// Commit finalizes a transaction. For a nested transaction this only marks
// it done; the outermost Commit performs the msync, releases
// commit-deferred locks, and runs onCommit stages in LIFO order.
func (tx *Tx) Commit() error {
	if tx.done {
		return errors.New("objstore: transaction already finished")
	}
	tx.done = true

	if tx.parent != nil {
		return nil
	}

	if err := tx.pool.msync(); err != nil {
		tx.releaseAll()
		tx.pool.txSem.sem.Release(1)
		return err
	}

	for i := len(tx.stages) - 1; i >= 0; i-- {
		if tx.stages[i].onCommit != nil {
			tx.stages[i].onCommit()
		}
	}

	tx.releaseAll()
	tx.pool.txSem.sem.Release(1)
	tx.pool.Metrics.TxCommit()
	return nil
}

// Abort rolls back every AddRange snapshot (LIFO), runs onAbort stages
// (LIFO), releases every held lock immediately, and — if this is a nested
// transaction — propagates the abort to every enclosing transaction,
// matching libpmemobj.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.aborted = true

	if tx.parent != nil {
		tx.parent.Abort()
		return
	}

	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		dst := tx.pool.Bytes(u.ref, uint64(len(u.orig)))
		copy(dst, u.orig)
	}

	for i := len(tx.stages) - 1; i >= 0; i-- {
		if tx.stages[i].onAbort != nil {
			tx.stages[i].onAbort()
		}
	}

	tx.releaseAll()
	tx.pool.txSem.sem.Release(1)
	tx.pool.Metrics.TxAbort()
}

func (tx *Tx) releaseAll() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		h := tx.held[i]
		if h.write {
			h.entry.rw.Unlock()
		} else {
			h.entry.rw.RUnlock()
		}
	}
	tx.held = nil
}
