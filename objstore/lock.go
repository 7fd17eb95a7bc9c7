package objstore

import "github.com/pmemgo/pmemfile/layout"

// lockFor returns (creating if necessary) the in-process lock entry guarding
// the record at ref. Distinct Refs never alias the same entry, so callers
// that always take locks in the same Ref order (canonical pointer order, as
// pathres does) never deadlock.
func (p *Pool) lockFor(ref layout.Ref) *lockEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.locks[ref]
	if !ok {
		e = &lockEntry{}
		p.locks[ref] = e
	}
	return e
}

// LockRead acquires a read lock on ref for the duration of a pure lookup
// and returns an unlock function the caller must invoke directly — this is
// the "release immediately" handoff flavor, appropriate for locks that
// never guard a mutation a transaction might still roll back.
func (p *Pool) LockRead(ref layout.Ref) (unlock func()) {
	e := p.lockFor(ref)
	e.rw.RLock()
	return e.rw.RUnlock
}

// LockWrite acquires a write lock on ref for the duration of a mutation not
// wrapped in a transaction. Same immediate-release handoff as LockRead.
func (p *Pool) LockWrite(ref layout.Ref) (unlock func()) {
	e := p.lockFor(ref)
	e.rw.Lock()
	return e.rw.Unlock
}

// TxLockRead acquires a read lock scoped to tx: it is released only when
// tx's outermost transaction finishes (commit or abort), so a reader that
// observed a record mid-transaction never sees it change underneath it
// before the transaction resolves.
func (p *Pool) TxLockRead(tx *Tx, ref layout.Ref) {
	e := p.lockFor(ref)
	e.rw.RLock()
	tx.noteLock(e, false, releaseOnCommitAfterDurability)
}

// TxLockWrite acquires a write lock scoped to tx, held until the
// transaction durably commits or is rolled back — the "release on commit
// after durability" handoff: other threads must not see the mutation until
// the msync backing it has completed.
func (p *Pool) TxLockWrite(tx *Tx, ref layout.Ref) {
	e := p.lockFor(ref)
	e.rw.Lock()
	tx.noteLock(e, true, releaseOnCommitAfterDurability)
}
