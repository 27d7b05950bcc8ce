package common

import (
	"errors"
	"sync"
)

// ErrReentrantCall reports that a ledger operation attempted to start while
// another one was still in flight. The ledger is single-writer: an overlapping
// entry is either a reentrant call made from inside a settlement transfer or a
// caller violating the serialized execution model, and both are refused.
var ErrReentrantCall = errors.New("ledger operation already in flight")

// OperationLock is an explicit non-reentrant execution scope. Acquire marks an
// operation as in flight and fails instead of blocking when one already is, so
// a hostile transfer recipient cannot re-enter the ledger mid-settlement.
type OperationLock struct {
	mu     sync.Mutex
	active bool
}

// Acquire claims the scope for one operation. Callers must pair every
// successful Acquire with a Release on all exit paths.
func (l *OperationLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return ErrReentrantCall
	}
	l.active = true
	return nil
}

// Release returns the scope to idle. Releasing an idle lock is a no-op.
func (l *OperationLock) Release() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}
