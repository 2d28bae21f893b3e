// Package pool defines the Pool Manager boundary consumed by the mlog,
// mdc, mblock, and mcache engines, plus two providers: an in-memory pool
// for tests and a file-backed pool whose object directory is kept in a
// pebble keyspace.
//
// The pool is deliberately dumb storage: it allocates object IDs, tracks
// per-object length/generation/commit state, and executes vectored I/O.
// Lifecycle legality (write-after-commit and friends) is the engines'
// concern.
package pool

import (
	"github.com/objstore/mpool/common"
)

type IOMode uint8

const (
	IORead IOMode = iota
	IOWrite
	IOWriteSync
)

// ObjectProps is a read-only snapshot of the pool's view of one object.
type ObjectProps struct {
	ObjID     common.ObjectID
	Kind      common.ObjectKind
	MClass    common.MediaClass
	Capacity  uint64
	Len       uint64
	Gen       uint64
	Committed bool
	Spare     bool
}

// Manager is the durable side of the object engines.
//
// SubmitIO writes land at the given byte offset and extend Len; whether
// they are durable on return depends on the mode (IOWriteSync blocks until
// durable, IOWrite requires a later Flush). Reads fill the iovec in order
// and return the byte count transferred, which is short at end-of-object.
type Manager interface {
	Alloc(kind common.ObjectKind, mclass common.MediaClass, capacity uint64, spare bool) (common.ObjectID, ObjectProps, error)
	Commit(oid common.ObjectID) error
	Abort(oid common.ObjectID) error
	Delete(oid common.ObjectID) error
	Props(oid common.ObjectID) (ObjectProps, error)

	SubmitIO(oid common.ObjectID, iov [][]byte, off uint64, mode IOMode) (int, error)
	Flush(oid common.ObjectID) error

	// Erase truncates the object to zero length and sets its generation,
	// which must exceed the current one.
	Erase(oid common.ObjectID, gen uint64) (uint64, error)

	// RootMDC reports the pool's well-known root MDC mlog pair.
	RootMDC() (common.ObjectID, common.ObjectID, error)

	Close() error
}
