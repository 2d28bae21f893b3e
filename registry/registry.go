// Package registry implements the object handle registry: a sharded table
// mapping object IDs to reference-counted in-process handles. FindGet/Put
// calls are paired; the handle is torn down in-process only when the count
// reaches zero. Resolve looks up without pinning.
package registry

import (
	"sync"
	"syscall"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/util"
)

const nshard = 257

type entry struct {
	val  interface{}
	refs int64
}

type tableShard struct {
	mu    sync.Mutex
	state map[common.ObjectID]*entry
}

type Table struct {
	shards []*tableShard
	// onDrop runs outside the shard lock when an entry's count hits zero
	// or the entry is removed.
	onDrop func(val interface{})
}

func MkTable(onDrop func(val interface{})) *Table {
	shards := make([]*tableShard, nshard)
	for i := range shards {
		shards[i] = &tableShard{state: make(map[common.ObjectID]*entry)}
	}
	return &Table{shards: shards, onDrop: onDrop}
}

func (t *Table) shard(oid common.ObjectID) *tableShard {
	return t.shards[uint64(oid)%nshard]
}

// Insert registers a new handle with one reference. A live entry for the
// same object is a caller bug surfaced as Busy.
func (t *Table) Insert(oid common.ObjectID, val interface{}) error {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[oid]; ok {
		return merr.Newf(merr.Busy, syscall.EBUSY, "objid %d already registered", oid)
	}
	s.state[oid] = &entry{val: val, refs: 1}
	return nil
}

// FindGet returns the handle for oid with an additional reference, or
// (nil, false) if no handle is registered.
func (t *Table) FindGet(oid common.ObjectID) (interface{}, bool) {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state[oid]
	if !ok {
		return nil, false
	}
	e.refs++
	util.DPrintf(10, "registry: get %d refs %d\n", oid, e.refs)
	return e.val, true
}

// Resolve returns the handle without taking a reference.
func (t *Table) Resolve(oid common.ObjectID) (interface{}, bool) {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state[oid]
	if !ok {
		return nil, false
	}
	return e.val, true
}

// Put drops one reference. An unpaired Put (no entry, or one past zero) is
// rejected, never fatal.
func (t *Table) Put(oid common.ObjectID) error {
	s := t.shard(oid)
	s.mu.Lock()
	e, ok := s.state[oid]
	if !ok {
		s.mu.Unlock()
		return merr.Newf(merr.NotFound, syscall.ENOENT, "objid %d not registered", oid)
	}
	if e.refs <= 0 {
		s.mu.Unlock()
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "objid %d over-put", oid)
	}
	e.refs--
	util.DPrintf(10, "registry: put %d refs %d\n", oid, e.refs)
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.state, oid)
	s.mu.Unlock()
	if t.onDrop != nil {
		t.onDrop(e.val)
	}
	return nil
}

// Remove force-drops the entry regardless of its count (delete/abort path).
func (t *Table) Remove(oid common.ObjectID) {
	s := t.shard(oid)
	s.mu.Lock()
	e, ok := s.state[oid]
	if ok {
		delete(s.state, oid)
	}
	s.mu.Unlock()
	if ok && t.onDrop != nil {
		t.onDrop(e.val)
	}
}

// Refs reports the current count, for diagnostics.
func (t *Table) Refs(oid common.ObjectID) int64 {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.state[oid]; ok {
		return e.refs
	}
	return 0
}
