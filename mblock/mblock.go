// Package mblock implements immutable write-once block objects: append-
// style vectored writes while uncommitted, then a commit that freezes the
// length and makes the block readable by object ID. Writes are all or
// nothing; no partial bytes are ever visible to a later read.
package mblock

import (
	"sync"
	"syscall"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/pool"
	"github.com/objstore/mpool/registry"
	"github.com/objstore/mpool/util"
)

type blkState uint8

const (
	stAllocated blkState = iota + 1
	stCommitted
	stDeleted
)

type Engine struct {
	mgr     pool.Manager
	handles *registry.Table
}

func MkEngine(mgr pool.Manager) *Engine {
	return &Engine{
		mgr:     mgr,
		handles: registry.MkTable(nil),
	}
}

// Block is an in-process mblock handle.
type Block struct {
	mu       sync.Mutex
	objid    common.ObjectID
	mclass   common.MediaClass
	capacity uint64
	spare    bool
	wlen     uint64
	state    blkState
}

func (b *Block) ObjID() common.ObjectID { return b.objid }

func (b *Block) propsLocked() common.MblockProps {
	return common.MblockProps{
		ObjID:     b.objid,
		MClass:    b.mclass,
		Capacity:  b.capacity,
		Len:       b.wlen,
		Committed: b.state == stCommitted,
		Spare:     b.spare,
	}
}

func fromPoolProps(p pool.ObjectProps) *Block {
	st := stAllocated
	if p.Committed {
		st = stCommitted
	}
	return &Block{
		objid:    p.ObjID,
		mclass:   p.MClass,
		capacity: p.Capacity,
		spare:    p.Spare,
		wlen:     p.Len,
		state:    st,
	}
}

// Alloc reserves an uncommitted mblock of the class's fixed capacity,
// from spare capacity if requested.
func (e *Engine) Alloc(mclass common.MediaClass, spare bool) (*Block, common.MblockProps, error) {
	oid, pp, err := e.mgr.Alloc(common.KindMblock, mclass, 0, spare)
	if err != nil {
		return nil, common.MblockProps{}, err
	}
	b := fromPoolProps(pp)
	if err := e.handles.Insert(oid, b); err != nil {
		e.mgr.Abort(oid)
		return nil, common.MblockProps{}, err
	}
	util.DPrintf(2, "mblock: alloc objid %d cap %d class %s spare %v\n", oid, b.capacity, mclass, spare)
	return b, b.propsLocked(), nil
}

// Write appends iov synchronously; the call returns once the pool has
// acknowledged durability.
func (e *Engine) Write(b *Block, iov [][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, err := b.reserveLocked(iov)
	if err != nil {
		return err
	}
	if _, err := e.mgr.SubmitIO(b.objid, iov, off, pool.IOWriteSync); err != nil {
		b.wlen = off // nothing landed
		return err
	}
	return nil
}

// WriteAsync enqueues iov into ctx and returns once buffered. The caller
// must keep the iov buffers alive and unmodified until AsyncioFlush, which
// resolves every write submitted under the context.
func (e *Engine) WriteAsync(b *Block, iov [][]byte, ctx *AsyncCtx) error {
	b.mu.Lock()
	off, err := b.reserveLocked(iov)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.enqueue(b.objid, off, iov)
}

// WriteData dispatches between the sync and async write paths: with
// syncWrites set or no context supplied the write is synchronous.
func (e *Engine) WriteData(b *Block, iov [][]byte, syncWrites bool, ctx *AsyncCtx) error {
	if syncWrites || ctx == nil {
		return e.Write(b, iov)
	}
	return e.WriteAsync(b, iov, ctx)
}

// reserveLocked validates state and claims the byte range for this write,
// keeping per-handle write order equal to call order.
func (b *Block) reserveLocked(iov [][]byte) (uint64, error) {
	if b.state != stAllocated {
		return 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "write objid %d: already committed", b.objid)
	}
	total := util.IovLen(iov)
	if b.wlen+total > b.capacity {
		return 0, merr.Newf(merr.CapacityExceeded, syscall.ENOSPC,
			"write objid %d: %d+%d exceeds %d", b.objid, b.wlen, total, b.capacity)
	}
	off := b.wlen
	b.wlen += total
	return off, nil
}

// Commit finalizes the block's length and makes it globally readable by
// object ID. Any async writes must have been flushed first.
func (e *Engine) Commit(b *Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stAllocated {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "commit objid %d: not allocated", b.objid)
	}
	if err := e.mgr.Commit(b.objid); err != nil {
		return err
	}
	b.state = stCommitted
	return nil
}

// Abort discards an uncommitted block and releases its object ID.
func (e *Engine) Abort(b *Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stAllocated {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "abort objid %d: already committed", b.objid)
	}
	if err := e.mgr.Abort(b.objid); err != nil {
		return err
	}
	b.state = stDeleted
	e.handles.Remove(b.objid)
	return nil
}

// Delete is only legal pre-commit and is equivalent to Abort; reclaiming
// committed mblocks is the pool manager's business, not this engine's.
func (e *Engine) Delete(b *Block) error {
	b.mu.Lock()
	if b.state == stCommitted {
		b.mu.Unlock()
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "delete objid %d: committed", b.objid)
	}
	b.mu.Unlock()
	return e.Abort(b)
}

// Read fills iov starting at a page-aligned byte offset and reports the
// count read, short at end-of-block.
func (e *Engine) Read(b *Block, iov [][]byte, off uint64) (int, error) {
	b.mu.Lock()
	if b.state != stCommitted {
		b.mu.Unlock()
		return 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "read objid %d: not committed", b.objid)
	}
	wlen := b.wlen
	b.mu.Unlock()

	if off%common.PageSize != 0 {
		return 0, merr.Newf(merr.InvalidArg, syscall.EINVAL, "read objid %d: offset %d not page-aligned", b.objid, off)
	}
	if off >= wlen {
		return 0, nil
	}
	iov = trimIov(iov, wlen-off)
	return e.mgr.SubmitIO(b.objid, iov, off, pool.IORead)
}

// trimIov limits an I/O vector to n bytes.
func trimIov(iov [][]byte, n uint64) [][]byte {
	out := make([][]byte, 0, len(iov))
	for _, b := range iov {
		if n == 0 {
			break
		}
		take := util.Min(uint64(len(b)), n)
		out = append(out, b[:take])
		n -= take
	}
	return out
}

func (e *Engine) GetProps(b *Block) (common.MblockProps, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.propsLocked(), nil
}

// Find resolves a committed object ID to a handle without pinning it.
func (e *Engine) Find(objid common.ObjectID) (*Block, common.MblockProps, error) {
	if v, ok := e.handles.Resolve(objid); ok {
		b := v.(*Block)
		b.mu.Lock()
		props := b.propsLocked()
		b.mu.Unlock()
		return b, props, nil
	}
	return e.loadHandle(objid)
}

// FindGet is Find with a reference taken; pair with Put.
func (e *Engine) FindGet(objid common.ObjectID) (*Block, common.MblockProps, error) {
	for {
		if v, ok := e.handles.FindGet(objid); ok {
			b := v.(*Block)
			b.mu.Lock()
			props := b.propsLocked()
			b.mu.Unlock()
			return b, props, nil
		}
		b, props, err := e.loadHandle(objid)
		if err != nil {
			return nil, common.MblockProps{}, err
		}
		if err := e.handles.Insert(objid, b); err != nil {
			continue
		}
		return b, props, nil
	}
}

func (e *Engine) loadHandle(objid common.ObjectID) (*Block, common.MblockProps, error) {
	pp, err := e.mgr.Props(objid)
	if err != nil {
		return nil, common.MblockProps{}, err
	}
	if pp.Kind != common.KindMblock {
		return nil, common.MblockProps{}, merr.Newf(merr.NotFound, syscall.ENOENT,
			"objid %d is a %s", objid, pp.Kind)
	}
	if !pp.Committed {
		return nil, common.MblockProps{}, merr.Newf(merr.NotFound, syscall.ENOENT,
			"objid %d not committed", objid)
	}
	b := fromPoolProps(pp)
	return b, b.propsLocked(), nil
}

func (e *Engine) Put(b *Block) error {
	return e.handles.Put(b.objid)
}
