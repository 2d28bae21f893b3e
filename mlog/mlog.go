// Package mlog implements append-only log objects: variable-length records
// framed with a length prefix, an internal read cursor, and erase-with-
// generation semantics for staleness detection.
//
// Records are never rewritten in place; erase is the only way to reclaim
// space and it bumps the log's generation.
package mlog

import (
	"sync"
	"syscall"

	"github.com/tchajed/goose/machine"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/pool"
	"github.com/objstore/mpool/registry"
	"github.com/objstore/mpool/util"
)

// each record is an 8-byte length prefix followed by the payload
const hdrSize = 8

type logState uint8

const (
	stAllocated logState = iota + 1
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

// Log is an in-process mlog handle. All mutable state (cursor, buffers)
// lives here; the durable bytes live with the pool manager.
type Log struct {
	mu       sync.Mutex
	objid    common.ObjectID
	mclass   common.MediaClass
	capacity uint64
	state    logState
	gen      uint64

	// write side: woff includes pending bytes, flushed is what the pool
	// has been handed
	woff    uint64
	flushed uint64
	pending []byte

	opens     int
	rdwrOpens int
	exclOpen  bool

	// read cursor
	rdOff   uint64
	rdGen   uint64
	rdValid bool
}

func (l *Log) ObjID() common.ObjectID { return l.objid }

func (l *Log) propsLocked() common.MlogProps {
	return common.MlogProps{
		ObjID:     l.objid,
		Gen:       l.gen,
		MClass:    l.mclass,
		Capacity:  l.capacity,
		Len:       l.woff,
		Committed: l.state == stCommitted,
	}
}

func fromPoolProps(p pool.ObjectProps) *Log {
	st := stAllocated
	if p.Committed {
		st = stCommitted
	}
	return &Log{
		objid:    p.ObjID,
		mclass:   p.MClass,
		capacity: p.Capacity,
		state:    st,
		gen:      p.Gen,
		woff:     p.Len,
		flushed:  p.Len,
	}
}

// Alloc reserves an uncommitted mlog. The returned handle carries one
// reference.
func (e *Engine) Alloc(capacity uint64, mclass common.MediaClass) (*Log, common.MlogProps, error) {
	oid, pp, err := e.mgr.Alloc(common.KindMlog, mclass, capacity, false)
	if err != nil {
		return nil, common.MlogProps{}, err
	}
	l := fromPoolProps(pp)
	if err := e.handles.Insert(oid, l); err != nil {
		e.mgr.Abort(oid)
		return nil, common.MlogProps{}, err
	}
	util.DPrintf(2, "mlog: alloc objid %d cap %d class %s\n", oid, l.capacity, mclass)
	return l, l.propsLocked(), nil
}

// Realloc re-establishes an uncommitted mlog at an existing object ID,
// discarding anything written under the previous incarnation. Callers use
// it to retry after a failed commit without burning a new object ID.
func (e *Engine) Realloc(objid common.ObjectID) (*Log, common.MlogProps, error) {
	pp, err := e.mgr.Props(objid)
	if err != nil {
		return nil, common.MlogProps{}, err
	}
	if pp.Kind != common.KindMlog {
		return nil, common.MlogProps{}, merr.Newf(merr.NotFound, syscall.ENOENT,
			"realloc objid %d is a %s", objid, pp.Kind)
	}
	if pp.Committed {
		return nil, common.MlogProps{}, merr.Newf(merr.InvalidState, syscall.EINVAL,
			"realloc objid %d: already committed", objid)
	}
	if pp.Len > 0 {
		if pp.Gen, err = e.mgr.Erase(objid, pp.Gen+1); err != nil {
			return nil, common.MlogProps{}, err
		}
		pp.Len = 0
	}
	// any handle left over from the failed incarnation is dead now
	e.handles.Remove(objid)
	l := fromPoolProps(pp)
	if err := e.handles.Insert(objid, l); err != nil {
		return nil, common.MlogProps{}, err
	}
	util.DPrintf(2, "mlog: realloc objid %d gen %d\n", objid, l.gen)
	return l, l.propsLocked(), nil
}

// Commit makes an allocated mlog durable.
func (e *Engine) Commit(l *Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stAllocated {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "commit objid %d: not allocated", l.objid)
	}
	if err := e.mgr.Commit(l.objid); err != nil {
		return err
	}
	l.state = stCommitted
	return nil
}

// Abort releases an allocated-but-uncommitted mlog.
func (e *Engine) Abort(l *Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stAllocated {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "abort objid %d: already committed", l.objid)
	}
	if err := e.mgr.Abort(l.objid); err != nil {
		return err
	}
	l.state = stDeleted
	e.handles.Remove(l.objid)
	return nil
}

// Delete destroys a committed mlog. Terminal.
func (e *Engine) Delete(l *Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stCommitted {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "delete objid %d: not committed", l.objid)
	}
	if err := e.mgr.Delete(l.objid); err != nil {
		return err
	}
	l.state = stDeleted
	e.handles.Remove(l.objid)
	return nil
}

// Open validates the mlog is committed and returns its current generation
// so the caller can detect a concurrent erase later.
func (e *Engine) Open(l *Log, flags common.OpenFlags) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stCommitted {
		return 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "open objid %d: not committed", l.objid)
	}
	if l.opens > 0 && (l.exclOpen || flags&common.OpenExcl != 0) {
		return 0, merr.Newf(merr.Busy, syscall.EBUSY, "open objid %d: exclusive conflict", l.objid)
	}
	l.opens++
	l.exclOpen = flags&common.OpenExcl != 0
	if flags&common.OpenRDWR != 0 {
		l.rdwrOpens++
	}
	return l.gen, nil
}

// Close flushes buffered appends and drops the open.
func (e *Engine) Close(l *Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opens == 0 {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "close objid %d: not open", l.objid)
	}
	if err := e.flushLocked(l); err != nil {
		return err
	}
	l.opens--
	if l.opens == 0 {
		l.exclOpen = false
		l.rdwrOpens = 0
	}
	return nil
}

// AppendData appends one logical record. With sync the call blocks until
// the record is durable; otherwise it is buffered and becomes durable on
// the next Flush, sync append, or Close. All-or-nothing in either case.
func (e *Engine) AppendData(l *Log, data []byte, sync bool) error {
	return e.AppendDatav(l, [][]byte{data}, sync)
}

func (e *Engine) AppendDatav(l *Log, iov [][]byte, sync bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stCommitted || l.opens == 0 || l.rdwrOpens == 0 {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "append objid %d: not open for write", l.objid)
	}
	dlen := util.IovLen(iov)
	total := hdrSize + dlen
	if util.SumOverflows(l.woff, total) || l.woff+total > l.capacity {
		return merr.Newf(merr.LogFull, syscall.ENOSPC,
			"append objid %d: %d+%d exceeds %d", l.objid, l.woff, total, l.capacity)
	}
	hdr := make([]byte, hdrSize)
	machine.UInt64Put(hdr, dlen)

	if !sync {
		l.pending = append(l.pending, hdr...)
		for _, b := range iov {
			l.pending = append(l.pending, b...)
		}
		l.woff += total
		return nil
	}

	if err := e.writePendingLocked(l); err != nil {
		return err
	}
	frame := make([][]byte, 0, len(iov)+1)
	frame = append(frame, hdr)
	frame = append(frame, iov...)
	if _, err := e.mgr.SubmitIO(l.objid, frame, l.flushed, pool.IOWriteSync); err != nil {
		return err
	}
	l.flushed += total
	l.woff = l.flushed
	return nil
}

// writePendingLocked hands buffered appends to the pool without forcing
// durability.
func (e *Engine) writePendingLocked(l *Log) error {
	if len(l.pending) == 0 {
		return nil
	}
	n := uint64(len(l.pending))
	if _, err := e.mgr.SubmitIO(l.objid, [][]byte{l.pending}, l.flushed, pool.IOWrite); err != nil {
		return err
	}
	l.flushed += n
	l.pending = nil
	return nil
}

func (e *Engine) flushLocked(l *Log) error {
	if err := e.writePendingLocked(l); err != nil {
		return err
	}
	return e.mgr.Flush(l.objid)
}

// Flush forces all buffered appends durable.
func (e *Engine) Flush(l *Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.flushLocked(l)
}

// ReadDataInit resets the read cursor to the first record and snapshots
// the generation; a later erase invalidates the cursor.
func (e *Engine) ReadDataInit(l *Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stCommitted || l.opens == 0 {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "read init objid %d: not open", l.objid)
	}
	if err := e.writePendingLocked(l); err != nil {
		return err
	}
	l.rdOff = 0
	l.rdGen = l.gen
	l.rdValid = true
	return nil
}

// ReadDataNext returns the next record's length after copying it into buf.
// A too-small buf fails with Overflow and the required length, leaving the
// cursor where it was. End of log is EndOfLog, not a fault.
func (e *Engine) ReadDataNext(l *Log, buf []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.readNextLocked(l, 0, buf)
}

// SeekReadDataNext skips skip bytes of records before reading the next
// record, to resume an interrupted scan.
func (e *Engine) SeekReadDataNext(l *Log, skip uint64, buf []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.readNextLocked(l, skip, buf)
}

func (e *Engine) readNextLocked(l *Log, skip uint64, buf []byte) (uint64, error) {
	if !l.rdValid {
		return 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "read objid %d: cursor not initialized", l.objid)
	}
	if l.rdGen != l.gen {
		return 0, merr.Newf(merr.StaleGeneration, syscall.ESTALE,
			"read objid %d: gen %d, cursor gen %d", l.objid, l.gen, l.rdGen)
	}
	if err := e.writePendingLocked(l); err != nil {
		return 0, err
	}
	off := l.rdOff + skip
	if off >= l.woff {
		return 0, merr.New(merr.EndOfLog, 0)
	}

	hdr := make([]byte, hdrSize)
	if err := e.readAt(l, hdr, off); err != nil {
		return 0, err
	}
	dlen := machine.UInt64Get(hdr)
	if off+hdrSize+dlen > l.woff {
		return 0, merr.Newf(merr.IoFailure, syscall.EIO, "read objid %d: torn record at %d", l.objid, off)
	}
	if dlen > uint64(len(buf)) {
		// cursor unchanged so the caller can resize and retry
		return dlen, merr.Newf(merr.Overflow, syscall.EOVERFLOW,
			"read objid %d: need %d, have %d", l.objid, dlen, len(buf))
	}
	if dlen > 0 {
		if err := e.readAt(l, buf[:dlen], off+hdrSize); err != nil {
			return 0, err
		}
	}
	l.rdOff = off + hdrSize + dlen
	return dlen, nil
}

func (e *Engine) readAt(l *Log, buf []byte, off uint64) error {
	n, err := e.mgr.SubmitIO(l.objid, [][]byte{buf}, off, pool.IORead)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return merr.Newf(merr.IoFailure, syscall.EIO,
			"read objid %d: short read %d of %d at %d", l.objid, n, len(buf), off)
	}
	return nil
}

// Len reports the used byte length, including buffered appends.
func (e *Engine) Len(l *Log) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.woff, nil
}

func (e *Engine) Empty(l *Log) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.woff == 0, nil
}

// Erase truncates the log to empty and advances its generation. mingen 0
// advances by one; a nonzero mingen is a strict floor and fails with
// StaleGeneration once the log has already reached it.
func (e *Engine) Erase(l *Log, mingen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stCommitted {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "erase objid %d: not committed", l.objid)
	}
	target := l.gen + 1
	if mingen != 0 {
		if l.gen >= mingen {
			return merr.Newf(merr.StaleGeneration, syscall.ESTALE,
				"erase objid %d: gen %d at or above floor %d", l.objid, l.gen, mingen)
		}
		target = mingen
	}
	gen, err := e.mgr.Erase(l.objid, target)
	if err != nil {
		return err
	}
	l.gen = gen
	l.woff = 0
	l.flushed = 0
	l.pending = nil
	util.DPrintf(2, "mlog: erase objid %d gen %d\n", l.objid, gen)
	return nil
}

func (e *Engine) GetProps(l *Log) (common.MlogProps, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.propsLocked(), nil
}

// FindGet resolves a committed object ID to a referenced handle, creating
// the in-process handle on first use.
func (e *Engine) FindGet(objid common.ObjectID) (*Log, common.MlogProps, error) {
	for {
		if v, ok := e.handles.FindGet(objid); ok {
			l := v.(*Log)
			l.mu.Lock()
			props := l.propsLocked()
			l.mu.Unlock()
			return l, props, nil
		}
		l, props, err := e.loadHandle(objid)
		if err != nil {
			return nil, common.MlogProps{}, err
		}
		if err := e.handles.Insert(objid, l); err != nil {
			// lost a race with another FindGet; use theirs
			continue
		}
		return l, props, nil
	}
}

// Resolve is FindGet without pinning: the handle is not protected from
// teardown and must not be Put.
func (e *Engine) Resolve(objid common.ObjectID) (*Log, common.MlogProps, error) {
	if v, ok := e.handles.Resolve(objid); ok {
		l := v.(*Log)
		l.mu.Lock()
		props := l.propsLocked()
		l.mu.Unlock()
		return l, props, nil
	}
	return e.loadHandle(objid)
}

func (e *Engine) loadHandle(objid common.ObjectID) (*Log, common.MlogProps, error) {
	pp, err := e.mgr.Props(objid)
	if err != nil {
		return nil, common.MlogProps{}, err
	}
	if pp.Kind != common.KindMlog {
		return nil, common.MlogProps{}, merr.Newf(merr.NotFound, syscall.ENOENT,
			"objid %d is a %s", objid, pp.Kind)
	}
	if !pp.Committed {
		return nil, common.MlogProps{}, merr.Newf(merr.NotFound, syscall.ENOENT,
			"objid %d not committed", objid)
	}
	l := fromPoolProps(pp)
	return l, l.propsLocked(), nil
}

// Put drops the reference taken by Alloc or FindGet; the in-process handle
// is torn down when the count reaches zero.
func (e *Engine) Put(l *Log) error {
	return e.handles.Put(l.objid)
}
