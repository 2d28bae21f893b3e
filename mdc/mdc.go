// Package mdc implements the metadata container: a crash-consistent,
// self-compacting record store built from a pair of mlogs. Exactly one
// log is active at a time; compaction replays live records into the
// inactive log between a start and an end marker, and the end marker is
// what makes the switch durable.
//
// The container's state is persisted only through the marker records, so
// recovery reconstructs it purely from what is on media: a log whose last
// start marker has no matching end marker is a torn compaction and is
// ignored in favor of the other log.
package mdc

import (
	"sync"
	"syscall"

	"github.com/tchajed/marshal"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/mlog"
	"github.com/objstore/mpool/pool"
	"github.com/objstore/mpool/util"
)

// record types within the active mlog
const (
	recData   uint64 = 1
	recCStart uint64 = 2
	recCEnd   uint64 = 3
)

const (
	typeHdrSize = 8
	markerSize  = 16 // type + compaction sequence
)

type Engine struct {
	mgr pool.Manager
	ml  *mlog.Engine
}

func MkEngine(mgr pool.Manager, ml *mlog.Engine) *Engine {
	return &Engine{mgr: mgr, ml: ml}
}

// MDC is an open metadata container handle.
type MDC struct {
	lk  sync.Locker
	eng *Engine

	oids [2]common.ObjectID
	logs [2]*mlog.Log

	active     int
	seq        uint64 // sequence of the last durable compaction
	compacting bool
	pendSeq    uint64

	// one-record pushback so a Read overflow does not advance the cursor
	pendRec []byte
	scratch []byte
	closed  bool
}

// nopLocker backs MDCOFSkipSer handles: the caller has promised to
// serialize externally.
type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// Alloc reserves an uncommitted mlog pair for a new container.
func (e *Engine) Alloc(mclass common.MediaClass, capacity uint64) (common.ObjectID, common.ObjectID, common.MDCProps, error) {
	oid1, pp1, err := e.mgr.Alloc(common.KindMlog, mclass, capacity, false)
	if err != nil {
		return 0, 0, common.MDCProps{}, err
	}
	oid2, _, err := e.mgr.Alloc(common.KindMlog, mclass, capacity, false)
	if err != nil {
		e.mgr.Abort(oid1)
		return 0, 0, common.MDCProps{}, err
	}
	props := common.MDCProps{
		ObjID1:   oid1,
		ObjID2:   oid2,
		AllocCap: pp1.Capacity,
		MClass:   mclass,
	}
	util.DPrintf(2, "mdc: alloc (%d, %d)\n", oid1, oid2)
	return oid1, oid2, props, nil
}

// Commit makes the pair durable, atomically from the caller's view: if
// the second commit fails the container is unusable and the caller should
// Destroy it.
func (e *Engine) Commit(oid1, oid2 common.ObjectID) error {
	if err := e.mgr.Commit(oid1); err != nil {
		return err
	}
	return e.mgr.Commit(oid2)
}

// Destroy tears down the pair regardless of commit state.
func (e *Engine) Destroy(oid1, oid2 common.ObjectID) error {
	var firstErr error
	for _, oid := range []common.ObjectID{oid1, oid2} {
		err := e.mgr.Delete(oid)
		if merr.Is(err, merr.InvalidState) {
			err = e.mgr.Abort(oid)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetRoot reports the pool's well-known root MDC pair.
func (e *Engine) GetRoot() (common.ObjectID, common.ObjectID, error) {
	return e.mgr.RootMDC()
}

type scanInfo struct {
	empty      bool
	matchedSeq uint64 // highest start seq with a matching end
	lastSeq    uint64 // highest seq seen in any marker
	unmatched  bool   // last start marker has no end marker
}

// Open determines which log is active by inspecting compaction markers
// and positions the read cursor at the first record.
func (e *Engine) Open(oid1, oid2 common.ObjectID, flags uint8) (*MDC, error) {
	m := &MDC{
		eng:  e,
		oids: [2]common.ObjectID{oid1, oid2},
	}
	if flags&common.MDCOFSkipSer != 0 {
		m.lk = nopLocker{}
	} else {
		m.lk = new(sync.Mutex)
	}

	var infos [2]scanInfo
	for i, oid := range m.oids {
		l, _, err := e.ml.FindGet(oid)
		if err != nil {
			m.releaseLogs(i)
			return nil, err
		}
		if _, err := e.ml.Open(l, common.OpenRDWR); err != nil {
			e.ml.Put(l)
			m.releaseLogs(i)
			return nil, err
		}
		m.logs[i] = l
		infos[i], err = m.scanLog(i)
		if err != nil {
			m.releaseLogs(i + 1)
			return nil, err
		}
	}

	active, err := pickActive(infos)
	if err != nil {
		m.releaseLogs(2)
		return nil, err
	}
	m.active = active
	// never reuse a sequence number that reached media, matched or not
	for _, info := range infos {
		if info.lastSeq > m.seq {
			m.seq = info.lastSeq
		}
	}

	if err := e.ml.ReadDataInit(m.logs[active]); err != nil {
		m.releaseLogs(2)
		return nil, err
	}
	util.DPrintf(2, "mdc: open (%d, %d) active %d seq %d\n", oid1, oid2, active, m.seq)
	return m, nil
}

func (m *MDC) releaseLogs(n int) {
	for i := 0; i < n; i++ {
		if m.logs[i] != nil {
			m.eng.ml.Close(m.logs[i])
			m.eng.ml.Put(m.logs[i])
			m.logs[i] = nil
		}
	}
}

// pickActive applies the recovery rule: a log whose compaction started but
// never ended is mid-compaction and loses to the other log; between two
// clean logs the higher matched sequence wins, and a never-compacted pair
// favors whichever log holds data.
func pickActive(infos [2]scanInfo) (int, error) {
	v0 := !infos[0].unmatched
	v1 := !infos[1].unmatched
	switch {
	case v0 && v1:
		if infos[0].matchedSeq != infos[1].matchedSeq {
			if infos[0].matchedSeq > infos[1].matchedSeq {
				return 0, nil
			}
			return 1, nil
		}
		if !infos[0].empty {
			return 0, nil
		}
		if !infos[1].empty {
			return 1, nil
		}
		return 0, nil
	case v0:
		return 0, nil
	case v1:
		return 1, nil
	}
	return 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "both mdc logs mid-compaction")
}

func (m *MDC) scanLog(idx int) (scanInfo, error) {
	info := scanInfo{empty: true}
	l := m.logs[idx]
	if err := m.eng.ml.ReadDataInit(l); err != nil {
		return info, err
	}
	buf := make([]byte, 1024)
	var startSeq uint64
	var hasStart bool
	for {
		n, err := m.eng.ml.ReadDataNext(l, buf)
		if merr.Is(err, merr.EndOfLog) {
			break
		}
		if merr.Is(err, merr.Overflow) {
			buf = make([]byte, n)
			continue
		}
		if err != nil {
			return info, err
		}
		info.empty = false
		if n < typeHdrSize {
			return info, merr.Newf(merr.IoFailure, syscall.EIO, "mdc objid %d: runt record", l.ObjID())
		}
		dec := marshal.NewDec(buf[:n])
		switch typ := dec.GetInt(); typ {
		case recData:
		case recCStart:
			startSeq = dec.GetInt()
			hasStart = true
			if startSeq > info.lastSeq {
				info.lastSeq = startSeq
			}
		case recCEnd:
			seq := dec.GetInt()
			if hasStart && seq == startSeq {
				info.matchedSeq = seq
				hasStart = false
			}
			if seq > info.lastSeq {
				info.lastSeq = seq
			}
		default:
			return info, merr.Newf(merr.IoFailure, syscall.EIO,
				"mdc objid %d: bad record type %d", l.ObjID(), typ)
		}
	}
	info.unmatched = hasStart
	return info, nil
}

// Append writes one metadata record to the active log.
func (m *MDC) Append(data []byte, sync bool) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "mdc closed")
	}
	enc := marshal.NewEnc(typeHdrSize)
	enc.PutInt(recData)
	return m.eng.ml.AppendDatav(m.logs[m.active], [][]byte{enc.Finish(), data}, sync)
}

// Read copies the next record into buf and returns its length. A short
// buf fails with Overflow carrying the required length, without consuming
// the record.
func (m *MDC) Read(buf []byte) (uint64, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "mdc closed")
	}
	if m.pendRec == nil {
		rec, err := m.nextDataRec()
		if err != nil {
			return 0, err
		}
		m.pendRec = rec
	}
	need := uint64(len(m.pendRec))
	if uint64(len(buf)) < need {
		return need, merr.Newf(merr.Overflow, syscall.EOVERFLOW,
			"mdc read: need %d, have %d", need, len(buf))
	}
	copy(buf, m.pendRec)
	m.pendRec = nil
	return need, nil
}

// nextDataRec skips marker records and returns the payload of the next
// data record.
func (m *MDC) nextDataRec() ([]byte, error) {
	if m.scratch == nil {
		m.scratch = make([]byte, 4096)
	}
	l := m.logs[m.active]
	for {
		n, err := m.eng.ml.ReadDataNext(l, m.scratch)
		if merr.Is(err, merr.Overflow) {
			m.scratch = make([]byte, n)
			continue
		}
		if err != nil {
			return nil, err
		}
		if n < typeHdrSize {
			return nil, merr.Newf(merr.IoFailure, syscall.EIO, "mdc objid %d: runt record", l.ObjID())
		}
		dec := marshal.NewDec(m.scratch[:typeHdrSize])
		if dec.GetInt() != recData {
			continue
		}
		return util.CloneByteSlice(m.scratch[typeHdrSize:n]), nil
	}
}

// Rewind resets the read cursor to the first record of the active log.
func (m *MDC) Rewind() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.pendRec = nil
	return m.eng.ml.ReadDataInit(m.logs[m.active])
}

// Sync flushes the active log.
func (m *MDC) Sync() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.eng.ml.Flush(m.logs[m.active])
}

// Usage reports the active log's occupied bytes, framing included.
func (m *MDC) Usage() (uint64, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.eng.ml.Len(m.logs[m.active])
}

// Cstart begins compaction: the inactive log is erased, receives a start
// marker, and becomes the append target. The caller must now replay all
// live records through Append and finish with Cend. Until Cend returns,
// the original log remains authoritative on media.
func (m *MDC) Cstart() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed || m.compacting {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "mdc: compaction already in flight")
	}
	dest := 1 - m.active
	if err := m.eng.ml.Erase(m.logs[dest], 0); err != nil {
		return err
	}
	seq := m.seq + 1
	enc := marshal.NewEnc(markerSize)
	enc.PutInt(recCStart)
	enc.PutInt(seq)
	if err := m.eng.ml.AppendData(m.logs[dest], enc.Finish(), true); err != nil {
		return err
	}
	m.compacting = true
	m.pendSeq = seq
	m.active = dest
	m.pendRec = nil
	if err := m.eng.ml.ReadDataInit(m.logs[dest]); err != nil {
		return err
	}
	util.DPrintf(2, "mdc: cstart seq %d -> objid %d\n", seq, m.logs[dest].ObjID())
	return nil
}

// Cend appends the end marker, making the compacted log durable and
// authoritative, then reclaims the old log.
func (m *MDC) Cend() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed || !m.compacting {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "mdc: no compaction in flight")
	}
	enc := marshal.NewEnc(markerSize)
	enc.PutInt(recCEnd)
	enc.PutInt(m.pendSeq)
	if err := m.eng.ml.AppendData(m.logs[m.active], enc.Finish(), true); err != nil {
		return err
	}
	m.seq = m.pendSeq
	m.compacting = false

	// the old log is reclaimable now; a failure here only defers the
	// erase to the next compaction cycle
	old := 1 - m.active
	if err := m.eng.ml.Erase(m.logs[old], 0); err != nil {
		util.DPrintf(1, "mdc: deferred erase of objid %d: %v\n", m.logs[old].ObjID(), err)
	}
	util.DPrintf(2, "mdc: cend seq %d\n", m.seq)
	return nil
}

// Close releases both underlying mlog handles.
func (m *MDC) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "mdc closed")
	}
	m.closed = true
	var firstErr error
	for i, l := range m.logs {
		if err := m.eng.ml.Close(l); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.eng.ml.Put(l); err != nil && firstErr == nil {
			firstErr = err
		}
		m.logs[i] = nil
	}
	return firstErr
}
