package pool

import (
	"errors"
	"sync"
	"syscall"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/util"
)

type memObject struct {
	props  ObjectProps
	data   []byte
	synced uint64 // durable prefix of data
}

type classUsage struct {
	cfg   ClassConfig
	used  uint64
	spare uint64
}

// MemPool is an in-memory pool provider. It distinguishes buffered from
// durable bytes so tests can simulate a crash: Crash drops everything not
// yet synced, including uncommitted objects.
type MemPool struct {
	mu      sync.Mutex
	nextOID uint64
	objs    map[common.ObjectID]*memObject
	classes map[common.MediaClass]*classUsage
	root1   common.ObjectID
	root2   common.ObjectID
}

var _ Manager = (*MemPool)(nil)

func NewMemPool(opts Options) (*MemPool, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	p := &MemPool{
		nextOID: 1,
		objs:    make(map[common.ObjectID]*memObject),
		classes: make(map[common.MediaClass]*classUsage),
	}
	for mc, cc := range opts.Classes {
		p.classes[mc] = &classUsage{cfg: cc}
	}
	// the root MDC pair exists from pool creation
	var err error
	p.root1, err = p.allocRoot(opts.RootMDCCap)
	if err != nil {
		return nil, err
	}
	p.root2, err = p.allocRoot(opts.RootMDCCap)
	if err != nil {
		return nil, err
	}
	util.DPrintf(1, "mempool: root mdc (%d, %d)\n", p.root1, p.root2)
	return p, nil
}

func (p *MemPool) allocRoot(cap uint64) (common.ObjectID, error) {
	oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, cap, false)
	if err != nil {
		return 0, err
	}
	return oid, p.Commit(oid)
}

func (p *MemPool) Alloc(kind common.ObjectKind, mclass common.MediaClass, capacity uint64, spare bool) (common.ObjectID, ObjectProps, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cu, ok := p.classes[mclass]
	if !ok {
		return 0, ObjectProps{}, merr.Newf(merr.NotFound, syscall.ENOENT, "media class %s", mclass)
	}
	if kind == common.KindMblock && capacity == 0 {
		capacity = cu.cfg.MblockSize
	}
	if err := cu.reserve(capacity, spare); err != nil {
		return 0, ObjectProps{}, err
	}

	oid := common.ObjectID(p.nextOID)
	p.nextOID++
	props := ObjectProps{
		ObjID:    oid,
		Kind:     kind,
		MClass:   mclass,
		Capacity: capacity,
		Spare:    spare,
	}
	p.objs[oid] = &memObject{props: props}
	return oid, props, nil
}

func (cu *classUsage) reserve(capacity uint64, spare bool) error {
	if spare {
		avail := cu.cfg.Capacity * cu.cfg.SparePct / 100
		if cu.spare+capacity > avail {
			return merr.Newf(merr.CapacityExceeded, syscall.ENOSPC,
				"spare: want %d, used %d of %d", capacity, cu.spare, avail)
		}
		cu.spare += capacity
		return nil
	}
	avail := cu.cfg.Capacity - cu.cfg.Capacity*cu.cfg.SparePct/100
	if cu.used+capacity > avail {
		return merr.Newf(merr.CapacityExceeded, syscall.ENOSPC,
			"want %d, used %d of %d", capacity, cu.used, avail)
	}
	cu.used += capacity
	return nil
}

func (cu *classUsage) release(capacity uint64, spare bool) {
	if spare {
		cu.spare -= capacity
	} else {
		cu.used -= capacity
	}
}

func (p *MemPool) lookup(oid common.ObjectID) (*memObject, error) {
	o, ok := p.objs[oid]
	if !ok {
		return nil, merr.Newf(merr.NotFound, syscall.ENOENT, "objid %d", oid)
	}
	return o, nil
}

func (p *MemPool) Commit(oid common.ObjectID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return err
	}
	o.props.Committed = true
	o.synced = uint64(len(o.data))
	o.props.Len = o.synced
	return nil
}

func (p *MemPool) Abort(oid common.ObjectID) error {
	return p.drop(oid, false)
}

func (p *MemPool) Delete(oid common.ObjectID) error {
	return p.drop(oid, true)
}

func (p *MemPool) drop(oid common.ObjectID, committed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return err
	}
	if o.props.Committed != committed {
		return merr.Newf(merr.InvalidState, syscall.EINVAL,
			"objid %d committed=%v", oid, o.props.Committed)
	}
	p.classes[o.props.MClass].release(o.props.Capacity, o.props.Spare)
	delete(p.objs, oid)
	return nil
}

func (p *MemPool) Props(oid common.ObjectID) (ObjectProps, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return ObjectProps{}, err
	}
	props := o.props
	props.Len = uint64(len(o.data))
	return props, nil
}

func (p *MemPool) SubmitIO(oid common.ObjectID, iov [][]byte, off uint64, mode IOMode) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return 0, err
	}

	if mode == IORead {
		n := 0
		for _, b := range iov {
			if off >= uint64(len(o.data)) {
				break
			}
			c := copy(b, o.data[off:])
			n += c
			off += uint64(c)
			if c < len(b) {
				break
			}
		}
		return n, nil
	}

	total := util.IovLen(iov)
	if util.SumOverflows(off, total) || off+total > o.props.Capacity {
		return 0, merr.Newf(merr.CapacityExceeded, syscall.ENOSPC,
			"objid %d write at %d+%d cap %d", oid, off, total, o.props.Capacity)
	}
	end := off + total
	if end > uint64(len(o.data)) {
		o.data = append(o.data, make([]byte, end-uint64(len(o.data)))...)
	}
	at := off
	for _, b := range iov {
		copy(o.data[at:], b)
		at += uint64(len(b))
	}
	o.props.Len = uint64(len(o.data))
	if mode == IOWriteSync {
		o.synced = uint64(len(o.data))
	}
	return int(total), nil
}

func (p *MemPool) Flush(oid common.ObjectID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return err
	}
	o.synced = uint64(len(o.data))
	return nil
}

func (p *MemPool) Erase(oid common.ObjectID, gen uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return 0, err
	}
	if gen <= o.props.Gen {
		return 0, merr.Newf(merr.InvalidArg, syscall.EINVAL,
			"objid %d gen %d not above %d", oid, gen, o.props.Gen)
	}
	o.data = nil
	o.synced = 0
	o.props.Len = 0
	o.props.Gen = gen
	return gen, nil
}

func (p *MemPool) RootMDC() (common.ObjectID, common.ObjectID, error) {
	return p.root1, p.root2, nil
}

func (p *MemPool) Close() error { return nil }

// Crash simulates a power failure: unsynced bytes vanish and uncommitted
// objects are lost.
func (p *MemPool) Crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for oid, o := range p.objs {
		if !o.props.Committed {
			p.classes[o.props.MClass].release(o.props.Capacity, o.props.Spare)
			delete(p.objs, oid)
			continue
		}
		o.data = o.data[:o.synced]
		o.props.Len = o.synced
	}
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
