package pool

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cockroachdb/pebble"
	"github.com/tchajed/marshal"
	"golang.org/x/sys/unix"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/util"
)

// FilePool is a file-backed pool provider: one file per object under a
// per-media-class directory, raw I/O via pwritev/pread, and the object
// directory (ID, kind, class, state, length, generation) durable in a
// pebble keyspace so allocation and commit survive restart.
type FilePool struct {
	mu      sync.Mutex
	dir     string
	db      *pebble.DB
	nextOID uint64
	objs    map[common.ObjectID]*fileObject
	classes map[common.MediaClass]*classUsage
	root1   common.ObjectID
	root2   common.ObjectID
}

type fileObject struct {
	props ObjectProps
	f     *os.File
}

var _ Manager = (*FilePool)(nil)

var (
	keyNext = []byte("m/next")
	keyRoot = []byte("m/root")
)

func objKey(oid common.ObjectID) []byte {
	k := make([]byte, 9)
	k[0] = 'o'
	binary.BigEndian.PutUint64(k[1:], uint64(oid))
	return k
}

const objRecSize = 7 * 8

func encodeObjRec(p ObjectProps) []byte {
	enc := marshal.NewEnc(objRecSize)
	enc.PutInt(uint64(p.Kind))
	enc.PutInt(uint64(p.MClass))
	enc.PutInt(p.Capacity)
	enc.PutInt(p.Len)
	enc.PutInt(p.Gen)
	enc.PutInt(boolInt(p.Committed))
	enc.PutInt(boolInt(p.Spare))
	return enc.Finish()
}

func decodeObjRec(oid common.ObjectID, b []byte) ObjectProps {
	dec := marshal.NewDec(b)
	p := ObjectProps{ObjID: oid}
	p.Kind = common.ObjectKind(dec.GetInt())
	p.MClass = common.MediaClass(dec.GetInt())
	p.Capacity = dec.GetInt()
	p.Len = dec.GetInt()
	p.Gen = dec.GetInt()
	p.Committed = dec.GetInt() != 0
	p.Spare = dec.GetInt() != 0
	return p
}

func boolInt(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// NewFilePool opens or creates the pool rooted at opts.Dir.
func NewFilePool(opts Options) (*FilePool, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		return nil, merr.Newf(merr.InvalidArg, syscall.EINVAL, "pool dir required")
	}
	p := &FilePool{
		dir:     opts.Dir,
		nextOID: 1,
		objs:    make(map[common.ObjectID]*fileObject),
		classes: make(map[common.MediaClass]*classUsage),
	}
	for mc, cc := range opts.Classes {
		p.classes[mc] = &classUsage{cfg: cc}
		if err := os.MkdirAll(filepath.Join(opts.Dir, mc.String()), 0755); err != nil {
			return nil, merr.Newf(merr.IoFailure, errnoOf(err), "mkdir %s", mc)
		}
	}

	db, err := pebble.Open(filepath.Join(opts.Dir, "directory"), &pebble.Options{})
	if err != nil {
		return nil, merr.Newf(merr.IoFailure, syscall.EIO, "open directory: %v", err)
	}
	p.db = db

	if err := p.recover(); err != nil {
		db.Close()
		return nil, err
	}
	if p.root1 == common.NullObjID {
		if err := p.initRoot(opts.RootMDCCap); err != nil {
			db.Close()
			return nil, err
		}
	}
	return p, nil
}

// recover rebuilds the in-memory object table from the pebble directory.
// Records for objects that never committed are leftovers of a crash and
// are reaped here.
func (p *FilePool) recover() error {
	if b, closer, err := p.db.Get(keyNext); err == nil {
		p.nextOID = binary.BigEndian.Uint64(b)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}
	if b, closer, err := p.db.Get(keyRoot); err == nil {
		p.root1 = common.ObjectID(binary.BigEndian.Uint64(b))
		p.root2 = common.ObjectID(binary.BigEndian.Uint64(b[8:]))
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("o"),
		UpperBound: []byte("p"),
	})
	if err != nil {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory scan: %v", err)
	}
	defer iter.Close()

	var stale []common.ObjectID
	for iter.First(); iter.Valid(); iter.Next() {
		oid := common.ObjectID(binary.BigEndian.Uint64(iter.Key()[1:]))
		props := decodeObjRec(oid, util.CloneByteSlice(iter.Value()))
		if !props.Committed {
			stale = append(stale, oid)
			continue
		}
		f, err := os.OpenFile(p.objPath(props), os.O_RDWR, 0644)
		if err != nil {
			return merr.Newf(merr.IoFailure, errnoOf(err), "objid %d", oid)
		}
		p.objs[oid] = &fileObject{props: props, f: f}
		p.classes[props.MClass].reserve(props.Capacity, props.Spare)
	}
	for _, oid := range stale {
		util.DPrintf(1, "filepool: reap uncommitted objid %d\n", oid)
		props := ObjectProps{ObjID: oid}
		if b, closer, err := p.db.Get(objKey(oid)); err == nil {
			props = decodeObjRec(oid, util.CloneByteSlice(b))
			closer.Close()
		}
		os.Remove(p.objPath(props))
		if err := p.db.Delete(objKey(oid), pebble.Sync); err != nil {
			return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
		}
	}
	return nil
}

func (p *FilePool) initRoot(cap uint64) error {
	var roots [2]common.ObjectID
	for i := range roots {
		oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, cap, false)
		if err != nil {
			return err
		}
		if err := p.Commit(oid); err != nil {
			return err
		}
		roots[i] = oid
	}
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(roots[0]))
	binary.BigEndian.PutUint64(b[8:], uint64(roots[1]))
	if err := p.db.Set(keyRoot, b, pebble.Sync); err != nil {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}
	p.root1, p.root2 = roots[0], roots[1]
	util.DPrintf(1, "filepool: root mdc (%d, %d)\n", p.root1, p.root2)
	return nil
}

func (p *FilePool) objPath(props ObjectProps) string {
	return filepath.Join(p.dir, props.MClass.String(),
		fmt.Sprintf("%016x", uint64(props.ObjID)))
}

func (p *FilePool) putRec(props ObjectProps, sync bool) error {
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	if err := p.db.Set(objKey(props.ObjID), encodeObjRec(props), opt); err != nil {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}
	return nil
}

func (p *FilePool) Alloc(kind common.ObjectKind, mclass common.MediaClass, capacity uint64, spare bool) (common.ObjectID, ObjectProps, error) {
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
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, p.nextOID)
	if err := p.db.Set(keyNext, b, pebble.Sync); err != nil {
		cu.release(capacity, spare)
		return 0, ObjectProps{}, merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}

	props := ObjectProps{
		ObjID:    oid,
		Kind:     kind,
		MClass:   mclass,
		Capacity: capacity,
		Spare:    spare,
	}
	f, err := os.OpenFile(p.objPath(props), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		cu.release(capacity, spare)
		return 0, ObjectProps{}, merr.Newf(merr.IoFailure, errnoOf(err), "create objid %d", oid)
	}
	if err := p.putRec(props, false); err != nil {
		f.Close()
		os.Remove(p.objPath(props))
		cu.release(capacity, spare)
		return 0, ObjectProps{}, err
	}
	p.objs[oid] = &fileObject{props: props, f: f}
	return oid, props, nil
}

func (p *FilePool) lookup(oid common.ObjectID) (*fileObject, error) {
	o, ok := p.objs[oid]
	if !ok {
		return nil, merr.Newf(merr.NotFound, syscall.ENOENT, "objid %d", oid)
	}
	return o, nil
}

func (p *FilePool) Commit(oid common.ObjectID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return err
	}
	if err := unix.Fdatasync(int(o.f.Fd())); err != nil {
		return merr.Newf(merr.IoFailure, errnoOf(err), "fdatasync objid %d", oid)
	}
	o.props.Committed = true
	return p.putRec(o.props, true)
}

func (p *FilePool) Abort(oid common.ObjectID) error {
	return p.drop(oid, false)
}

func (p *FilePool) Delete(oid common.ObjectID) error {
	return p.drop(oid, true)
}

func (p *FilePool) drop(oid common.ObjectID, committed bool) error {
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
	o.f.Close()
	os.Remove(p.objPath(o.props))
	if err := p.db.Delete(objKey(oid), pebble.Sync); err != nil {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}
	p.classes[o.props.MClass].release(o.props.Capacity, o.props.Spare)
	delete(p.objs, oid)
	return nil
}

func (p *FilePool) Props(oid common.ObjectID) (ObjectProps, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return ObjectProps{}, err
	}
	return o.props, nil
}

func (p *FilePool) SubmitIO(oid common.ObjectID, iov [][]byte, off uint64, mode IOMode) (int, error) {
	p.mu.Lock()
	o, err := p.lookup(oid)
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	fd := int(o.f.Fd())

	if mode == IORead {
		objLen := o.props.Len
		p.mu.Unlock()
		n := 0
		for _, b := range iov {
			if off >= objLen {
				break
			}
			want := util.Min(uint64(len(b)), objLen-off)
			c, err := unix.Pread(fd, b[:want], int64(off))
			if err != nil {
				return n, merr.Newf(merr.IoFailure, errnoOf(err), "pread objid %d", oid)
			}
			n += c
			off += uint64(c)
			if uint64(c) < uint64(len(b)) {
				break
			}
		}
		return n, nil
	}

	total := util.IovLen(iov)
	if util.SumOverflows(off, total) || off+total > o.props.Capacity {
		p.mu.Unlock()
		return 0, merr.Newf(merr.CapacityExceeded, syscall.ENOSPC,
			"objid %d write at %d+%d cap %d", oid, off, total, o.props.Capacity)
	}
	p.mu.Unlock()

	if _, err := unix.Pwritev(fd, iov, int64(off)); err != nil {
		return 0, merr.Newf(merr.IoFailure, errnoOf(err), "pwritev objid %d", oid)
	}
	if mode == IOWriteSync {
		if err := unix.Fdatasync(fd); err != nil {
			return 0, merr.Newf(merr.IoFailure, errnoOf(err), "fdatasync objid %d", oid)
		}
	}

	p.mu.Lock()
	if end := off + total; end > o.props.Len {
		o.props.Len = end
	}
	err = p.putRec(o.props, mode == IOWriteSync)
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func (p *FilePool) Flush(oid common.ObjectID) error {
	p.mu.Lock()
	o, err := p.lookup(oid)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	props := o.props
	fd := int(o.f.Fd())
	p.mu.Unlock()

	if err := unix.Fdatasync(fd); err != nil {
		return merr.Newf(merr.IoFailure, errnoOf(err), "fdatasync objid %d", oid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.putRec(props, true)
}

func (p *FilePool) Erase(oid common.ObjectID, gen uint64) (uint64, error) {
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
	if err := unix.Ftruncate(int(o.f.Fd()), 0); err != nil {
		return 0, merr.Newf(merr.IoFailure, errnoOf(err), "ftruncate objid %d", oid)
	}
	if err := unix.Fdatasync(int(o.f.Fd())); err != nil {
		return 0, merr.Newf(merr.IoFailure, errnoOf(err), "fdatasync objid %d", oid)
	}
	o.props.Len = 0
	o.props.Gen = gen
	if err := p.putRec(o.props, true); err != nil {
		return 0, err
	}
	return gen, nil
}

func (p *FilePool) RootMDC() (common.ObjectID, common.ObjectID, error) {
	return p.root1, p.root2, nil
}

// ObjectFile exposes the backing file of an object so mcache can build
// file-backed mappings.
func (p *FilePool) ObjectFile(oid common.ObjectID) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.lookup(oid)
	if err != nil {
		return nil, err
	}
	return o.f, nil
}

func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.objs {
		o.f.Close()
	}
	if err := p.db.Close(); err != nil {
		return merr.Newf(merr.IoFailure, syscall.EIO, "directory: %v", err)
	}
	return nil
}
