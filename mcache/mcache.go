// Package mcache maps committed mblocks into a page-addressable, read-only
// view. Each mblock in a map occupies its own contiguous region, addressed
// by its position in the list given to Mmap (the "mbidx"), not by object
// ID. Maps are snapshots: they reflect the committed bytes at mapping time
// and are not coherent with anything written later.
//
// When the pool can hand out a backing file (the file pool does), regions
// are file-backed MAP_SHARED mappings and purging simply drops pages.
// Otherwise an anonymous region is populated by a block read and purge
// repopulates it.
package mcache

import (
	"math"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/pool"
	"github.com/objstore/mpool/util"
)

// Advice hints the paging subsystem about the expected access pattern.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
)

func (a Advice) sysAdvice() int {
	switch a {
	case AdviceRandom:
		return unix.MADV_RANDOM
	case AdviceSequential:
		return unix.MADV_SEQUENTIAL
	case AdviceWillNeed:
		return unix.MADV_WILLNEED
	}
	return unix.MADV_NORMAL
}

// FileMapper is implemented by pool providers whose objects have a
// mappable backing file.
type FileMapper interface {
	ObjectFile(oid common.ObjectID) (*os.File, error)
}

type Engine struct {
	mgr pool.Manager
}

func MkEngine(mgr pool.Manager) *Engine {
	return &Engine{mgr: mgr}
}

type region struct {
	oid        common.ObjectID
	b          []byte // page-rounded mapping, nil for empty mblocks
	wlen       uint64 // committed byte length
	fileBacked bool
}

// Map is one virtual mapping over a list of committed mblocks.
type Map struct {
	mu      sync.Mutex
	eng     *Engine
	regions []region
	closed  bool
}

// Mmap builds a read-only mapping spanning the listed mblocks in order.
// Every object must name a committed mblock.
func (e *Engine) Mmap(oids []common.ObjectID, advice Advice) (*Map, error) {
	if len(oids) == 0 {
		return nil, merr.Newf(merr.InvalidArg, syscall.EINVAL, "mmap: empty mblock list")
	}
	m := &Map{eng: e}
	fm, _ := e.mgr.(FileMapper)
	for _, oid := range oids {
		pp, err := e.mgr.Props(oid)
		if err != nil {
			m.unmapRegions()
			return nil, err
		}
		if pp.Kind != common.KindMblock || !pp.Committed {
			m.unmapRegions()
			return nil, merr.Newf(merr.NotFound, syscall.ENOENT,
				"mmap: objid %d is not a committed mblock", oid)
		}
		r, err := e.mapRegion(fm, oid, pp.Len, advice)
		if err != nil {
			m.unmapRegions()
			return nil, err
		}
		m.regions = append(m.regions, r)
	}
	util.DPrintf(2, "mcache: mmap %d mblocks\n", len(oids))
	return m, nil
}

func (e *Engine) mapRegion(fm FileMapper, oid common.ObjectID, wlen uint64, advice Advice) (region, error) {
	r := region{oid: oid, wlen: wlen}
	if wlen == 0 {
		return r, nil
	}
	mapLen := int(util.RoundUp(wlen, common.PageSize))

	if fm != nil {
		f, err := fm.ObjectFile(oid)
		if err != nil {
			return r, err
		}
		b, err := unix.Mmap(int(f.Fd()), 0, mapLen, unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return r, merr.Newf(merr.IoFailure, errno(err), "mmap objid %d", oid)
		}
		r.b = b
		r.fileBacked = true
	} else {
		b, err := unix.Mmap(-1, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return r, merr.Newf(merr.IoFailure, errno(err), "mmap objid %d", oid)
		}
		if err := e.fillRegion(oid, b, wlen); err != nil {
			unix.Munmap(b)
			return r, err
		}
		r.b = b
	}
	if err := unix.Madvise(r.b, advice.sysAdvice()); err != nil {
		util.DPrintf(1, "mcache: madvise objid %d: %v\n", oid, err)
	}
	return r, nil
}

func (e *Engine) fillRegion(oid common.ObjectID, b []byte, wlen uint64) error {
	n, err := e.mgr.SubmitIO(oid, [][]byte{b[:wlen]}, 0, pool.IORead)
	if err != nil {
		return err
	}
	if uint64(n) != wlen {
		return merr.Newf(merr.IoFailure, syscall.EIO,
			"mcache: short read %d of %d for objid %d", n, wlen, oid)
	}
	return nil
}

func (m *Map) region(mbidx uint) (*region, error) {
	if m.closed {
		return nil, merr.Newf(merr.InvalidState, syscall.EINVAL, "map closed")
	}
	if int(mbidx) >= len(m.regions) {
		return nil, merr.Newf(merr.InvalidArg, syscall.EINVAL,
			"mbidx %d out of range (%d mblocks)", mbidx, len(m.regions))
	}
	return &m.regions[mbidx], nil
}

// GetBase returns the contiguous base of one mapped mblock, sliced to its
// committed length, or nil if the backing pages are not contiguous. In
// this implementation every region is a single mapping, so nil only means
// an empty mblock.
func (m *Map) GetBase(mbidx uint) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.region(mbidx)
	if err != nil {
		return nil, err
	}
	if r.b == nil {
		return nil, nil
	}
	return r.b[:r.wlen], nil
}

// GetPages resolves page offsets within one mblock to live page slices.
// Offsets are in pages, not bytes.
func (m *Map) GetPages(mbidx uint, offsets []uint64) ([][]byte, error) {
	idxs := make([]uint, len(offsets))
	for i := range idxs {
		idxs[i] = mbidx
	}
	return m.GetPagesV(idxs, offsets)
}

// GetPagesV is GetPages over (mbidx, page offset) pairs, batched to avoid
// per-page call overhead. It fails if any pair is out of range.
func (m *Map) GetPagesV(mbidxs []uint, offsets []uint64) ([][]byte, error) {
	if len(mbidxs) != len(offsets) {
		return nil, merr.Newf(merr.InvalidArg, syscall.EINVAL,
			"getpagesv: %d indices, %d offsets", len(mbidxs), len(offsets))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([][]byte, len(offsets))
	for i := range offsets {
		r, err := m.region(mbidxs[i])
		if err != nil {
			return nil, err
		}
		start := offsets[i] * common.PageSize
		if start >= uint64(len(r.b)) {
			return nil, merr.Newf(merr.InvalidArg, syscall.EINVAL,
				"getpagesv: page %d out of range for mbidx %d", offsets[i], mbidxs[i])
		}
		end := util.Min(start+common.PageSize, uint64(len(r.b)))
		pages[i] = r.b[start:end]
	}
	return pages, nil
}

// Madvise hints a sub-range of one mblock. mbidx 0, offset 0, and length
// math.MaxUint64 addresses the entire mapping; any length clamps at the
// end of the region.
func (m *Map) Madvise(mbidx uint, offset, length uint64, advice Advice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "map closed")
	}
	if mbidx == 0 && offset == 0 && length == math.MaxUint64 {
		for i := range m.regions {
			if m.regions[i].b == nil {
				continue
			}
			if err := unix.Madvise(m.regions[i].b, advice.sysAdvice()); err != nil {
				return merr.Newf(merr.IoFailure, errno(err), "madvise mbidx %d", i)
			}
		}
		return nil
	}
	r, err := m.region(mbidx)
	if err != nil {
		return err
	}
	if r.b == nil || offset >= uint64(len(r.b)) {
		return merr.Newf(merr.InvalidArg, syscall.EINVAL,
			"madvise: offset %d out of range for mbidx %d", offset, mbidx)
	}
	start := offset / common.PageSize * common.PageSize
	end := uint64(len(r.b))
	if length < math.MaxUint64-offset {
		end = util.Min(util.RoundUp(offset+length, common.PageSize), end)
	}
	if err := unix.Madvise(r.b[start:end], advice.sysAdvice()); err != nil {
		return merr.Newf(merr.IoFailure, errno(err), "madvise mbidx %d", mbidx)
	}
	return nil
}

// Purge evicts every cached page in the map, forcing later access to
// re-fault. Anonymous regions lose their contents to MADV_DONTNEED and
// are repopulated from the pool.
func (m *Map) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "map closed")
	}
	for i := range m.regions {
		r := &m.regions[i]
		if r.b == nil {
			continue
		}
		if err := unix.Madvise(r.b, unix.MADV_DONTNEED); err != nil {
			return merr.Newf(merr.IoFailure, errno(err), "purge mbidx %d", i)
		}
		if !r.fileBacked {
			if err := m.eng.fillRegion(r.oid, r.b, r.wlen); err != nil {
				return err
			}
		}
	}
	return nil
}

// Mincore reports resident and virtual page counts for the whole map.
func (m *Map) Mincore() (rss uint64, vss uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, merr.Newf(merr.InvalidState, syscall.EINVAL, "map closed")
	}
	for i := range m.regions {
		r := &m.regions[i]
		if r.b == nil {
			continue
		}
		pages := uint64(len(r.b)) / common.PageSize
		vss += pages
		vec := make([]byte, pages)
		if err := unix.Mincore(r.b, vec); err != nil {
			return 0, 0, merr.Newf(merr.IoFailure, errno(err), "mincore mbidx %d", i)
		}
		for _, v := range vec {
			if v&1 != 0 {
				rss++
			}
		}
	}
	return rss, vss, nil
}

// Munmap tears down the mapping. The underlying mblocks are untouched.
func (m *Map) Munmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "map closed")
	}
	m.closed = true
	return m.unmapRegions()
}

func (m *Map) unmapRegions() error {
	var firstErr error
	for i := range m.regions {
		if m.regions[i].b == nil {
			continue
		}
		if err := unix.Munmap(m.regions[i].b); err != nil && firstErr == nil {
			firstErr = merr.Newf(merr.IoFailure, errno(err), "munmap mbidx %d", i)
		}
		m.regions[i].b = nil
	}
	return firstErr
}

func errno(err error) syscall.Errno {
	if e, ok := err.(syscall.Errno); ok {
		return e
	}
	return syscall.EIO
}
