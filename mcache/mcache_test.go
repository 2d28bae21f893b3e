package mcache

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/mblock"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/pool"
)

func cacheOptions() pool.Options {
	opts := pool.DefaultOptions()
	opts.Classes[common.MediaCapacity] = pool.ClassConfig{
		Capacity: 1 << 24, SparePct: 5, MblockSize: 1 << 20,
	}
	return opts
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%13)
	}
	return b
}

// mkBlocks commits one mblock per content slice and returns their IDs.
func mkBlocks(t *testing.T, mgr pool.Manager, contents [][]byte) []common.ObjectID {
	mb := mblock.MkEngine(mgr)
	oids := make([]common.ObjectID, len(contents))
	for i, c := range contents {
		b, _, err := mb.Alloc(common.MediaCapacity, false)
		require.NoError(t, err)
		if len(c) > 0 {
			require.NoError(t, mb.Write(b, [][]byte{c}))
		}
		require.NoError(t, mb.Commit(b))
		oids[i] = b.ObjID()
	}
	return oids
}

func TestMmapGetBase(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	contents := [][]byte{
		pattern(3*int(common.PageSize), 1),
		pattern(int(common.PageSize)/2, 2), // partial page
		nil,                                // empty mblock
	}
	m, err := e.Mmap(mkBlocks(t, p, contents), AdviceNormal)
	require.NoError(t, err)
	defer m.Munmap()

	for i, want := range contents {
		base, err := m.GetBase(uint(i))
		require.NoError(t, err)
		if len(want) == 0 {
			assert.Nil(t, base)
			continue
		}
		assert.True(t, bytes.Equal(want, base), "mbidx %d", i)
	}

	_, err = m.GetBase(3)
	assert.True(t, merr.Is(err, merr.InvalidArg))
}

func TestGetPages(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	ps := int(common.PageSize)
	want := pattern(4*ps, 3)
	m, err := e.Mmap(mkBlocks(t, p, [][]byte{want}), AdviceRandom)
	require.NoError(t, err)
	defer m.Munmap()

	pages, err := m.GetPages(0, []uint64{2, 0})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.True(t, bytes.Equal(want[2*ps:3*ps], pages[0]))
	assert.True(t, bytes.Equal(want[:ps], pages[1]))

	_, err = m.GetPages(0, []uint64{4})
	assert.True(t, merr.Is(err, merr.InvalidArg))
}

func TestGetPagesV(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	ps := int(common.PageSize)
	c0 := pattern(2*ps, 4)
	c1 := pattern(ps, 5)
	m, err := e.Mmap(mkBlocks(t, p, [][]byte{c0, c1}), AdviceNormal)
	require.NoError(t, err)
	defer m.Munmap()

	pages, err := m.GetPagesV([]uint{1, 0}, []uint64{0, 1})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(c1, pages[0]))
	assert.True(t, bytes.Equal(c0[ps:], pages[1]))

	_, err = m.GetPagesV([]uint{0}, []uint64{0, 1})
	assert.True(t, merr.Is(err, merr.InvalidArg))
}

func TestMincore(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	m, err := e.Mmap(mkBlocks(t, p, [][]byte{pattern(4*int(common.PageSize), 6)}), AdviceNormal)
	require.NoError(t, err)
	defer m.Munmap()

	rss, vss, err := m.Mincore()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), vss)
	// anonymous regions were just written by the populate read
	assert.Equal(t, uint64(4), rss)
}

func TestPurgeRepopulates(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	want := pattern(2*int(common.PageSize), 7)
	m, err := e.Mmap(mkBlocks(t, p, [][]byte{want}), AdviceWillNeed)
	require.NoError(t, err)
	defer m.Munmap()

	require.NoError(t, m.Purge())
	base, err := m.GetBase(0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, base))
}

func TestMadvise(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	m, err := e.Mmap(mkBlocks(t, p, [][]byte{pattern(4*int(common.PageSize), 8), nil}), AdviceNormal)
	require.NoError(t, err)
	defer m.Munmap()

	// whole-map form
	assert.NoError(t, m.Madvise(0, 0, math.MaxUint64, AdviceSequential))
	// sub-range, clamped at the region end
	assert.NoError(t, m.Madvise(0, common.PageSize, 10*common.PageSize, AdviceRandom))

	err = m.Madvise(0, 100*common.PageSize, 1, AdviceNormal)
	assert.True(t, merr.Is(err, merr.InvalidArg))
}

func TestMunmap(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	m, err := e.Mmap(mkBlocks(t, p, [][]byte{pattern(100, 9)}), AdviceNormal)
	require.NoError(t, err)
	require.NoError(t, m.Munmap())

	_, err = m.GetBase(0)
	assert.True(t, merr.Is(err, merr.InvalidState))
	err = m.Munmap()
	assert.True(t, merr.Is(err, merr.InvalidState))

	// advice on a torn-down map is rejected, whole-map form included
	err = m.Madvise(0, 0, math.MaxUint64, AdviceNormal)
	assert.True(t, merr.Is(err, merr.InvalidState))
	err = m.Madvise(0, 0, 1, AdviceNormal)
	assert.True(t, merr.Is(err, merr.InvalidState))
}

func TestMmapValidation(t *testing.T) {
	p, err := pool.NewMemPool(cacheOptions())
	require.NoError(t, err)
	e := MkEngine(p)

	_, err = e.Mmap(nil, AdviceNormal)
	assert.True(t, merr.Is(err, merr.InvalidArg))

	// an uncommitted mblock is not mappable
	mb := mblock.MkEngine(p)
	b, _, err := mb.Alloc(common.MediaCapacity, false)
	require.NoError(t, err)
	_, err = e.Mmap([]common.ObjectID{b.ObjID()}, AdviceNormal)
	assert.True(t, merr.Is(err, merr.NotFound))

	// mlogs are not mappable either
	oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, 4096, false)
	require.NoError(t, err)
	require.NoError(t, p.Commit(oid))
	_, err = e.Mmap([]common.ObjectID{oid}, AdviceNormal)
	assert.True(t, merr.Is(err, merr.NotFound))
}

func TestFileBackedMap(t *testing.T) {
	opts := cacheOptions()
	opts.Dir = t.TempDir()
	p, err := pool.NewFilePool(opts)
	require.NoError(t, err)
	defer p.Close()
	e := MkEngine(p)

	want := pattern(2*int(common.PageSize)+100, 10)
	m, err := e.Mmap(mkBlocks(t, p, [][]byte{want}), AdviceSequential)
	require.NoError(t, err)
	defer m.Munmap()

	base, err := m.GetBase(0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, base))

	// file-backed purge just drops pages; contents come back off the file
	require.NoError(t, m.Purge())
	base, err = m.GetBase(0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, base))
}
