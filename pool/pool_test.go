package pool

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
)

func testOptions() Options {
	return Options{
		RootMDCCap: 1 << 16,
		Classes: map[common.MediaClass]ClassConfig{
			common.MediaCapacity: {Capacity: 1 << 24, SparePct: 10, MblockSize: 1 << 16},
			common.MediaStaging:  {Capacity: 1 << 20, SparePct: 10, MblockSize: 1 << 14},
		},
	}
}

func TestMemPoolAllocLifecycle(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	oid, props, err := p.Alloc(common.KindMlog, common.MediaCapacity, 4096, false)
	require.NoError(t, err)
	assert.False(t, props.Committed)

	got, err := p.Props(oid)
	require.NoError(t, err)
	assert.Equal(t, common.KindMlog, got.Kind)

	require.NoError(t, p.Commit(oid))
	got, _ = p.Props(oid)
	assert.True(t, got.Committed)

	require.NoError(t, p.Delete(oid))
	_, err = p.Props(oid)
	assert.True(t, merr.Is(err, merr.NotFound))
}

func TestMemPoolCapacity(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	// the class only has (1<<20)*90% of normal space
	_, _, err = p.Alloc(common.KindMlog, common.MediaStaging, 1<<21, false)
	assert.True(t, merr.Is(err, merr.CapacityExceeded))

	_, _, err = p.Alloc(common.KindMlog, common.MediaClass(9), 4096, false)
	assert.True(t, merr.Is(err, merr.NotFound))
}

func TestMemPoolSpareAccounting(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	// spare pool is 10% of 1<<20
	oid, _, err := p.Alloc(common.KindMblock, common.MediaStaging, 1<<16, true)
	require.NoError(t, err)
	_, _, err = p.Alloc(common.KindMblock, common.MediaStaging, 1<<16, true)
	assert.True(t, merr.Is(err, merr.CapacityExceeded))

	require.NoError(t, p.Abort(oid))
	_, _, err = p.Alloc(common.KindMblock, common.MediaStaging, 1<<16, true)
	assert.NoError(t, err)
}

func TestMemPoolWriteReadCrash(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, 4096, false)
	require.NoError(t, err)
	require.NoError(t, p.Commit(oid))

	_, err = p.SubmitIO(oid, [][]byte{[]byte("dur"), []byte("able")}, 0, IOWriteSync)
	require.NoError(t, err)
	_, err = p.SubmitIO(oid, [][]byte{[]byte("volatile")}, 7, IOWrite)
	require.NoError(t, err)

	buf := make([]byte, 15)
	n, err := p.SubmitIO(oid, [][]byte{buf}, 0, IORead)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, "durablevolatile", string(buf))

	p.Crash()
	props, err := p.Props(oid)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), props.Len)
}

func TestMemPoolWriteOffsetOverflow(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, 4096, false)
	require.NoError(t, err)

	// an offset that wraps past 2^64 must not slip under the capacity check
	_, err = p.SubmitIO(oid, [][]byte{[]byte("x")}, math.MaxUint64, IOWrite)
	assert.True(t, merr.Is(err, merr.CapacityExceeded))
}

func TestMemPoolCrashDropsUncommitted(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	oid, _, err := p.Alloc(common.KindMblock, common.MediaCapacity, 0, false)
	require.NoError(t, err)
	p.Crash()
	_, err = p.Props(oid)
	assert.True(t, merr.Is(err, merr.NotFound))
}

func TestMemPoolErase(t *testing.T) {
	p, err := NewMemPool(testOptions())
	require.NoError(t, err)

	oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, 4096, false)
	require.NoError(t, err)
	require.NoError(t, p.Commit(oid))
	_, err = p.SubmitIO(oid, [][]byte{[]byte("x")}, 0, IOWriteSync)
	require.NoError(t, err)

	gen, err := p.Erase(oid, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gen)

	_, err = p.Erase(oid, 3)
	assert.True(t, merr.Is(err, merr.InvalidArg))

	props, _ := p.Props(oid)
	assert.Equal(t, uint64(0), props.Len)
	assert.Equal(t, uint64(3), props.Gen)
}

func TestFilePoolPersistence(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.Dir = dir

	p, err := NewFilePool(opts)
	require.NoError(t, err)

	r1, r2, err := p.RootMDC()
	require.NoError(t, err)
	assert.NotEqual(t, common.NullObjID, r1)
	assert.NotEqual(t, common.NullObjID, r2)

	oid, _, err := p.Alloc(common.KindMlog, common.MediaCapacity, 4096, false)
	require.NoError(t, err)
	require.NoError(t, p.Commit(oid))
	_, err = p.SubmitIO(oid, [][]byte{[]byte("hello "), []byte("pool")}, 0, IOWriteSync)
	require.NoError(t, err)

	// an uncommitted object should not survive reopen
	stale, _, err := p.Alloc(common.KindMblock, common.MediaCapacity, 0, false)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p, err = NewFilePool(opts)
	require.NoError(t, err)
	defer p.Close()

	nr1, nr2, err := p.RootMDC()
	require.NoError(t, err)
	assert.Equal(t, r1, nr1)
	assert.Equal(t, r2, nr2)

	props, err := p.Props(oid)
	require.NoError(t, err)
	assert.True(t, props.Committed)
	assert.Equal(t, uint64(10), props.Len)

	buf := make([]byte, 10)
	n, err := p.SubmitIO(oid, [][]byte{buf}, 0, IORead)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "hello pool", string(buf))

	_, err = p.Props(stale)
	assert.True(t, merr.Is(err, merr.NotFound))
}

func TestFilePoolObjectFile(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.Dir = dir

	p, err := NewFilePool(opts)
	require.NoError(t, err)
	defer p.Close()

	oid, _, err := p.Alloc(common.KindMblock, common.MediaCapacity, 0, false)
	require.NoError(t, err)
	f, err := p.ObjectFile(oid)
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	cfg := `dir: /data/pool0
root_mdc_cap: 65536
media_classes:
  capacity:
    capacity: 1048576
    spare_pct: 5
  staging:
    capacity: 262144
    mblock_size: 16384
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/pool0", opts.Dir)
	assert.Equal(t, uint64(65536), opts.RootMDCCap)
	assert.Equal(t, uint64(1048576), opts.Classes[common.MediaCapacity].Capacity)
	// defaulted
	assert.NotZero(t, opts.Classes[common.MediaCapacity].MblockSize)
	assert.Equal(t, uint64(16384), opts.Classes[common.MediaStaging].MblockSize)
}

func TestLoadOptionsBadClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("media_classes:\n  tape: {}\n"), 0644))
	_, err := LoadOptions(path)
	assert.True(t, merr.Is(err, merr.InvalidArg))
}
