package mdc

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/mlog"
	"github.com/objstore/mpool/pool"
)

type MDCSuite struct {
	suite.Suite
	p  *pool.MemPool
	ml *mlog.Engine
	e  *Engine
}

func (s *MDCSuite) SetupTest() {
	p, err := pool.NewMemPool(pool.DefaultOptions())
	s.Require().NoError(err)
	s.p = p
	s.refresh()
}

// refresh discards all in-process handle state, as a process restart would.
func (s *MDCSuite) refresh() {
	s.ml = mlog.MkEngine(s.p)
	s.e = MkEngine(s.p, s.ml)
}

func (s *MDCSuite) mkMDC() (common.ObjectID, common.ObjectID) {
	oid1, oid2, props, err := s.e.Alloc(common.MediaCapacity, 1<<16)
	s.Require().NoError(err)
	s.Require().Equal(oid1, props.ObjID1)
	s.Require().NoError(s.e.Commit(oid1, oid2))
	return oid1, oid2
}

// readAll drains the container from the top into a list of records.
func (s *MDCSuite) readAll(m *MDC) []string {
	s.Require().NoError(m.Rewind())
	var recs []string
	buf := make([]byte, 32)
	for {
		n, err := m.Read(buf)
		if merr.Is(err, merr.EndOfLog) {
			return recs
		}
		if merr.Is(err, merr.Overflow) {
			buf = make([]byte, n)
			continue
		}
		s.Require().NoError(err)
		recs = append(recs, string(buf[:n]))
	}
}

func (s *MDCSuite) TestAppendReadRewind() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()

	var want []string
	for i := 0; i < 5; i++ {
		rec := fmt.Sprintf("meta-record-%d", i)
		want = append(want, rec)
		s.Require().NoError(m.Append([]byte(rec), i%2 == 0))
	}
	s.Require().NoError(m.Sync())

	got := s.readAll(m)
	s.Empty(cmp.Diff(want, got))

	// rewind replays from the top
	got = s.readAll(m)
	s.Empty(cmp.Diff(want, got))

	used, err := m.Usage()
	s.NoError(err)
	s.NotZero(used)
}

func (s *MDCSuite) TestReadOverflowDoesNotConsume() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()

	s.Require().NoError(m.Append([]byte("a record wider than ten bytes"), true))
	s.Require().NoError(m.Rewind())

	small := make([]byte, 10)
	n, err := m.Read(small)
	s.True(merr.Is(err, merr.Overflow))

	big := make([]byte, n)
	n2, err := m.Read(big)
	s.Require().NoError(err)
	s.Equal(n, n2)
	s.Equal("a record wider than ten bytes", string(big[:n2]))
}

func (s *MDCSuite) TestReopenWithoutCompaction() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	s.Require().NoError(m.Append([]byte("persisted"), true))
	s.Require().NoError(m.Close())

	s.refresh()
	m, err = s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()
	s.Empty(cmp.Diff([]string{"persisted"}, s.readAll(m)))
}

func (s *MDCSuite) TestCompactionRetainsLive() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)

	for i := 0; i < 6; i++ {
		s.Require().NoError(m.Append([]byte(fmt.Sprintf("rec-%d", i)), true))
	}

	// compact down to the even records
	live := []string{"rec-0", "rec-2", "rec-4"}
	s.Require().NoError(m.Cstart())
	for _, rec := range live {
		s.Require().NoError(m.Append([]byte(rec), true))
	}
	s.Require().NoError(m.Cend())
	s.Empty(cmp.Diff(live, s.readAll(m)))
	s.Require().NoError(m.Close())

	// the compacted set survives a crash and a reopen
	s.p.Crash()
	s.refresh()
	m, err = s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()
	s.Empty(cmp.Diff(live, s.readAll(m)))

	// appends land after the replayed records
	s.Require().NoError(m.Append([]byte("rec-6"), true))
	s.Empty(cmp.Diff(append(live, "rec-6"), s.readAll(m)))
}

func (s *MDCSuite) TestCrashDuringCompaction() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)

	orig := []string{"keep-0", "keep-1", "keep-2"}
	for _, rec := range orig {
		s.Require().NoError(m.Append([]byte(rec), true))
	}

	// start compacting and replay only part of the live set, then die
	s.Require().NoError(m.Cstart())
	s.Require().NoError(m.Append([]byte("keep-0"), true))
	s.p.Crash()

	// the torn compaction loses; the original log is authoritative
	s.refresh()
	m, err = s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()
	s.Empty(cmp.Diff(orig, s.readAll(m)))

	// a new compaction cycle must not reuse the torn sequence number
	s.Require().NoError(m.Cstart())
	s.Require().NoError(m.Append([]byte("keep-0"), true))
	s.Require().NoError(m.Cend())
	s.Empty(cmp.Diff([]string{"keep-0"}, s.readAll(m)))
}

func (s *MDCSuite) TestRepeatedCompaction() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)

	want := []string{"seed"}
	s.Require().NoError(m.Append([]byte("seed"), true))
	for cycle := 0; cycle < 3; cycle++ {
		live := s.readAll(m)
		s.Require().NoError(m.Cstart())
		for _, rec := range live {
			s.Require().NoError(m.Append([]byte(rec), true))
		}
		rec := fmt.Sprintf("cycle-%d", cycle)
		s.Require().NoError(m.Append([]byte(rec), true))
		s.Require().NoError(m.Cend())
		want = append(want, rec)
	}
	s.Require().NoError(m.Close())

	s.refresh()
	m, err = s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()
	s.Empty(cmp.Diff(want, s.readAll(m)))
}

func (s *MDCSuite) TestCompactionStateErrors() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	defer m.Close()

	err = m.Cend()
	s.True(merr.Is(err, merr.InvalidState))

	s.Require().NoError(m.Cstart())
	err = m.Cstart()
	s.True(merr.Is(err, merr.InvalidState))
	s.NoError(m.Cend())
}

func (s *MDCSuite) TestSkipSerialization() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, common.MDCOFSkipSer)
	s.Require().NoError(err)
	defer m.Close()

	s.Require().NoError(m.Append([]byte("unserialized"), true))
	s.Empty(cmp.Diff([]string{"unserialized"}, s.readAll(m)))
}

func (s *MDCSuite) TestRootMDC() {
	r1, r2, err := s.e.GetRoot()
	s.Require().NoError(err)
	s.NotEqual(common.NullObjID, r1)

	m, err := s.e.Open(r1, r2, 0)
	s.Require().NoError(err)
	defer m.Close()
	s.Require().NoError(m.Append([]byte("pool metadata"), true))
	s.Empty(cmp.Diff([]string{"pool metadata"}, s.readAll(m)))
}

func (s *MDCSuite) TestDestroy() {
	oid1, oid2, _, err := s.e.Alloc(common.MediaCapacity, 1<<16)
	s.Require().NoError(err)
	s.Require().NoError(s.e.Destroy(oid1, oid2))
	_, err = s.p.Props(oid1)
	s.True(merr.Is(err, merr.NotFound))

	oid1, oid2 = s.mkMDC()
	s.Require().NoError(s.e.Destroy(oid1, oid2))
	_, err = s.p.Props(oid2)
	s.True(merr.Is(err, merr.NotFound))
}

func (s *MDCSuite) TestClosedHandleRejected() {
	oid1, oid2 := s.mkMDC()
	m, err := s.e.Open(oid1, oid2, 0)
	s.Require().NoError(err)
	s.Require().NoError(m.Close())

	err = m.Append([]byte("x"), true)
	s.True(merr.Is(err, merr.InvalidState))
	_, err = m.Read(make([]byte, 8))
	s.True(merr.Is(err, merr.InvalidState))
}

func TestMDC(t *testing.T) {
	suite.Run(t, new(MDCSuite))
}
