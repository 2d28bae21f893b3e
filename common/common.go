package common

import "os"

// ObjectID is a pool-unique identifier for an mlog or mblock. It is
// assigned at allocation and never reused while any reference exists.
type ObjectID uint64

const NullObjID ObjectID = 0

type ObjectKind uint8

const (
	KindMlog ObjectKind = iota + 1
	KindMblock
)

func (k ObjectKind) String() string {
	switch k {
	case KindMlog:
		return "mlog"
	case KindMblock:
		return "mblock"
	}
	return "unknown"
}

// MediaClass names a tier of underlying devices.
type MediaClass uint8

const (
	MediaCapacity MediaClass = iota
	MediaStaging

	MediaCount = 2
)

func (mc MediaClass) String() string {
	switch mc {
	case MediaCapacity:
		return "capacity"
	case MediaStaging:
		return "staging"
	}
	return "invalid"
}

// Mlog open flags.
type OpenFlags uint8

const (
	OpenRDOnly OpenFlags = 1 << iota
	OpenRDWR
	OpenExcl
)

// MDC open flags.
const (
	// MDCOFSkipSer promises that the caller serializes all append/read
	// calls externally, so the handle skips its internal locking.
	MDCOFSkipSer uint8 = 0x1
)

var PageSize = uint64(os.Getpagesize())

type MlogProps struct {
	ObjID     ObjectID
	Gen       uint64
	MClass    MediaClass
	Capacity  uint64
	Len       uint64
	Committed bool
}

type MDCProps struct {
	ObjID1   ObjectID
	ObjID2   ObjectID
	AllocCap uint64
	MClass   MediaClass
}

type MblockProps struct {
	ObjID     ObjectID
	MClass    MediaClass
	Capacity  uint64
	Len       uint64
	Committed bool
	Spare     bool
}
