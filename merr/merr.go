// Package merr implements the 64-bit error tokens used throughout the
// mpool APIs. A token of zero is success; a nonzero token decodes to an
// error class, a system errno, and the file/line where the error was
// raised.
package merr

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"runtime"
	"syscall"
)

type Class uint8

const (
	// class 0 is reserved for success
	NotFound Class = iota + 1
	InvalidState
	InvalidArg
	CapacityExceeded
	LogFull
	Overflow
	EndOfLog
	StaleGeneration
	Busy
	IoFailure
)

func (c Class) String() string {
	switch c {
	case NotFound:
		return "not found"
	case InvalidState:
		return "invalid state"
	case InvalidArg:
		return "invalid argument"
	case CapacityExceeded:
		return "capacity exceeded"
	case LogFull:
		return "log full"
	case Overflow:
		return "buffer overflow"
	case EndOfLog:
		return "end of log"
	case StaleGeneration:
		return "stale generation"
	case Busy:
		return "busy"
	case IoFailure:
		return "I/O failure"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Err carries the decodable parts of an error token plus an optional
// free-form message for diagnostics. The message does not survive Pack.
type Err struct {
	Class Class
	Errno syscall.Errno
	File  string
	Line  int
	msg   string
}

func (e *Err) Error() string {
	s := e.Class.String()
	if e.Errno != 0 {
		s += ": " + e.Errno.Error()
	}
	if e.msg != "" {
		s += ": " + e.msg
	}
	return s
}

// Is reports class equality so errors.Is(err, merr.Overflow.Sentinel())
// style checks work through wrapping.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return t.Class == e.Class
}

var sentinels [IoFailure + 1]*Err

func init() {
	for c := NotFound; c <= IoFailure; c++ {
		sentinels[c] = &Err{Class: c}
	}
}

// Sentinel returns a per-class target for errors.Is.
func (c Class) Sentinel() error {
	return sentinels[c]
}

// New raises an error of the given class, recording the caller's
// file and line.
func New(c Class, errno syscall.Errno) error {
	return newSkip(c, errno, "", 2)
}

// Newf is New with a diagnostic message attached.
func Newf(c Class, errno syscall.Errno, format string, a ...interface{}) error {
	return newSkip(c, errno, fmt.Sprintf(format, a...), 2)
}

func newSkip(c Class, errno syscall.Errno, msg string, skip int) error {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file, line = "?", 0
	}
	return &Err{Class: c, Errno: errno, File: filepath.Base(file), Line: line, msg: msg}
}

// ClassOf extracts the class from any error raised by this package;
// other errors (including nil) report class 0.
func ClassOf(err error) Class {
	if e, ok := err.(*Err); ok {
		return e.Class
	}
	return 0
}

// Is reports whether err carries class c.
func Is(err error, c Class) bool {
	return ClassOf(err) == c
}

// ErrnoOf extracts the system errno, or 0.
func ErrnoOf(err error) syscall.Errno {
	if e, ok := err.(*Err); ok {
		return e.Errno
	}
	return 0
}

// Token layout, low to high:
//
//	[ 0..7 ]  class
//	[ 8..23]  errno
//	[24..43]  line
//	[44..63]  FNV hash of the file basename
const (
	classBits = 8
	errnoBits = 16
	lineBits  = 20
	fileBits  = 20
)

// Pack encodes err as a 64-bit token. nil packs to zero. Errors not
// raised by this package pack as IoFailure with no provenance.
func Pack(err error) uint64 {
	if err == nil {
		return 0
	}
	e, ok := err.(*Err)
	if !ok {
		e = &Err{Class: IoFailure, Errno: syscall.EIO}
	}
	tok := uint64(e.Class)
	tok |= uint64(e.Errno&(1<<errnoBits-1)) << classBits
	tok |= uint64(e.Line&(1<<lineBits-1)) << (classBits + errnoBits)
	tok |= uint64(fileHash(e.File)) << (classBits + errnoBits + lineBits)
	return tok
}

// Unpack decodes a token produced by Pack. The file name is not
// recoverable; only its hash is, reported as "#xxxxx".
func Unpack(tok uint64) error {
	if tok == 0 {
		return nil
	}
	e := &Err{
		Class: Class(tok & (1<<classBits - 1)),
		Errno: syscall.Errno(tok >> classBits & (1<<errnoBits - 1)),
		Line:  int(tok >> (classBits + errnoBits) & (1<<lineBits - 1)),
	}
	e.File = fmt.Sprintf("#%05x", tok>>(classBits+errnoBits+lineBits)&(1<<fileBits-1))
	return e
}

func fileHash(file string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(file))
	return h.Sum32() & (1<<fileBits - 1)
}

// Strerror formats the errno description, mirroring mpool_strerror.
func Strerror(err error) string {
	if err == nil {
		return "success"
	}
	if e, ok := err.(*Err); ok {
		if e.Errno != 0 {
			return e.Errno.Error()
		}
		return e.Class.String()
	}
	return err.Error()
}

// Strinfo formats file, line, and errno, mirroring mpool_strinfo.
func Strinfo(err error) string {
	if err == nil {
		return "success"
	}
	if e, ok := err.(*Err); ok {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Error())
	}
	return err.Error()
}
