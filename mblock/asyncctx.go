package mblock

import (
	"sync"
	"syscall"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
	"github.com/objstore/mpool/pool"
	"github.com/objstore/mpool/util"
)

const (
	// the flusher submits I/O in chunks of roughly this many bytes
	flushChunk = 1 << 20
	// enqueue blocks once this much is buffered, draining implicitly
	highWater = 8 << 20
)

type pendingWrite struct {
	oid   common.ObjectID
	off   uint64
	iov   [][]byte
	bytes uint64
}

// AsyncCtx batches asynchronous mblock writes. One background flusher
// drains the queue in flushChunk batches and establishes durability per
// batch; AsyncioFlush blocks until everything submitted so far is
// resolved and reports the first failure.
type AsyncCtx struct {
	mu       *sync.Mutex
	condWork *sync.Cond
	condDone *sync.Cond
	condShut *sync.Cond

	mgr         pool.Manager
	queue       []pendingWrite
	queuedBytes uint64
	inflight    uint64
	err         error
	shutdown    bool
	nthread     int
}

func MkAsyncCtx(mgr pool.Manager) *AsyncCtx {
	mu := new(sync.Mutex)
	ctx := &AsyncCtx{
		mu:       mu,
		condWork: sync.NewCond(mu),
		condDone: sync.NewCond(mu),
		condShut: sync.NewCond(mu),
		mgr:      mgr,
	}
	go ctx.flusher()
	return ctx
}

func (ctx *AsyncCtx) enqueue(oid common.ObjectID, off uint64, iov [][]byte) error {
	w := pendingWrite{oid: oid, off: off, iov: iov, bytes: util.IovLen(iov)}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for ctx.queuedBytes >= highWater && !ctx.shutdown {
		ctx.condDone.Wait()
	}
	if ctx.shutdown {
		return merr.Newf(merr.InvalidState, syscall.EINVAL, "async ctx closed")
	}
	ctx.queue = append(ctx.queue, w)
	ctx.queuedBytes += w.bytes
	ctx.condWork.Signal()
	return nil
}

// takeBatch grabs queued writes up to flushChunk bytes (at least one).
//
// assumes caller holds mu
func (ctx *AsyncCtx) takeBatch() []pendingWrite {
	var n int
	var bytes uint64
	for n < len(ctx.queue) {
		bytes += ctx.queue[n].bytes
		n++
		if bytes >= flushChunk {
			break
		}
	}
	batch := ctx.queue[:n]
	ctx.queue = ctx.queue[n:]
	ctx.queuedBytes -= bytes
	ctx.inflight += bytes
	return batch
}

// flusher drains the queue, driven by condWork for scheduling.
func (ctx *AsyncCtx) flusher() {
	ctx.mu.Lock()
	ctx.nthread += 1
	for {
		if len(ctx.queue) == 0 {
			if ctx.shutdown {
				break
			}
			ctx.condWork.Wait()
			continue
		}
		batch := ctx.takeBatch()
		ctx.mu.Unlock()

		err := ctx.writeBatch(batch)

		ctx.mu.Lock()
		for _, w := range batch {
			ctx.inflight -= w.bytes
		}
		if err != nil && ctx.err == nil {
			ctx.err = err
		}
		ctx.condDone.Broadcast()
	}
	util.DPrintf(1, "asyncctx: flusher shutdown\n")
	ctx.nthread -= 1
	ctx.condShut.Signal()
	ctx.mu.Unlock()
}

// writeBatch submits every write in the batch and then syncs each object
// touched, so the whole batch is durable before it is accounted done.
func (ctx *AsyncCtx) writeBatch(batch []pendingWrite) error {
	var firstErr error
	touched := make(map[common.ObjectID]bool)
	for _, w := range batch {
		if _, err := ctx.mgr.SubmitIO(w.oid, w.iov, w.off, pool.IOWrite); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		touched[w.oid] = true
	}
	for oid := range touched {
		if err := ctx.mgr.Flush(oid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AsyncioFlush blocks until every write submitted under the context is
// durable (or failed) and returns the first error since the last flush.
func (ctx *AsyncCtx) AsyncioFlush() error {
	ctx.mu.Lock()
	ctx.condWork.Broadcast()
	for len(ctx.queue) > 0 || ctx.inflight > 0 {
		ctx.condDone.Wait()
	}
	err := ctx.err
	ctx.err = nil
	ctx.mu.Unlock()
	return err
}

// AsyncioFlush drains ctx on behalf of the engine, mirroring the
// mpool_mblock_asyncio_flush call shape.
func (e *Engine) AsyncioFlush(ctx *AsyncCtx) error {
	return ctx.AsyncioFlush()
}

// Close drains the context and stops the flusher.
func (ctx *AsyncCtx) Close() error {
	err := ctx.AsyncioFlush()
	ctx.mu.Lock()
	if !ctx.shutdown {
		ctx.shutdown = true
		ctx.condWork.Broadcast()
		ctx.condDone.Broadcast()
		for ctx.nthread > 0 {
			ctx.condShut.Wait()
		}
	}
	ctx.mu.Unlock()
	return err
}
