package barrier

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/axpmem/coherency"
	"github.com/sarchlab/axpmem/cpu"
	"github.com/sarchlab/axpmem/datarecording"
	"github.com/sarchlab/axpmem/hooking"
)

//go:generate mockgen -destination "mock_coordinator_test.go" -package barrier_test -source coordinator.go -write_package_comment=false

// ErrQueueFull is returned when the coordinator's bounded queue cannot
// accept another request. It is a backpressure signal, not an error
// condition; the caller retries or drops the request.
var ErrQueueFull = errors.New("barrier queue is full")

// ErrStopped is returned when a request is submitted to a coordinator that
// is not running.
var ErrStopped = errors.New("barrier coordinator is stopped")

// PipelineStatus lets the coordinator ask an opcode-class executor whether
// its asynchronous pipeline still has work in flight. Implemented by the
// executor layer and injected at construction.
type PipelineStatus interface {
	IsActive() bool
}

// A Flusher performs the cache-state actions a barrier demands. The memory
// system implements it; a no-op implementation is used when no flusher is
// injected.
type Flusher interface {
	FlushCacheHierarchy(cpuID int)
	FlushWriteState(cpuID int)
	ClearSpeculativeState(cpuID int)
}

type noopFlusher struct{}

func (noopFlusher) FlushCacheHierarchy(cpuID int)   {}
func (noopFlusher) FlushWriteState(cpuID int)       {}
func (noopFlusher) ClearSpeculativeState(cpuID int) {}

// stallReportInterval is how long a barrier wait may run before a
// barrier-stalled event is emitted.
const stallReportInterval = 100 * time.Millisecond

// drainPollInterval is the poll period for pipeline drain checks. The
// pipeline capability is a plain bool query, so a bounded poll is used
// here; counter waits use condition variables instead.
const drainPollInterval = time.Millisecond

// fenceWord backs the fence operations. An atomic add gives the
// sequentially consistent edge that models the Alpha MB instruction on the
// host side; an atomic store gives the release edge of WMB.
var fenceWord atomic.Uint64

func fullFence() {
	fenceWord.Add(1)
}

func releaseFence() {
	fenceWord.Store(1)
}

type stats struct {
	completed uint64
	timedOut  uint64
}

// A Comp is the barrier coordinator: a worker goroutine draining a bounded
// request queue and walking each request through
// Pending -> InProgress -> {Completed, TimedOut}.
type Comp struct {
	hooking.HookableBase

	name          string
	queueCapacity int

	trapTimeout      time.Duration
	memoryTimeout    time.Duration
	writeTimeout     time.Duration
	exceptionTimeout time.Duration

	registry     *cpu.Registry
	bus          *coherency.Comp
	flusher      Flusher
	pipelines    []PipelineStatus
	recorder     datarecording.DataRecorder
	tableCreated bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Request
	nextSeq uint64
	stats   stats

	active     atomic.Bool
	startTime  time.Time
	workerDone chan struct{}
}

// Name returns the name of the coordinator.
func (c *Comp) Name() string {
	return c.name
}

// Start launches the worker goroutine. Starting a running coordinator is a
// no-op.
func (c *Comp) Start() {
	if !c.active.CompareAndSwap(false, true) {
		return
	}

	c.startTime = time.Now()
	c.workerDone = make(chan struct{})

	// The table survives a Stop; create it on the first Start only.
	if c.recorder != nil && !c.tableCreated {
		c.recorder.CreateTable(barrierTableName, barrierRecord{})
		c.tableCreated = true
	}

	go c.run()
	go c.livenessTicker()
}

// Stop sets the active flag to false and wakes every waiter. In-flight
// barrier waits observe the flag and fail rather than completing, so
// shutdown is bounded in time even with a barrier mid-flight.
func (c *Comp) Stop() {
	if !c.active.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, e := range c.registry.List() {
		e.PendingReads.Broadcast()
		e.PendingWrites.Broadcast()
		e.PendingExceptions.Broadcast()
	}

	<-c.workerDone
}

// Submit queues a barrier request, assigning its sequence number. Sequence
// numbers are strictly increasing in submission order.
func (c *Comp) Submit(req *Request) error {
	if !c.active.Load() {
		return ErrStopped
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.queueCapacity {
		return ErrQueueFull
	}

	c.nextSeq++
	req.SeqNum = c.nextSeq
	req.SubmitTime = time.Now()
	req.setState(StatePending)
	c.queue = append(c.queue, req)
	c.cond.Signal()

	return nil
}

// ExecuteSync submits a request and blocks until it reaches a terminal
// state.
func (c *Comp) ExecuteSync(req *Request) (State, error) {
	if err := c.Submit(req); err != nil {
		return req.State(), err
	}

	<-req.done

	return req.State(), nil
}

// QueueLen returns the number of requests waiting in the queue.
func (c *Comp) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// livenessTicker periodically wakes the worker so a missed signal can never
// stall the queue indefinitely.
func (c *Comp) livenessTicker() {
	ticker := time.NewTicker(stallReportInterval)
	defer ticker.Stop()

	for c.active.Load() {
		<-ticker.C

		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

func (c *Comp) run() {
	defer close(c.workerDone)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.active.Load() {
			c.cond.Wait()
		}

		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}

		req := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if !c.active.Load() {
			c.finish(req, StateTimedOut)
			continue
		}

		c.process(req)
	}
}

func (c *Comp) process(req *Request) {
	req.setState(StateInProgress)

	entry, found := c.registry.Get(req.CPUID)
	if !found {
		log.Printf("barrier from unregistered CPU %d dropped", req.CPUID)
		c.finish(req, StateTimedOut)
		return
	}

	if req.Kind.IsFast() {
		c.processFast(req, entry)
		return
	}

	switch req.Kind {
	case KindTrapBarrier:
		c.processTrapBarrier(req, entry, c.trapTimeout)
	case KindMemoryBarrier:
		c.processMemoryBarrier(req, entry)
	case KindWriteBarrier:
		c.processWriteBarrier(req, entry)
	case KindExceptionBarrier:
		c.processExceptionBarrier(req, entry)
	default:
		log.Panicf("unknown barrier kind %d", req.Kind)
	}
}

// processFast completes the zero-wait pseudo-barriers.
func (c *Comp) processFast(req *Request, entry *cpu.Entry) {
	switch req.Kind {
	case KindPrefetchHint:
		// Prefetch hints have no architectural effect in this model.
	case KindCycleCounterRead:
		cc := uint64(time.Since(c.startTime).Nanoseconds())
		entry.IPRs.Write(cpu.IPRCC, cc)
		req.Result = cc
	case KindPerfCounterRead:
		c.mu.Lock()
		req.Result = c.stats.completed
		c.stats = stats{}
		c.mu.Unlock()
	}

	c.finish(req, StateCompleted)
}

// processTrapBarrier drains the asynchronous execution pipelines, waits
// for the CPU's pending-exception counter to reach zero, clears
// speculative state, and issues a full fence.
func (c *Comp) processTrapBarrier(
	req *Request,
	entry *cpu.Entry,
	timeout time.Duration,
) bool {
	deadline := time.Now().Add(timeout)

	if !c.drainPipelines(req, deadline) {
		c.finish(req, StateTimedOut)
		return false
	}

	if !c.waitZero(req, entry.PendingExceptions, deadline) {
		c.finish(req, StateTimedOut)
		return false
	}

	c.flusher.ClearSpeculativeState(req.CPUID)
	fullFence()
	c.finish(req, StateCompleted)

	return true
}

// processMemoryBarrier waits for both pending-read and pending-write
// counters, flushes the full cache hierarchy, broadcasts a coordination
// message and waits for every CPU's acknowledgment, then issues a full
// fence. This is the only cross-CPU rendezvous point in the core.
func (c *Comp) processMemoryBarrier(req *Request, entry *cpu.Entry) {
	deadline := time.Now().Add(c.memoryTimeout)

	if !c.waitZero(req, entry.PendingReads, deadline) ||
		!c.waitZero(req, entry.PendingWrites, deadline) {
		c.finish(req, StateTimedOut)
		return
	}

	c.flusher.FlushCacheHierarchy(req.CPUID)

	msg := coherency.MakeMsgBuilder().
		WithType(coherency.MsgCoordination).
		WithSrc(req.CPUID).
		Build()
	if err := c.bus.BroadcastAndWait(msg, time.Until(deadline)); err != nil {
		c.finish(req, StateTimedOut)
		return
	}

	fullFence()
	c.finish(req, StateCompleted)
}

// processWriteBarrier waits only for the pending-write counter, flushes
// write-only cache state, broadcasts without waiting, and issues a release
// fence. Pending reads are deliberately not waited for.
func (c *Comp) processWriteBarrier(req *Request, entry *cpu.Entry) {
	deadline := time.Now().Add(c.writeTimeout)

	if !c.waitZero(req, entry.PendingWrites, deadline) {
		c.finish(req, StateTimedOut)
		return
	}

	c.flusher.FlushWriteState(req.CPUID)

	msg := coherency.MakeMsgBuilder().
		WithType(coherency.MsgCoordination).
		WithSrc(req.CPUID).
		Build()
	c.bus.Broadcast(msg)

	releaseFence()
	c.finish(req, StateCompleted)
}

// processExceptionBarrier is a superset of the trap barrier that
// additionally clears machine-check state and synchronizes exception state
// across every registered CPU.
func (c *Comp) processExceptionBarrier(req *Request, entry *cpu.Entry) {
	deadline := time.Now().Add(c.exceptionTimeout)

	if !c.drainPipelines(req, deadline) {
		c.finish(req, StateTimedOut)
		return
	}

	if !c.waitZero(req, entry.PendingExceptions, deadline) {
		c.finish(req, StateTimedOut)
		return
	}

	entry.IPRs.Write(cpu.IPRMCES, 0)

	for _, other := range c.registry.List() {
		if other.ID == req.CPUID {
			continue
		}

		if !c.waitZero(req, other.PendingExceptions, deadline) {
			c.finish(req, StateTimedOut)
			return
		}
	}

	c.flusher.ClearSpeculativeState(req.CPUID)
	fullFence()
	c.finish(req, StateCompleted)
}

// waitZero waits for one counter to drain within the request's deadline,
// reporting a stalled barrier if the wait runs long.
func (c *Comp) waitZero(
	req *Request,
	counter *cpu.OpCounter,
	deadline time.Time,
) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	start := time.Now()
	ok := counter.WaitZero(remaining, func() bool {
		return !c.active.Load()
	})

	if time.Since(start) > stallReportInterval {
		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    hooking.HookPosBarrierStalled,
			Item:   req,
		})
	}

	return ok && c.active.Load()
}

func (c *Comp) drainPipelines(req *Request, deadline time.Time) bool {
	stallReported := false
	start := time.Now()

	for {
		anyActive := false
		for _, p := range c.pipelines {
			if p.IsActive() {
				anyActive = true
				break
			}
		}

		if !anyActive {
			return true
		}

		if !c.active.Load() || !time.Now().Before(deadline) {
			return false
		}

		if !stallReported && time.Since(start) > stallReportInterval {
			stallReported = true
			c.InvokeHook(hooking.HookCtx{
				Domain: c,
				Pos:    hooking.HookPosBarrierStalled,
				Item:   req,
			})
		}

		time.Sleep(drainPollInterval)
	}
}

const barrierTableName = "barrier_requests"

type barrierRecord struct {
	ID         string
	Kind       string
	CPUID      int
	SeqNum     uint64
	PC         uint64
	State      string
	DurationNS int64
}

// finish moves the request to a terminal state, updates statistics,
// records the outcome, and releases any synchronous waiter. A timed-out
// request is reported, never silently dropped.
func (c *Comp) finish(req *Request, state State) {
	req.setState(state)

	c.mu.Lock()
	if state == StateTimedOut {
		c.stats.timedOut++
	} else {
		c.stats.completed++
	}
	c.mu.Unlock()

	if state == StateTimedOut {
		log.Printf("barrier %s (%s) from CPU %d timed out",
			req.ID, req.Kind, req.CPUID)
		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    hooking.HookPosBarrierTimeout,
			Item:   req,
		})
	}

	if c.recorder != nil {
		c.recorder.InsertData(barrierTableName, barrierRecord{
			ID:         req.ID,
			Kind:       req.Kind.String(),
			CPUID:      req.CPUID,
			SeqNum:     req.SeqNum,
			PC:         req.PC,
			State:      state.String(),
			DurationNS: time.Since(req.SubmitTime).Nanoseconds(),
		})
	}

	close(req.done)
}

// TimedOutCount returns the number of requests that have timed out since
// the last performance-counter read-and-clear.
func (c *Comp) TimedOutCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats.timedOut
}

// CompletedCount returns the number of requests completed since the last
// performance-counter read-and-clear.
func (c *Comp) CompletedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats.completed
}
