// Package barrier implements the memory-barrier state machine of the
// memory core: an asynchronous queue-driven coordinator that drains
// in-flight operations, flushes caches, and synchronizes simulated CPUs
// before releasing each barrier.
package barrier

import (
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// Kind classifies barrier requests.
type Kind int

// The barrier kinds. The last three are zero-wait pseudo-barriers: they
// complete immediately and exist in the same queue purely so the
// dispatcher does not need a second code path.
const (
	KindTrapBarrier Kind = iota
	KindMemoryBarrier
	KindWriteBarrier
	KindExceptionBarrier
	KindPrefetchHint
	KindCycleCounterRead
	KindPerfCounterRead
)

func (k Kind) String() string {
	switch k {
	case KindTrapBarrier:
		return "trap-barrier"
	case KindMemoryBarrier:
		return "memory-barrier"
	case KindWriteBarrier:
		return "write-barrier"
	case KindExceptionBarrier:
		return "exception-barrier"
	case KindPrefetchHint:
		return "prefetch-hint"
	case KindCycleCounterRead:
		return "cycle-counter-read"
	case KindPerfCounterRead:
		return "perf-counter-read"
	}

	return "unknown"
}

// IsFast reports whether the kind is a zero-wait pseudo-barrier.
func (k Kind) IsFast() bool {
	switch k {
	case KindPrefetchHint, KindCycleCounterRead, KindPerfCounterRead:
		return true
	}

	return false
}

// State is the processing state of a barrier request.
type State int32

// The request states.
const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in-progress"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed-out"
	}

	return "unknown"
}

// A Request is one pending barrier instruction. It is owned by the
// coordinator's queue from submission until completion or timeout.
type Request struct {
	ID     string
	Kind   Kind
	CPUID  int
	PC     uint64
	SeqNum uint64

	// Result carries the value produced by cycle-counter and
	// performance-counter reads. It is valid once the request completes.
	Result uint64

	SubmitTime time.Time

	state atomic.Int32
	done  chan struct{}
}

// State returns the current processing state.
func (r *Request) State() State {
	return State(r.state.Load())
}

func (r *Request) setState(s State) {
	r.state.Store(int32(s))
}

// Done returns a channel that is closed when the request reaches a
// terminal state.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// ReqBuilder can build barrier requests.
type ReqBuilder struct {
	kind  Kind
	cpuID int
	pc    uint64
}

// MakeReqBuilder returns a request builder.
func MakeReqBuilder() ReqBuilder {
	return ReqBuilder{}
}

// WithKind sets the barrier kind.
func (b ReqBuilder) WithKind(k Kind) ReqBuilder {
	b.kind = k
	return b
}

// WithCPUID sets the submitting CPU.
func (b ReqBuilder) WithCPUID(cpuID int) ReqBuilder {
	b.cpuID = cpuID
	return b
}

// WithPC sets the program counter of the barrier instruction.
func (b ReqBuilder) WithPC(pc uint64) ReqBuilder {
	b.pc = pc
	return b
}

// Build creates the request. The sequence number is assigned by the
// coordinator at submission time.
func (b ReqBuilder) Build() *Request {
	return &Request{
		ID:    xid.New().String(),
		Kind:  b.kind,
		CPUID: b.cpuID,
		PC:    b.pc,
		done:  make(chan struct{}),
	}
}
