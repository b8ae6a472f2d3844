package memsys

import (
	"time"

	"github.com/sarchlab/axpmem/barrier"
	"github.com/sarchlab/axpmem/coherency"
	"github.com/sarchlab/axpmem/cpu"
	"github.com/sarchlab/axpmem/datarecording"
	"github.com/sarchlab/axpmem/hooking"
	"github.com/sarchlab/axpmem/mem"
	"github.com/sarchlab/axpmem/mem/vm"
	"github.com/sarchlab/axpmem/reservation"
)

// A Builder can build memory systems.
type Builder struct {
	capacity     uint64
	log2PageSize uint64

	tlbNumSets int
	tlbNumWays int

	granule uint64

	mailboxCap       int
	barrierQueueCap  int
	trapTimeout      time.Duration
	memoryTimeout    time.Duration
	writeTimeout     time.Duration
	exceptionTimeout time.Duration

	pipelines []barrier.PipelineStatus
	recorder  datarecording.DataRecorder
	regs      RegisterAccessor
}

// MakeBuilder returns a Builder with the default configuration: 1 GB of
// physical memory, 8 KB pages, 64-entry fully associative TLB partitions,
// and a 16-byte reservation granule.
func MakeBuilder() Builder {
	return Builder{
		capacity:         1 << 30,
		log2PageSize:     13,
		tlbNumSets:       1,
		tlbNumWays:       64,
		granule:          reservation.DefaultGranule,
		mailboxCap:       256,
		barrierQueueCap:  64,
		trapTimeout:      2000 * time.Millisecond,
		memoryTimeout:    3000 * time.Millisecond,
		writeTimeout:     2000 * time.Millisecond,
		exceptionTimeout: 2000 * time.Millisecond,
	}
}

// WithCapacity sets the physical address space size in bytes.
func (b Builder) WithCapacity(capacity uint64) Builder {
	b.capacity = capacity
	return b
}

// WithLog2PageSize sets the page size as a power of 2.
func (b Builder) WithLog2PageSize(n uint64) Builder {
	b.log2PageSize = n
	return b
}

// WithTLBNumSets sets the number of sets in each TLB partition.
func (b Builder) WithTLBNumSets(n int) Builder {
	b.tlbNumSets = n
	return b
}

// WithTLBNumWays sets the number of ways in each TLB set.
func (b Builder) WithTLBNumWays(n int) Builder {
	b.tlbNumWays = n
	return b
}

// WithReservationGranule sets the LL/SC reservation granule in bytes.
func (b Builder) WithReservationGranule(granule uint64) Builder {
	b.granule = granule
	return b
}

// WithMailboxCapacity bounds each CPU's coherency delivery queue.
func (b Builder) WithMailboxCapacity(n int) Builder {
	b.mailboxCap = n
	return b
}

// WithBarrierQueueCapacity bounds the barrier request queue.
func (b Builder) WithBarrierQueueCapacity(n int) Builder {
	b.barrierQueueCap = n
	return b
}

// WithTrapBarrierTimeout sets the bounded wait for trap barriers.
func (b Builder) WithTrapBarrierTimeout(d time.Duration) Builder {
	b.trapTimeout = d
	return b
}

// WithMemoryBarrierTimeout sets the bounded wait for memory barriers.
func (b Builder) WithMemoryBarrierTimeout(d time.Duration) Builder {
	b.memoryTimeout = d
	return b
}

// WithWriteBarrierTimeout sets the bounded wait for write barriers.
func (b Builder) WithWriteBarrierTimeout(d time.Duration) Builder {
	b.writeTimeout = d
	return b
}

// WithExceptionBarrierTimeout sets the bounded wait for exception
// barriers.
func (b Builder) WithExceptionBarrierTimeout(d time.Duration) Builder {
	b.exceptionTimeout = d
	return b
}

// WithPipelines injects the pipeline-status capabilities of the
// opcode-class executors, consulted by trap and exception barriers.
func (b Builder) WithPipelines(pipelines ...barrier.PipelineStatus) Builder {
	b.pipelines = pipelines
	return b
}

// WithDataRecorder enables statistics recording.
func (b Builder) WithDataRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// WithRegisterAccessor injects the executor layer's integer register file,
// enabling the register-writing LL/SC wrappers.
func (b Builder) WithRegisterAccessor(r RegisterAccessor) Builder {
	b.regs = r
	return b
}

// Build creates the memory system. Start must be called before barriers
// are submitted.
func (b Builder) Build(name string) *Comp {
	c := &Comp{
		HookableBase: *hooking.NewHookableBase(),
		name:         name,
		log2PageSize: b.log2PageSize,
		pageTable:    vm.NewPageTable(b.log2PageSize),
		storage:      mem.NewStorage(b.capacity),
		mmio:         mem.NewMMIOTable(),
		registry:     cpu.NewRegistry(),
		reservations: reservation.NewTracker(b.granule),
		bus:          coherency.NewBus(name+".Bus", b.mailboxCap),
		recorder:     b.recorder,
		regs:         b.regs,
		tlbNumSets:   b.tlbNumSets,
		tlbNumWays:   b.tlbNumWays,
		cpus:         make(map[int]*cpuState),
	}

	c.reservations.OnClear(func(s reservation.State) {
		msg := coherency.MakeMsgBuilder().
			WithType(coherency.MsgReservationClear).
			WithPAddr(s.PAddr).
			WithSize(s.Size).
			WithSrc(s.CPUID).
			Build()
		c.bus.Broadcast(msg)

		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    hooking.HookPosReservationCleared,
			Item:   s,
		})
	})

	c.coordinator = barrier.MakeBuilder().
		WithRegistry(c.registry).
		WithBus(c.bus).
		WithFlusher(flusher{c}).
		WithQueueCapacity(b.barrierQueueCap).
		WithTrapTimeout(b.trapTimeout).
		WithMemoryTimeout(b.memoryTimeout).
		WithWriteTimeout(b.writeTimeout).
		WithExceptionTimeout(b.exceptionTimeout).
		WithPipelines(b.pipelines...).
		WithDataRecorder(b.recorder).
		Build(name + ".BarrierCoordinator")

	if c.recorder != nil {
		c.recorder.CreateTable(tlbStatsTableName, tlbStatsRecord{})
	}

	return c
}
