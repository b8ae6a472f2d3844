package barrier

import (
	"sync"
	"time"

	"github.com/sarchlab/axpmem/coherency"
	"github.com/sarchlab/axpmem/cpu"
	"github.com/sarchlab/axpmem/datarecording"
	"github.com/sarchlab/axpmem/hooking"
)

// A Builder can build barrier coordinators.
type Builder struct {
	queueCapacity    int
	trapTimeout      time.Duration
	memoryTimeout    time.Duration
	writeTimeout     time.Duration
	exceptionTimeout time.Duration

	registry  *cpu.Registry
	bus       *coherency.Comp
	flusher   Flusher
	pipelines []PipelineStatus
	recorder  datarecording.DataRecorder
}

// MakeBuilder returns a Builder with the default timeouts.
func MakeBuilder() Builder {
	return Builder{
		queueCapacity:    64,
		trapTimeout:      2000 * time.Millisecond,
		memoryTimeout:    3000 * time.Millisecond,
		writeTimeout:     2000 * time.Millisecond,
		exceptionTimeout: 2000 * time.Millisecond,
	}
}

// WithQueueCapacity bounds the request queue.
func (b Builder) WithQueueCapacity(n int) Builder {
	b.queueCapacity = n
	return b
}

// WithTrapTimeout sets the bounded wait for trap barriers.
func (b Builder) WithTrapTimeout(d time.Duration) Builder {
	b.trapTimeout = d
	return b
}

// WithMemoryTimeout sets the bounded wait for memory barriers.
func (b Builder) WithMemoryTimeout(d time.Duration) Builder {
	b.memoryTimeout = d
	return b
}

// WithWriteTimeout sets the bounded wait for write barriers.
func (b Builder) WithWriteTimeout(d time.Duration) Builder {
	b.writeTimeout = d
	return b
}

// WithExceptionTimeout sets the bounded wait for exception barriers.
func (b Builder) WithExceptionTimeout(d time.Duration) Builder {
	b.exceptionTimeout = d
	return b
}

// WithRegistry sets the CPU registry the coordinator consults for pending
// operation counters.
func (b Builder) WithRegistry(r *cpu.Registry) Builder {
	b.registry = r
	return b
}

// WithBus sets the coherency bus used for coordination broadcasts.
func (b Builder) WithBus(bus *coherency.Comp) Builder {
	b.bus = bus
	return b
}

// WithFlusher sets the cache-state flusher.
func (b Builder) WithFlusher(f Flusher) Builder {
	b.flusher = f
	return b
}

// WithPipelines injects the pipeline-status capabilities of the
// opcode-class executors.
func (b Builder) WithPipelines(pipelines ...PipelineStatus) Builder {
	b.pipelines = pipelines
	return b
}

// WithDataRecorder enables per-request statistics recording.
func (b Builder) WithDataRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// Build creates the coordinator. Start must be called before submitting
// requests.
func (b Builder) Build(name string) *Comp {
	if b.registry == nil {
		panic("barrier coordinator requires a CPU registry")
	}

	if b.bus == nil {
		panic("barrier coordinator requires a coherency bus")
	}

	if b.queueCapacity <= 0 {
		panic("barrier queue capacity must be positive")
	}

	flusher := b.flusher
	if flusher == nil {
		flusher = noopFlusher{}
	}

	c := &Comp{
		HookableBase:     *hooking.NewHookableBase(),
		name:             name,
		queueCapacity:    b.queueCapacity,
		trapTimeout:      b.trapTimeout,
		memoryTimeout:    b.memoryTimeout,
		writeTimeout:     b.writeTimeout,
		exceptionTimeout: b.exceptionTimeout,
		registry:         b.registry,
		bus:              b.bus,
		flusher:          flusher,
		pipelines:        b.pipelines,
		recorder:         b.recorder,
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}
