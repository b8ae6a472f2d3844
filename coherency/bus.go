package coherency

import (
	"errors"
	"sync"
	"time"

	"github.com/sarchlab/axpmem/hooking"
)

// ErrAckTimeout is returned by BroadcastAndWait when not every live CPU
// acknowledged the coordination message in time.
var ErrAckTimeout = errors.New("coordination broadcast not acknowledged in time")

// A Handler consumes coherency messages delivered to one CPU. Handlers run
// on the mailbox's delivery goroutine and must not block.
type Handler interface {
	HandleCoherencyMsg(msg Msg)
}

// The HandlerFunc type adapts a function to a Handler.
type HandlerFunc func(msg Msg)

// HandleCoherencyMsg calls f(msg).
func (f HandlerFunc) HandleCoherencyMsg(msg Msg) {
	f(msg)
}

// A Comp is the cache coherency bus. Each attached CPU owns a bounded FIFO
// mailbox drained by its own delivery goroutine, so delivery to a given
// CPU is FIFO while delivery order across CPUs is unspecified.
type Comp struct {
	hooking.HookableBase

	name       string
	mailboxCap int
	mu         sync.RWMutex
	mailboxes  map[int]*mailbox
}

// NewBus creates a coherency bus. mailboxCap bounds each CPU's delivery
// queue.
func NewBus(name string, mailboxCap int) *Comp {
	if mailboxCap <= 0 {
		panic("mailbox capacity must be positive")
	}

	return &Comp{
		name:       name,
		mailboxCap: mailboxCap,
		mailboxes:  make(map[int]*mailbox),
	}
}

// Name returns the name of the bus.
func (c *Comp) Name() string {
	return c.name
}

// Attach creates a mailbox and delivery goroutine for a CPU. Attaching an
// already-attached CPU panics.
func (c *Comp) Attach(cpuID int, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.mailboxes[cpuID]; found {
		panic("CPU already attached to the coherency bus")
	}

	mb := newMailbox(cpuID, c.mailboxCap, handler)
	c.mailboxes[cpuID] = mb
	go mb.run()
}

// Detach stops a CPU's mailbox. Messages still queued are acknowledged
// without delivery so that no coordination waiter hangs on a departed CPU.
// Detaching an unknown CPU is a no-op.
func (c *Comp) Detach(cpuID int) {
	c.mu.Lock()
	mb, found := c.mailboxes[cpuID]
	if found {
		delete(c.mailboxes, cpuID)
	}
	c.mu.Unlock()

	if found {
		mb.close()
	}
}

// StopAll detaches every CPU. Used on memory-system teardown.
func (c *Comp) StopAll() {
	c.mu.Lock()
	mailboxes := c.mailboxes
	c.mailboxes = make(map[int]*mailbox)
	c.mu.Unlock()

	for _, mb := range mailboxes {
		mb.close()
	}
}

func (c *Comp) targets(msg Msg) []*mailbox {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var targets []*mailbox
	for id, mb := range c.mailboxes {
		if msg.DstCPUID != TargetAll && msg.DstCPUID != id {
			continue
		}

		if msg.DstCPUID == TargetAll && id == msg.SrcCPUID {
			continue
		}

		targets = append(targets, mb)
	}

	return targets
}

// Broadcast queues the message for every target CPU and returns without
// waiting for delivery. Broadcasts addressed to TargetAll skip the source
// CPU.
func (c *Comp) Broadcast(msg Msg) {
	for _, mb := range c.targets(msg) {
		mb.push(msg)
	}
}

// DeliverTo queues the message for a single CPU.
func (c *Comp) DeliverTo(cpuID int, msg Msg) {
	msg.DstCPUID = cpuID
	c.Broadcast(msg)
}

// BroadcastAndWait queues the message for every target CPU and blocks until
// each of them has processed it or the timeout expires. This is the
// rendezvous used by the memory barrier; all other traffic is
// fire-and-forget.
func (c *Comp) BroadcastAndWait(msg Msg, timeout time.Duration) error {
	targets := c.targets(msg)
	if len(targets) == 0 {
		return nil
	}

	ackCh := make(chan struct{}, len(targets))
	msg.ack = func() { ackCh <- struct{}{} }

	for _, mb := range targets {
		mb.push(msg)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for i := 0; i < len(targets); i++ {
		select {
		case <-ackCh:
		case <-deadline.C:
			return ErrAckTimeout
		}
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    hooking.HookPosCoordinationComplete,
		Item:   msg,
	})

	return nil
}

// A mailbox is one CPU's bounded delivery queue.
type mailbox struct {
	cpuID   int
	handler Handler

	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	queue    []Msg
	closed   bool
}

func newMailbox(cpuID, capacity int, handler Handler) *mailbox {
	mb := &mailbox{
		cpuID:    cpuID,
		handler:  handler,
		capacity: capacity,
	}
	mb.cond = sync.NewCond(&mb.mu)

	return mb
}

func (mb *mailbox) push(msg Msg) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for len(mb.queue) >= mb.capacity && !mb.closed {
		mb.cond.Wait()
	}

	if mb.closed {
		if msg.ack != nil {
			msg.ack()
		}
		return
	}

	mb.queue = append(mb.queue, msg)
	mb.cond.Broadcast()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.closed = true
	mb.cond.Broadcast()
}

func (mb *mailbox) run() {
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}

		if len(mb.queue) == 0 && mb.closed {
			mb.mu.Unlock()
			return
		}

		msg := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.cond.Broadcast()
		closed := mb.closed
		mb.mu.Unlock()

		if !closed && mb.handler != nil {
			mb.handler.HandleCoherencyMsg(msg)
		}

		if msg.ack != nil {
			msg.ack()
		}
	}
}
