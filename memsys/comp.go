package memsys

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/axpmem/barrier"
	"github.com/sarchlab/axpmem/coherency"
	"github.com/sarchlab/axpmem/cpu"
	"github.com/sarchlab/axpmem/datarecording"
	"github.com/sarchlab/axpmem/hooking"
	"github.com/sarchlab/axpmem/mem"
	"github.com/sarchlab/axpmem/mem/vm"
	"github.com/sarchlab/axpmem/mem/vm/tlb"
	"github.com/sarchlab/axpmem/reservation"
)

// TLBPartition selects which TLB partitions an invalidation applies to.
type TLBPartition int

// The TLB partitions.
const (
	PartitionData TLBPartition = iota
	PartitionInstruction
	PartitionBoth
)

type cpuState struct {
	entry  *cpu.Entry
	itlb   *tlb.Comp
	dtlb   *tlb.Comp
	faults FaultHandler
}

// A Comp is the memory system. All public operations take an explicit CPU
// ID and are safe for concurrent use from any number of simulated CPUs.
type Comp struct {
	hooking.HookableBase

	name         string
	log2PageSize uint64

	pageTable    vm.PageTable
	storage      *mem.Storage
	mmio         *mem.MMIOTable
	registry     *cpu.Registry
	reservations *reservation.Tracker
	bus          *coherency.Comp
	coordinator  *barrier.Comp
	recorder     datarecording.DataRecorder
	regs         RegisterAccessor

	tlbNumSets int
	tlbNumWays int

	// memMu guards physical memory and MMIO. Physical memory is genuinely
	// shared mutable state; cross-CPU write ordering must be observable, so
	// one lock covers the storage, the device windows, and the
	// reservation-visibility coupling of every single access.
	memMu sync.Mutex

	mu   sync.RWMutex
	cpus map[int]*cpuState
}

// Name returns the name of the memory system.
func (c *Comp) Name() string {
	return c.name
}

// Registry exposes the CPU registry.
func (c *Comp) Registry() *cpu.Registry {
	return c.registry
}

// Bus exposes the coherency bus.
func (c *Comp) Bus() *coherency.Comp {
	return c.bus
}

// Coordinator exposes the barrier coordinator.
func (c *Comp) Coordinator() *barrier.Comp {
	return c.coordinator
}

// Reservations exposes the reservation tracker.
func (c *Comp) Reservations() *reservation.Tracker {
	return c.reservations
}

// Start launches the barrier coordinator's worker.
func (c *Comp) Start() {
	c.coordinator.Start()
}

// Stop shuts down the barrier coordinator and the coherency bus and
// flushes recorded statistics. In-flight barrier waits fail rather than
// hang.
func (c *Comp) Stop() {
	c.coordinator.Stop()
	c.bus.StopAll()

	if c.recorder != nil {
		c.flushTLBStats()
		c.recorder.Flush()
	}
}

// Map installs a virtual-to-physical range mapping in the page table.
func (c *Comp) Map(m vm.Mapping) {
	c.pageTable.Map(m)
}

// Unmap removes the mapping containing vAddr for the given ASN. Cached
// TLB entries are not touched; callers follow up with an explicit TLB
// invalidation, as on real hardware.
func (c *Comp) Unmap(vAddr uint64, asn vm.ASN) {
	c.pageTable.Unmap(vAddr, asn)
}

// AddMMIOWindow routes a physical address range to a device handler.
func (c *Comp) AddMMIOWindow(base, size uint64, handler mem.MMIOHandler) {
	c.mmio.AddWindow(base, size, handler)
}

// RegisterCPU adds a CPU to the system, creating its TLB partitions and
// coherency mailbox. The fault handler receives the CPU's memory faults
// and may be nil.
func (c *Comp) RegisterCPU(id int, faults FaultHandler) *cpu.Entry {
	entry := c.registry.Register(id)

	st := &cpuState{
		entry:  entry,
		faults: faults,
	}
	st.itlb = c.tlbBuilder().Build(tlbName(c.name, id, "ITLB"))
	st.dtlb = c.tlbBuilder().Build(tlbName(c.name, id, "DTLB"))

	c.mu.Lock()
	c.cpus[id] = st
	c.mu.Unlock()

	c.bus.Attach(id, coherency.HandlerFunc(func(msg coherency.Msg) {
		c.handleCoherencyMsg(id, msg)
	}))

	return entry
}

// UnregisterCPU removes a CPU, purging its TLB entries and reservation.
// The operation is idempotent.
func (c *Comp) UnregisterCPU(id int) {
	c.mu.Lock()
	st, found := c.cpus[id]
	if found {
		delete(c.cpus, id)
	}
	c.mu.Unlock()

	if !found {
		return
	}

	st.itlb.InvalidateAll()
	st.dtlb.InvalidateAll()
	c.reservations.Clear(id)
	c.bus.Detach(id)
	c.registry.Unregister(id)
}

func (c *Comp) tlbBuilder() tlb.Builder {
	return tlb.MakeBuilder().
		WithNumSets(c.tlbNumSets).
		WithNumWays(c.tlbNumWays).
		WithLog2PageSize(c.log2PageSize)
}

func tlbName(sysName string, cpuID int, part string) string {
	return fmt.Sprintf("%s.CPU%d.%s", sysName, cpuID, part)
}

// getCPUState returns the state of a registered CPU. Operating on an
// unregistered CPU is a defect in the caller; it is reported and an inert
// failure is returned instead of crashing the process.
func (c *Comp) getCPUState(id int) (*cpuState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, found := c.cpus[id]
	if !found {
		log.Printf("memory operation on unregistered CPU %d", id)
	}

	return st, found
}

func (c *Comp) handleCoherencyMsg(cpuID int, msg coherency.Msg) {
	st, found := c.getCPUState(cpuID)
	if !found {
		return
	}

	st.entry.Touch()

	// Line-level cache state is not modeled beyond reservations, so
	// invalidate and write-back messages only feed observers here.
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    hooking.HookPosCoherencyDelivery,
		Item:   msg,
		Detail: cpuID,
	})
}

// Translate resolves a virtual address for the CPU's current ASN: TLB
// lookup first, page walk on miss, protection validated against the access
// type. A protection failure is returned without populating the TLB.
func (c *Comp) Translate(
	cpuID int,
	vAddr uint64,
	access vm.AccessType,
) (uint64, *vm.TranslationFault) {
	st, found := c.getCPUState(cpuID)
	if !found {
		return 0, &vm.TranslationFault{
			Kind:   vm.FaultUnmapped,
			VAddr:  vAddr,
			Access: access,
		}
	}

	st.entry.Touch()
	asn := st.entry.IPRs.ASN()

	t := st.dtlb
	if access == vm.AccessExecute {
		t = st.itlb
	}

	page, hit := t.Lookup(vAddr, asn)
	if !hit {
		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    hooking.HookPosTranslationMiss,
			Item:   vAddr,
			Detail: cpuID,
		})

		walked, fault := c.pageTable.Walk(vAddr, asn)
		if fault != nil {
			fault.Access = access
			return 0, fault
		}

		if !walked.Prot.Allows(access) {
			return 0, c.protectionFault(cpuID, vAddr, asn, access)
		}

		t.Insert(walked)
		page = walked
	} else if !page.Prot.Allows(access) {
		return 0, c.protectionFault(cpuID, vAddr, asn, access)
	}

	return page.PAddr + (vAddr - page.VAddr), nil
}

func (c *Comp) protectionFault(
	cpuID int,
	vAddr uint64,
	asn vm.ASN,
	access vm.AccessType,
) *vm.TranslationFault {
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    hooking.HookPosProtectionFault,
		Item:   vAddr,
		Detail: cpuID,
	})

	return &vm.TranslationFault{
		Kind:   vm.FaultProtection,
		VAddr:  vAddr,
		ASN:    asn,
		Access: access,
	}
}

func sizeMustBeValid(size int) {
	switch size {
	case 1, 2, 4, 8:
	default:
		log.Panicf("invalid access size %d", size)
	}
}

func aligned(addr uint64, size int) bool {
	return addr%uint64(size) == 0
}

// translationToMemFault converts a translation fault into the memory fault
// reported to the caller, delivering both the exception and the fault
// details through the CPU's fault handler.
func (c *Comp) translationToMemFault(
	st *cpuState,
	tf *vm.TranslationFault,
	vAddr uint64,
	pc uint64,
	isWrite bool,
) *mem.Fault {
	kind := mem.FaultTranslationMiss
	exception := ExceptionTLBMiss
	if tf != nil && tf.Kind == vm.FaultProtection {
		kind = mem.FaultProtectionViolation
		exception = ExceptionProtection
	}

	if st != nil && st.faults != nil {
		st.faults.RaiseException(exception, pc)
		st.faults.RaiseMemoryFault(vAddr, isWrite, true, false)
	}

	return mem.NewFault(kind, vAddr, isWrite)
}

func (c *Comp) alignmentFault(
	st *cpuState,
	vAddr uint64,
	pc uint64,
	isWrite bool,
) *mem.Fault {
	if st != nil && st.faults != nil {
		st.faults.RaiseException(ExceptionAlignment, pc)
		st.faults.RaiseMemoryFault(vAddr, isWrite, false, true)
	}

	return mem.NewFault(mem.FaultAlignment, vAddr, isWrite)
}

// raiseMachineCheck reports a failed device access. The caller must not
// hold memMu; handler callbacks run outside core locks.
func (c *Comp) raiseMachineCheck(st *cpuState, pc uint64) {
	if st != nil && st.faults != nil {
		st.faults.RaiseException(ExceptionMachineCheck, pc)
	}
}

// ReadMemory translates and performs a read, routing to a device window if
// the physical address falls in one, else to flat physical storage.
func (c *Comp) ReadMemory(
	cpuID int,
	vAddr uint64,
	size int,
	pc uint64,
) (uint64, *mem.Fault) {
	sizeMustBeValid(size)

	st, found := c.getCPUState(cpuID)
	if !found {
		return 0, mem.NewFault(mem.FaultTranslationMiss, vAddr, false)
	}

	st.entry.PendingReads.Inc()
	defer st.entry.PendingReads.Dec()

	if !aligned(vAddr, size) {
		return 0, c.alignmentFault(st, vAddr, pc, false)
	}

	pAddr, tf := c.Translate(cpuID, vAddr, vm.AccessRead)
	if tf != nil {
		return 0, c.translationToMemFault(st, tf, vAddr, pc, false)
	}

	value, fault := c.readPhysical(st, pAddr, size)
	if fault != nil {
		c.raiseMachineCheck(st, pc)
	}

	return value, fault
}

func (c *Comp) readPhysical(
	st *cpuState,
	pAddr uint64,
	size int,
) (uint64, *mem.Fault) {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	if w, isMMIO := c.mmio.Find(pAddr, size); isMMIO {
		value, err := w.Handler.Read(pAddr-w.Base, size)
		if err != nil {
			return 0, mem.NewFault(mem.FaultMMIOUnsupported, pAddr, false)
		}

		return value, nil
	}

	value, err := c.storage.ReadUint(pAddr, size)
	if err != nil {
		log.Panicf("physical address 0x%016x beyond storage capacity", pAddr)
	}

	return value, nil
}

// WriteMemory translates and performs a write. On success it broadcasts an
// invalidate-line message and clears every reservation overlapping the
// written range, on any CPU, including the writer's own.
func (c *Comp) WriteMemory(
	cpuID int,
	vAddr uint64,
	value uint64,
	size int,
	pc uint64,
) *mem.Fault {
	sizeMustBeValid(size)

	st, found := c.getCPUState(cpuID)
	if !found {
		return mem.NewFault(mem.FaultTranslationMiss, vAddr, true)
	}

	st.entry.PendingWrites.Inc()
	defer st.entry.PendingWrites.Dec()

	if !aligned(vAddr, size) {
		return c.alignmentFault(st, vAddr, pc, true)
	}

	pAddr, tf := c.Translate(cpuID, vAddr, vm.AccessWrite)
	if tf != nil {
		return c.translationToMemFault(st, tf, vAddr, pc, true)
	}

	c.memMu.Lock()
	fault := c.writePhysicalLocked(pAddr, value, size)
	if fault == nil {
		c.reservations.InvalidateOverlapping(
			pAddr, uint64(size), reservation.NoExclusion)
	}
	c.memMu.Unlock()

	if fault != nil {
		c.raiseMachineCheck(st, pc)
		return fault
	}

	c.notifyWrite(cpuID, pAddr, size)

	return nil
}

// writePhysicalLocked performs the physical side of a write. The caller
// holds memMu.
func (c *Comp) writePhysicalLocked(
	pAddr uint64,
	value uint64,
	size int,
) *mem.Fault {
	if w, isMMIO := c.mmio.Find(pAddr, size); isMMIO {
		if err := w.Handler.Write(pAddr-w.Base, value, size); err != nil {
			return mem.NewFault(mem.FaultMMIOUnsupported, pAddr, true)
		}

		return nil
	}

	if err := c.storage.WriteUint(pAddr, value, size); err != nil {
		log.Panicf("physical address 0x%016x beyond storage capacity", pAddr)
	}

	return nil
}

func (c *Comp) notifyWrite(cpuID int, pAddr uint64, size int) {
	msg := coherency.MakeMsgBuilder().
		WithType(coherency.MsgInvalidateLine).
		WithPAddr(pAddr).
		WithSize(uint64(size)).
		WithSrc(cpuID).
		Build()
	c.bus.Broadcast(msg)

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    hooking.HookPosWriteNotification,
		Item:   pAddr,
		Detail: cpuID,
	})
}

// LoadLocked performs a translated read and installs the CPU's reservation
// on the granule-aligned range covering the access, replacing any previous
// reservation the CPU held. Reservations cover RAM only: a load-locked
// whose physical address falls in a device window is refused with an MMIO
// fault and installs nothing.
func (c *Comp) LoadLocked(
	cpuID int,
	vAddr uint64,
	size int,
	pc uint64,
) (uint64, *mem.Fault) {
	sizeMustBeValid(size)

	st, found := c.getCPUState(cpuID)
	if !found {
		return 0, mem.NewFault(mem.FaultTranslationMiss, vAddr, false)
	}

	st.entry.PendingReads.Inc()
	defer st.entry.PendingReads.Dec()

	if !aligned(vAddr, size) {
		return 0, c.alignmentFault(st, vAddr, pc, false)
	}

	pAddr, tf := c.Translate(cpuID, vAddr, vm.AccessRead)
	if tf != nil {
		return 0, c.translationToMemFault(st, tf, vAddr, pc, false)
	}

	// The read and the reservation install happen under one hold of the
	// memory lock, so a racing write cannot slip between them unnoticed.
	c.memMu.Lock()

	if _, isMMIO := c.mmio.Find(pAddr, size); isMMIO {
		c.memMu.Unlock()
		c.raiseMachineCheck(st, pc)
		return 0, mem.NewFault(mem.FaultMMIOUnsupported, pAddr, false)
	}

	value, err := c.storage.ReadUint(pAddr, size)
	if err != nil {
		log.Panicf("physical address 0x%016x beyond storage capacity", pAddr)
	}

	c.reservations.Install(cpuID, pAddr, uint64(size))
	c.memMu.Unlock()

	return value, nil
}

// StoreConditional succeeds only if the CPU still holds a valid
// reservation covering the store's physical range. On success it performs
// the write, consumes the CPU's own reservation, and invalidates any other
// CPU's overlapping reservation. On any mismatch it performs no write,
// clears the local reservation, and returns false. A store-conditional
// whose translation faults reports the fault, not reservation failure, and
// still loses the reservation.
func (c *Comp) StoreConditional(
	cpuID int,
	vAddr uint64,
	value uint64,
	size int,
	pc uint64,
) (bool, *mem.Fault) {
	sizeMustBeValid(size)

	st, found := c.getCPUState(cpuID)
	if !found {
		return false, mem.NewFault(mem.FaultTranslationMiss, vAddr, true)
	}

	st.entry.PendingWrites.Inc()
	defer st.entry.PendingWrites.Dec()

	if !aligned(vAddr, size) {
		c.reservations.Clear(cpuID)
		return false, c.alignmentFault(st, vAddr, pc, true)
	}

	pAddr, tf := c.Translate(cpuID, vAddr, vm.AccessWrite)
	if tf != nil {
		c.reservations.Clear(cpuID)
		return false, c.translationToMemFault(st, tf, vAddr, pc, true)
	}

	c.memMu.Lock()

	if !c.reservations.Matches(cpuID, pAddr, uint64(size)) {
		c.reservations.Clear(cpuID)
		c.memMu.Unlock()
		return false, nil
	}

	if fault := c.writePhysicalLocked(pAddr, value, size); fault != nil {
		c.reservations.Clear(cpuID)
		c.memMu.Unlock()
		c.raiseMachineCheck(st, pc)
		return false, fault
	}

	c.reservations.Clear(cpuID)
	c.reservations.InvalidateOverlapping(pAddr, uint64(size), cpuID)

	c.memMu.Unlock()

	c.notifyWrite(cpuID, pAddr, size)

	return true, nil
}

func (c *Comp) forEachTLB(st *cpuState, part TLBPartition, f func(t *tlb.Comp)) {
	if part == PartitionData || part == PartitionBoth {
		f(st.dtlb)
	}

	if part == PartitionInstruction || part == PartitionBoth {
		f(st.itlb)
	}
}

func (c *Comp) tlbTargets(cpuID int, global bool) []*cpuState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !global {
		if st, found := c.cpus[cpuID]; found {
			return []*cpuState{st}
		}

		log.Printf("TLB invalidation on unregistered CPU %d", cpuID)
		return nil
	}

	targets := make([]*cpuState, 0, len(c.cpus))
	for _, st := range c.cpus {
		targets = append(targets, st)
	}

	return targets
}

// InvalidateTLBEntry removes the entry for one virtual page and ASN from
// the addressed CPU's TLB, or from every registered CPU's if global is
// set.
func (c *Comp) InvalidateTLBEntry(
	cpuID int,
	vAddr uint64,
	asn vm.ASN,
	part TLBPartition,
	global bool,
) {
	for _, st := range c.tlbTargets(cpuID, global) {
		c.forEachTLB(st, part, func(t *tlb.Comp) {
			t.Invalidate(vAddr, asn)
		})
	}

	if global {
		c.broadcastFlush(cpuID, vAddr)
	}
}

// InvalidateTLBByASN removes all entries with the given ASN.
func (c *Comp) InvalidateTLBByASN(
	cpuID int,
	asn vm.ASN,
	part TLBPartition,
	global bool,
) {
	for _, st := range c.tlbTargets(cpuID, global) {
		c.forEachTLB(st, part, func(t *tlb.Comp) {
			t.InvalidateByASN(asn)
		})
	}

	if global {
		c.broadcastFlush(cpuID, 0)
	}
}

// InvalidateTLBAll removes every entry.
func (c *Comp) InvalidateTLBAll(cpuID int, part TLBPartition, global bool) {
	for _, st := range c.tlbTargets(cpuID, global) {
		c.forEachTLB(st, part, func(t *tlb.Comp) {
			t.InvalidateAll()
		})
	}

	if global {
		c.broadcastFlush(cpuID, 0)
	}
}

func (c *Comp) broadcastFlush(cpuID int, pAddr uint64) {
	msg := coherency.MakeMsgBuilder().
		WithType(coherency.MsgFlushLine).
		WithPAddr(pAddr).
		WithSrc(cpuID).
		Build()
	c.bus.Broadcast(msg)
}

// SubmitBarrier queues a barrier of the given kind for asynchronous
// processing. A full queue surfaces as barrier.ErrQueueFull; the caller
// retries or drops.
func (c *Comp) SubmitBarrier(
	kind barrier.Kind,
	cpuID int,
	pc uint64,
) (*barrier.Request, error) {
	req := barrier.MakeReqBuilder().
		WithKind(kind).
		WithCPUID(cpuID).
		WithPC(pc).
		Build()

	if err := c.coordinator.Submit(req); err != nil {
		return nil, err
	}

	return req, nil
}

// ExecuteBarrierSync submits a barrier and blocks until it completes or
// times out.
func (c *Comp) ExecuteBarrierSync(
	kind barrier.Kind,
	cpuID int,
	pc uint64,
) (barrier.State, error) {
	req := barrier.MakeReqBuilder().
		WithKind(kind).
		WithCPUID(cpuID).
		WithPC(pc).
		Build()

	return c.coordinator.ExecuteSync(req)
}

// LoadLockedReg is a convenience wrapper that performs a load-locked and
// deposits the loaded value in an integer register through the injected
// register accessor.
func (c *Comp) LoadLockedReg(
	cpuID int,
	vAddr uint64,
	size int,
	pc uint64,
	rd int,
) *mem.Fault {
	if c.regs == nil {
		log.Panic("no register accessor injected")
	}

	value, fault := c.LoadLocked(cpuID, vAddr, size, pc)
	if fault != nil {
		return fault
	}

	c.regs.SetIntegerRegister(cpuID, rd, value)

	return nil
}

// StoreConditionalReg performs a store-conditional taking the value from
// an integer register and writing the success flag back to it, matching
// the STx_C register convention.
func (c *Comp) StoreConditionalReg(
	cpuID int,
	vAddr uint64,
	size int,
	pc uint64,
	rd int,
) *mem.Fault {
	if c.regs == nil {
		log.Panic("no register accessor injected")
	}

	value := c.regs.GetIntegerRegister(cpuID, rd)

	ok, fault := c.StoreConditional(cpuID, vAddr, value, size, pc)
	if fault != nil {
		return fault
	}

	flag := uint64(0)
	if ok {
		flag = 1
	}
	c.regs.SetIntegerRegister(cpuID, rd, flag)

	return nil
}

const tlbStatsTableName = "tlb_stats"

type tlbStatsRecord struct {
	TLB    string
	Hits   uint64
	Misses uint64
}

func (c *Comp) flushTLBStats() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, st := range c.cpus {
		for _, t := range []*tlb.Comp{st.itlb, st.dtlb} {
			c.recorder.InsertData(tlbStatsTableName, tlbStatsRecord{
				TLB:    t.Name(),
				Hits:   t.HitCount(),
				Misses: t.MissCount(),
			})
		}
	}
}
