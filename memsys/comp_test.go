package memsys_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/axpmem/barrier"
	"github.com/sarchlab/axpmem/cpu"
	"github.com/sarchlab/axpmem/hooking"
	"github.com/sarchlab/axpmem/mem"
	"github.com/sarchlab/axpmem/mem/vm"
	"github.com/sarchlab/axpmem/memsys"
)

type countingHook struct {
	mu   sync.Mutex
	ctxs []hooking.HookCtx
}

func (h *countingHook) Func(ctx hooking.HookCtx) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctxs = append(h.ctxs, ctx)
}

func (h *countingHook) countAt(pos *hooking.HookPos) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, ctx := range h.ctxs {
		if ctx.Pos == pos {
			n++
		}
	}

	return n
}

type testDevice struct {
	mu        sync.Mutex
	regs      map[uint64]uint64
	writeOnly bool
}

func newTestDevice() *testDevice {
	return &testDevice{regs: make(map[uint64]uint64)}
}

func (d *testDevice) Read(offset uint64, size int) (uint64, error) {
	if d.writeOnly {
		return 0, errors.New("register is write-only")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[offset], nil
}

func (d *testDevice) Write(offset uint64, value uint64, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[offset] = value
	return nil
}

func (d *testDevice) value(offset uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[offset]
}

var _ = Describe("Comp", func() {
	const (
		vBase = uint64(0x10_0000)
		pBase = uint64(0x4_0000)
	)

	var (
		mockCtrl *gomock.Controller
		ms       *memsys.Comp
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())

		ms = memsys.MakeBuilder().
			WithCapacity(1 << 20).
			Build("MemSys")
		ms.Start()

		ms.RegisterCPU(0, nil)
		ms.RegisterCPU(1, nil)

		ms.Map(vm.Mapping{
			VBase: vBase,
			PBase: pBase,
			Size:  0x4000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})
	})

	AfterEach(func() {
		ms.Stop()
		mockCtrl.Finish()
	})

	It("should round-trip a write through a read", func() {
		fault := ms.WriteMemory(0, vBase+0x100, 0xdeadbeef, 4, 0)
		Expect(fault).To(BeNil())

		value, fault := ms.ReadMemory(1, vBase+0x100, 4, 0)
		Expect(fault).To(BeNil())
		Expect(value).To(Equal(uint64(0xdeadbeef)))
	})

	It("should walk the page table once and then hit in the TLB", func() {
		hook := &countingHook{}
		ms.AcceptHook(hook)

		ms.ReadMemory(0, vBase, 4, 0)
		ms.ReadMemory(0, vBase+8, 4, 0)
		ms.ReadMemory(0, vBase+16, 4, 0)

		Expect(hook.countAt(hooking.HookPosTranslationMiss)).To(Equal(1))
	})

	It("should report a translation fault on an unmapped address", func() {
		_, fault := ms.ReadMemory(0, 0xdead_0000, 4, 0)

		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultTranslationMiss))
		Expect(fault.Addr).To(Equal(uint64(0xdead_0000)))
	})

	It("should deliver faults through the CPU's fault handler", func() {
		handler := NewMockFaultHandler(mockCtrl)
		handler.EXPECT().RaiseException(memsys.ExceptionTLBMiss, uint64(0))
		handler.EXPECT().RaiseMemoryFault(uint64(0xdead_0000), false, true, false)

		ms.RegisterCPU(2, handler)
		defer ms.UnregisterCPU(2)

		_, fault := ms.ReadMemory(2, 0xdead_0000, 4, 0)
		Expect(fault).NotTo(BeNil())
	})

	It("should fault a misaligned access without translating it", func() {
		handler := NewMockFaultHandler(mockCtrl)
		handler.EXPECT().RaiseException(memsys.ExceptionAlignment, uint64(0))
		handler.EXPECT().RaiseMemoryFault(vBase+1, false, false, true)

		ms.RegisterCPU(2, handler)
		defer ms.UnregisterCPU(2)

		_, fault := ms.ReadMemory(2, vBase+1, 4, 0)
		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultAlignment))
	})

	It("should reject a write to a read-only page", func() {
		ms.Map(vm.Mapping{
			VBase: 0x20_0000,
			PBase: 0x8_0000,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead,
		})

		fault := ms.WriteMemory(0, 0x20_0000, 1, 8, 0)

		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultProtectionViolation))
	})

	It("should enforce protection before touching a device window", func() {
		device := newTestDevice()
		ms.AddMMIOWindow(0xc_0000, 0x1000, device)
		ms.Map(vm.Mapping{
			VBase: 0x30_0000,
			PBase: 0xc_0000,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead,
		})

		fault := ms.WriteMemory(0, 0x30_0000, 0xff, 8, 0)

		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultProtectionViolation))
		Expect(device.value(0)).To(Equal(uint64(0)))
	})

	It("should route accesses in a device window to the handler", func() {
		device := newTestDevice()
		ms.AddMMIOWindow(0xc_0000, 0x1000, device)
		ms.Map(vm.Mapping{
			VBase: 0x30_0000,
			PBase: 0xc_0000,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})

		fault := ms.WriteMemory(0, 0x30_0000+0x40, 0x1234, 8, 0)
		Expect(fault).To(BeNil())
		Expect(device.value(0x40)).To(Equal(uint64(0x1234)))

		value, fault := ms.ReadMemory(0, 0x30_0000+0x40, 8, 0)
		Expect(fault).To(BeNil())
		Expect(value).To(Equal(uint64(0x1234)))
	})

	It("should surface a device error as an MMIO fault", func() {
		device := newTestDevice()
		device.writeOnly = true
		ms.AddMMIOWindow(0xc_0000, 0x1000, device)
		ms.Map(vm.Mapping{
			VBase: 0x30_0000,
			PBase: 0xc_0000,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})

		_, fault := ms.ReadMemory(0, 0x30_0000, 8, 0)

		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultMMIOUnsupported))
	})

	It("should raise a machine check on a failed device access", func() {
		handler := NewMockFaultHandler(mockCtrl)
		handler.EXPECT().RaiseException(memsys.ExceptionMachineCheck, uint64(0x80))

		ms.RegisterCPU(2, handler)
		defer ms.UnregisterCPU(2)

		device := newTestDevice()
		device.writeOnly = true
		ms.AddMMIOWindow(0xc_0000, 0x1000, device)
		ms.Map(vm.Mapping{
			VBase: 0x30_0000,
			PBase: 0xc_0000,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})

		_, fault := ms.ReadMemory(2, 0x30_0000, 8, 0x80)
		Expect(fault).NotTo(BeNil())
	})

	It("should refuse a load-locked on a device window", func() {
		device := newTestDevice()
		Expect(device.Write(0x40, 0x1234, 8)).To(Succeed())
		ms.AddMMIOWindow(0xc_0000, 0x1000, device)
		ms.Map(vm.Mapping{
			VBase: 0x30_0000,
			PBase: 0xc_0000,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})

		_, fault := ms.LoadLocked(0, 0x30_0000+0x40, 8, 0)

		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultMMIOUnsupported))

		_, found := ms.Reservations().Get(0)
		Expect(found).To(BeFalse())
	})

	It("should reach a device window above the storage capacity", func() {
		device := newTestDevice()
		ms.AddMMIOWindow(0x4000_0000, 0x1000, device)
		ms.Map(vm.Mapping{
			VBase: 0x50_0000,
			PBase: 0x4000_0000,
			Size:  0x1000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})

		Expect(ms.WriteMemory(0, 0x50_0000, 0x1234, 8, 0)).To(BeNil())

		value, fault := ms.ReadMemory(0, 0x50_0000, 8, 0)
		Expect(fault).To(BeNil())
		Expect(value).To(Equal(uint64(0x1234)))

		_, fault = ms.LoadLocked(0, 0x50_0000, 8, 0)
		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultMMIOUnsupported))
	})

	It("should isolate address spaces by ASN", func() {
		ms.Map(vm.Mapping{
			VBase: 0x40_0000,
			PBase: 0xa_0000,
			Size:  0x2000,
			ASN:   7,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})

		e0 := ms.Registry().MustGet(0)
		e0.IPRs.Write(cpu.IPRASN, 7)

		_, fault := ms.ReadMemory(0, 0x40_0000, 8, 0)
		Expect(fault).To(BeNil())

		// CPU 1 stays on ASN 0.
		_, fault = ms.ReadMemory(1, 0x40_0000, 8, 0)
		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultTranslationMiss))
	})

	It("should serve stale translations until the TLB is shot down", func() {
		_, fault := ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ms.Unmap(vBase, 0)

		// The cached translation still hits.
		_, fault = ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ms.InvalidateTLBEntry(0, vBase, 0, memsys.PartitionBoth, false)

		_, fault = ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).NotTo(BeNil())
	})

	It("should scope an ASN invalidation to the addressed CPU", func() {
		_, fault := ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		_, fault = ms.ReadMemory(1, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ms.Unmap(vBase, 0)
		ms.InvalidateTLBByASN(0, 0, memsys.PartitionBoth, false)

		_, fault = ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).NotTo(BeNil())

		// CPU 1's cached translation survives.
		_, fault = ms.ReadMemory(1, vBase, 8, 0)
		Expect(fault).To(BeNil())
	})

	It("should shoot down every CPU's TLB on a global invalidation", func() {
		_, fault := ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		_, fault = ms.ReadMemory(1, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ms.Unmap(vBase, 0)
		ms.InvalidateTLBAll(0, memsys.PartitionBoth, true)

		_, fault = ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).NotTo(BeNil())
		_, fault = ms.ReadMemory(1, vBase, 8, 0)
		Expect(fault).NotTo(BeNil())
	})

	It("should complete a load-locked store-conditional pair", func() {
		value, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		Expect(value).To(Equal(uint64(0)))

		ok, fault := ms.StoreConditional(0, vBase, 42, 8, 0)
		Expect(fault).To(BeNil())
		Expect(ok).To(BeTrue())

		value, fault = ms.ReadMemory(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		Expect(value).To(Equal(uint64(42)))
	})

	It("should fail a store-conditional without a reservation", func() {
		ok, fault := ms.StoreConditional(0, vBase, 42, 8, 0)

		Expect(fault).To(BeNil())
		Expect(ok).To(BeFalse())

		value, _ := ms.ReadMemory(0, vBase, 8, 0)
		Expect(value).To(Equal(uint64(0)))
	})

	It("should break a reservation on a conflicting write", func() {
		_, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())

		// CPU 1 writes into the same reservation granule.
		Expect(ms.WriteMemory(1, vBase+8, 7, 8, 0)).To(BeNil())

		ok, fault := ms.StoreConditional(0, vBase, 42, 8, 0)
		Expect(fault).To(BeNil())
		Expect(ok).To(BeFalse())
	})

	It("should break a reservation on the CPU's own plain write", func() {
		_, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())

		Expect(ms.WriteMemory(0, vBase, 7, 8, 0)).To(BeNil())

		ok, fault := ms.StoreConditional(0, vBase, 42, 8, 0)
		Expect(fault).To(BeNil())
		Expect(ok).To(BeFalse())
	})

	It("should grant exactly one of two competing store-conditionals", func() {
		_, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		_, fault = ms.LoadLocked(1, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ok0, fault := ms.StoreConditional(0, vBase, 1, 8, 0)
		Expect(fault).To(BeNil())
		ok1, fault := ms.StoreConditional(1, vBase, 2, 8, 0)
		Expect(fault).To(BeNil())

		Expect(ok0).To(BeTrue())
		Expect(ok1).To(BeFalse())

		value, _ := ms.ReadMemory(0, vBase, 8, 0)
		Expect(value).To(Equal(uint64(1)))
	})

	It("should lose the reservation on a faulting store-conditional", func() {
		_, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())

		_, fault = ms.StoreConditional(0, 0xdead_0000, 1, 8, 0)
		Expect(fault).NotTo(BeNil())
		Expect(fault.Kind).To(Equal(mem.FaultTranslationMiss))

		ok, fault := ms.StoreConditional(0, vBase, 42, 8, 0)
		Expect(fault).To(BeNil())
		Expect(ok).To(BeFalse())
	})

	It("should match the reservation by granule containment", func() {
		// Lock 8 bytes; store 4 bytes higher in the same granule.
		_, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ok, fault := ms.StoreConditional(0, vBase+8, 9, 4, 0)
		Expect(fault).To(BeNil())
		Expect(ok).To(BeTrue())
	})

	It("should complete a memory barrier across live CPUs", func() {
		state, err := ms.ExecuteBarrierSync(barrier.KindMemoryBarrier, 0, 0)

		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(barrier.StateCompleted))
	})

	It("should submit asynchronous barriers", func() {
		req, err := ms.SubmitBarrier(barrier.KindWriteBarrier, 0, 0)

		Expect(err).ToNot(HaveOccurred())
		Eventually(req.Done()).Should(BeClosed())
		Expect(req.State()).To(Equal(barrier.StateCompleted))
	})

	It("should fail operations on an unregistered CPU inertly", func() {
		_, fault := ms.ReadMemory(9, vBase, 8, 0)
		Expect(fault).NotTo(BeNil())

		fault = ms.WriteMemory(9, vBase, 1, 8, 0)
		Expect(fault).NotTo(BeNil())
	})

	It("should purge a CPU's state on unregistration", func() {
		_, fault := ms.LoadLocked(1, vBase, 8, 0)
		Expect(fault).To(BeNil())

		ms.UnregisterCPU(1)
		ms.UnregisterCPU(1)

		_, found := ms.Reservations().Get(1)
		Expect(found).To(BeFalse())
		Expect(ms.Registry().Count()).To(Equal(1))

		_, fault = ms.ReadMemory(1, vBase, 8, 0)
		Expect(fault).NotTo(BeNil())
	})

	It("should emit a write notification hook on each write", func() {
		hook := &countingHook{}
		ms.AcceptHook(hook)

		Expect(ms.WriteMemory(0, vBase, 1, 8, 0)).To(BeNil())

		Eventually(func() int {
			return hook.countAt(hooking.HookPosWriteNotification)
		}).Should(BeNumerically(">=", 1))
	})

	It("should report inbound coherency traffic under its own hook", func() {
		hook := &countingHook{}
		ms.AcceptHook(hook)

		Expect(ms.WriteMemory(0, vBase, 1, 8, 0)).To(BeNil())

		// CPU 1's mailbox delivers the invalidate broadcast.
		Eventually(func() int {
			return hook.countAt(hooking.HookPosCoherencyDelivery)
		}).Should(BeNumerically(">=", 1))

		// Inbound deliveries do not count as write notifications.
		Expect(hook.countAt(hooking.HookPosWriteNotification)).To(Equal(1))
	})

	It("should emit a reservation-cleared hook when a write breaks one", func() {
		hook := &countingHook{}
		ms.AcceptHook(hook)

		_, fault := ms.LoadLocked(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		Expect(ms.WriteMemory(1, vBase, 1, 8, 0)).To(BeNil())

		Expect(hook.countAt(hooking.HookPosReservationCleared)).To(Equal(1))
	})

	It("should deposit a load-locked value through the register file", func() {
		regs := NewMockRegisterAccessor(mockCtrl)
		regs.EXPECT().SetIntegerRegister(0, 3, uint64(77))

		msr := memsys.MakeBuilder().
			WithCapacity(1 << 20).
			WithRegisterAccessor(regs).
			Build("MemSysRegs")
		msr.RegisterCPU(0, nil)
		msr.Map(vm.Mapping{
			VBase: vBase,
			PBase: pBase,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})
		defer msr.Stop()

		Expect(msr.WriteMemory(0, vBase, 77, 8, 0)).To(BeNil())
		Expect(msr.LoadLockedReg(0, vBase, 8, 0, 3)).To(BeNil())
	})

	It("should write the store-conditional flag back to the register", func() {
		regs := NewMockRegisterAccessor(mockCtrl)
		regs.EXPECT().SetIntegerRegister(0, 3, uint64(55))
		regs.EXPECT().GetIntegerRegister(0, 3).Return(uint64(55))
		regs.EXPECT().SetIntegerRegister(0, 3, uint64(1))

		msr := memsys.MakeBuilder().
			WithCapacity(1 << 20).
			WithRegisterAccessor(regs).
			Build("MemSysRegs")
		msr.RegisterCPU(0, nil)
		msr.Map(vm.Mapping{
			VBase: vBase,
			PBase: pBase,
			Size:  0x2000,
			ASN:   0,
			Prot:  vm.ProtRead | vm.ProtWrite,
		})
		defer msr.Stop()

		Expect(msr.WriteMemory(0, vBase, 55, 8, 0)).To(BeNil())
		Expect(msr.LoadLockedReg(0, vBase, 8, 0, 3)).To(BeNil())
		Expect(msr.StoreConditionalReg(0, vBase, 8, 0, 3)).To(BeNil())

		value, fault := msr.ReadMemory(0, vBase, 8, 0)
		Expect(fault).To(BeNil())
		Expect(value).To(Equal(uint64(55)))
	})
})
