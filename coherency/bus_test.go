package coherency_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axpmem/coherency"
)

type recordingHandler struct {
	mu    sync.Mutex
	msgs  []coherency.Msg
	delay time.Duration
}

func (h *recordingHandler) HandleCoherencyMsg(msg coherency.Msg) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) received() []coherency.Msg {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]coherency.Msg, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func invalidateMsg(src int, pAddr uint64) coherency.Msg {
	return coherency.MakeMsgBuilder().
		WithType(coherency.MsgInvalidateLine).
		WithPAddr(pAddr).
		WithSize(64).
		WithSrc(src).
		Build()
}

var _ = Describe("Bus", func() {
	var (
		bus      *coherency.Comp
		handlers map[int]*recordingHandler
	)

	BeforeEach(func() {
		bus = coherency.NewBus("Bus", 16)
		handlers = make(map[int]*recordingHandler)
		for id := 0; id < 3; id++ {
			h := &recordingHandler{}
			handlers[id] = h
			bus.Attach(id, h)
		}
	})

	AfterEach(func() {
		bus.StopAll()
	})

	It("should deliver a broadcast to every CPU but the source", func() {
		bus.Broadcast(invalidateMsg(0, 0x1000))

		Eventually(func() int { return len(handlers[1].received()) }).
			Should(Equal(1))
		Eventually(func() int { return len(handlers[2].received()) }).
			Should(Equal(1))
		Consistently(func() int { return len(handlers[0].received()) }).
			Should(Equal(0))
	})

	It("should deliver a directed message to one CPU only", func() {
		bus.DeliverTo(2, invalidateMsg(0, 0x1000))

		Eventually(func() int { return len(handlers[2].received()) }).
			Should(Equal(1))
		Consistently(func() int { return len(handlers[1].received()) }).
			Should(Equal(0))
	})

	It("should keep delivery to one CPU in FIFO order", func() {
		for i := 0; i < 20; i++ {
			bus.Broadcast(invalidateMsg(0, uint64(i)*64))
		}

		Eventually(func() int { return len(handlers[1].received()) }).
			Should(Equal(20))

		msgs := handlers[1].received()
		for i, msg := range msgs {
			Expect(msg.PAddr).To(Equal(uint64(i) * 64))
		}
	})

	It("should block until every target processed a coordination", func() {
		msg := coherency.MakeMsgBuilder().
			WithType(coherency.MsgCoordination).
			WithSrc(0).
			Build()

		err := bus.BroadcastAndWait(msg, time.Second)

		Expect(err).ToNot(HaveOccurred())
		Expect(handlers[1].received()).To(HaveLen(1))
		Expect(handlers[2].received()).To(HaveLen(1))
	})

	It("should time out when a CPU cannot process in time", func() {
		handlers[1].delay = 500 * time.Millisecond

		msg := coherency.MakeMsgBuilder().
			WithType(coherency.MsgCoordination).
			WithSrc(0).
			Build()

		err := bus.BroadcastAndWait(msg, 50*time.Millisecond)

		Expect(err).To(MatchError(coherency.ErrAckTimeout))
	})

	It("should succeed immediately with no other CPU attached", func() {
		bus.Detach(1)
		bus.Detach(2)

		msg := coherency.MakeMsgBuilder().
			WithType(coherency.MsgCoordination).
			WithSrc(0).
			Build()

		// CPU 0 is the source, so there is no target left.
		err := bus.BroadcastAndWait(msg, 10*time.Millisecond)

		Expect(err).ToNot(HaveOccurred())
	})

	It("should not hang a coordination on a detached CPU", func() {
		handlers[1].delay = 50 * time.Millisecond

		done := make(chan error, 1)
		msg := coherency.MakeMsgBuilder().
			WithType(coherency.MsgCoordination).
			WithSrc(0).
			Build()
		go func() {
			done <- bus.BroadcastAndWait(msg, 5*time.Second)
		}()

		time.Sleep(10 * time.Millisecond)
		bus.Detach(2)

		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
	})

	It("should panic when attaching a CPU twice", func() {
		Expect(func() {
			bus.Attach(0, handlers[0])
		}).To(Panic())
	})

	It("should ignore detaching an unknown CPU", func() {
		Expect(func() { bus.Detach(99) }).NotTo(Panic())
	})
})
