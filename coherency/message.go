// Package coherency provides the broadcast bus that disseminates cache
// invalidation and coordination events among simulated CPUs.
package coherency

import (
	"time"

	"github.com/rs/xid"
)

// MsgType classifies inter-CPU cache events.
type MsgType int

// The possible message types.
const (
	MsgInvalidateLine MsgType = iota
	MsgFlushLine
	MsgWriteBack
	MsgReservationClear
	MsgCoordination
)

func (t MsgType) String() string {
	switch t {
	case MsgInvalidateLine:
		return "invalidate-line"
	case MsgFlushLine:
		return "flush-line"
	case MsgWriteBack:
		return "write-back"
	case MsgReservationClear:
		return "reservation-clear"
	case MsgCoordination:
		return "coordination"
	}

	return "unknown"
}

// TargetAll addresses a message to every live CPU.
const TargetAll = -1

// A Msg is one inter-CPU cache event. Messages are transient: they are
// owned by the mailbox they sit in until delivered, consumed once per
// target, then discarded.
type Msg struct {
	ID       string
	Type     MsgType
	PAddr    uint64
	Size     uint64
	SrcCPUID int
	DstCPUID int
	Time     time.Time

	ack func()
}

// MsgBuilder can build coherency messages.
type MsgBuilder struct {
	msgType  MsgType
	pAddr    uint64
	size     uint64
	srcCPUID int
	dstCPUID int
}

// MakeMsgBuilder returns a builder with the destination defaulted to a
// broadcast.
func MakeMsgBuilder() MsgBuilder {
	return MsgBuilder{dstCPUID: TargetAll}
}

// WithType sets the message type.
func (b MsgBuilder) WithType(t MsgType) MsgBuilder {
	b.msgType = t
	return b
}

// WithPAddr sets the physical address the event refers to.
func (b MsgBuilder) WithPAddr(pAddr uint64) MsgBuilder {
	b.pAddr = pAddr
	return b
}

// WithSize sets the size of the affected range.
func (b MsgBuilder) WithSize(size uint64) MsgBuilder {
	b.size = size
	return b
}

// WithSrc sets the source CPU.
func (b MsgBuilder) WithSrc(cpuID int) MsgBuilder {
	b.srcCPUID = cpuID
	return b
}

// WithDst sets the target CPU. Use TargetAll for a broadcast.
func (b MsgBuilder) WithDst(cpuID int) MsgBuilder {
	b.dstCPUID = cpuID
	return b
}

// Build creates the message.
func (b MsgBuilder) Build() Msg {
	return Msg{
		ID:       xid.New().String(),
		Type:     b.msgType,
		PAddr:    b.pAddr,
		Size:     b.size,
		SrcCPUID: b.srcCPUID,
		DstCPUID: b.dstCPUID,
		Time:     time.Now(),
	}
}
