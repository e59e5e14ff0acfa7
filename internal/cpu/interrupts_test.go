// interrupts_test.go - 中断/异常投递测试

package cpu

import (
	"errors"
	"testing"

	"github.com/tangzhangming/vcore/internal/mem"
)

func newRealModeState(ramSize uint64, t *testing.T) (*CpuState, *PendingEventState, *mem.RAM) {
	t.Helper()
	ram, err := mem.NewRAM(ramSize)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	st := NewState()
	st.Segments[SegCS] = Segment{Selector: 0, Base: 0, Limit: 0xffff, Attr: 0x93}
	st.Segments[SegSS] = Segment{Selector: 0, Base: 0, Limit: 0xffff, Attr: 0x93}
	st.RIP = 0x400
	st.GPR[RSP] = 0x8000
	st.IDT = DescriptorTable{Base: 0, Limit: 0x3ff}
	pe := NewPendingEventState()
	return st, pe, ram
}

// TestRealModeExternalDelivery 测试实模式外部中断投递
func TestRealModeExternalDelivery(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	st.SetFlag(FlagIF, true)

	// IVT[0x21] = 0100:2000
	ram.WriteU16(0x21*4, 0x2000)
	ram.WriteU16(0x21*4+2, 0x0100)

	pe.InjectExternalInterrupt(0x21)
	delivered, err := DeliverPendingEvent(st, pe, ram)
	if err != nil {
		t.Fatalf("delivery failed: %v", err)
	}
	if !delivered {
		t.Fatal("interrupt should have been delivered")
	}

	if st.RIP != 0x2000 {
		t.Errorf("RIP = %#x, want 0x2000", st.RIP)
	}
	if st.Segments[SegCS].Selector != 0x0100 || st.Segments[SegCS].Base != 0x1000 {
		t.Errorf("CS = %#x base %#x, want 0x0100 base 0x1000",
			st.Segments[SegCS].Selector, st.Segments[SegCS].Base)
	}
	if st.GetFlag(FlagIF) {
		t.Error("IF should be cleared by interrupt gate")
	}
	if st.GPR[RSP] != 0x8000-6 {
		t.Errorf("RSP = %#x, want %#x", st.GPR[RSP], 0x8000-6)
	}
	if pe.FrameDepth() != 1 {
		t.Errorf("FrameDepth = %d, want 1", pe.FrameDepth())
	}

	// 栈上依次是 IP、CS、FLAGS
	ip, _ := ram.ReadU16(0x8000 - 6)
	cs, _ := ram.ReadU16(0x8000 - 4)
	if ip != 0x400 || cs != 0 {
		t.Errorf("stacked return = %#x:%#x, want 0:0x400", cs, ip)
	}
}

// TestRealModeIRETRoundTrip 测试实模式投递后 IRET 还原现场
func TestRealModeIRETRoundTrip(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	st.SetFlag(FlagIF, true)
	st.SetFlag(FlagCF, true)
	ram.WriteU16(8*4, 0x3000) // IVT[8]

	savedFlags := st.RFlagsSnapshot()
	savedRIP := st.RIP

	if err := DeliverException(st, pe, ram, NewFault(VecDF)); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}
	if st.GetFlag(FlagIF) {
		t.Fatal("IF should be cleared inside handler")
	}

	if err := ExecuteIRET(st, pe, ram); err != nil {
		t.Fatalf("IRET failed: %v", err)
	}
	if st.RIP != savedRIP {
		t.Errorf("RIP after IRET = %#x, want %#x", st.RIP, savedRIP)
	}
	if got := st.RFlagsSnapshot() & 0xffff; got != savedFlags&0xffff {
		t.Errorf("flags after IRET = %#x, want %#x", got, savedFlags&0xffff)
	}
	if st.GPR[RSP] != 0x8000 {
		t.Errorf("RSP not balanced: %#x", st.GPR[RSP])
	}
	if pe.FrameDepth() != 0 {
		t.Errorf("frame not popped: depth %d", pe.FrameDepth())
	}
}

// TestShadowBlocksExternal 测试中断阴影推迟外部中断
func TestShadowBlocksExternal(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	st.SetFlag(FlagIF, true)
	pe.InjectExternalInterrupt(0x21)
	pe.InhibitInterruptsForOneInstruction()
	pe.RetireInstruction()

	delivered, err := DeliverPendingEvent(st, pe, ram)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered {
		t.Error("delivery should be blocked by the shadow")
	}
	if pe.PendingExternalCount() != 1 {
		t.Error("interrupt must stay queued")
	}

	pe.RetireInstruction()
	delivered, err = DeliverPendingEvent(st, pe, ram)
	if err != nil || !delivered {
		t.Errorf("delivery after shadow: delivered=%v err=%v", delivered, err)
	}
}

// TestIFGatesExternalOnly 测试 IF=0 只挡外部中断，不挡异常
func TestIFGatesExternalOnly(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	st.SetFlag(FlagIF, false)
	ram.WriteU16(uint64(VecUD)*4, 0x1100)

	pe.InjectExternalInterrupt(0x21)
	delivered, _ := DeliverPendingEvent(st, pe, ram)
	if delivered {
		t.Fatal("external interrupt must wait for IF")
	}

	pe.RaiseException(NewFault(VecUD))
	delivered, err := DeliverPendingEvent(st, pe, ram)
	if err != nil {
		t.Fatalf("exception delivery failed: %v", err)
	}
	if !delivered {
		t.Error("exception must deliver regardless of IF")
	}
	if st.RIP != 0x1100 {
		t.Errorf("RIP = %#x, want 0x1100", st.RIP)
	}
}

// TestHaltWake 测试外部中断唤醒 HLT
func TestHaltWake(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	st.SetFlag(FlagIF, true)
	st.Halted = true
	ram.WriteU16(0x20*4, 0x1200)

	pe.InjectExternalInterrupt(0x20)
	delivered, err := DeliverPendingEvent(st, pe, ram)
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	if st.Halted {
		t.Error("external interrupt should clear Halted")
	}
}

// TestPageFaultSetsCR2 测试 #PF 投递写 CR2
func TestPageFaultSetsCR2(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	ram.WriteU16(uint64(VecPF)*4, 0x1300)

	if err := DeliverException(st, pe, ram, NewPageFault(0x02, 0xdead0000)); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}
	if st.CR2 != 0xdead0000 {
		t.Errorf("CR2 = %#x, want 0xdead0000", st.CR2)
	}
}

// TestTripleFaultOnBrokenIDT 测试 IDT 不可读时升级为三重故障
func TestTripleFaultOnBrokenIDT(t *testing.T) {
	st, pe, ram := newRealModeState(0x1000, t)
	st.IDT.Base = 0xf000_0000 // RAM 之外

	err := DeliverException(st, pe, ram, NewFault(VecGP))
	if !errors.Is(err, ErrTripleFault) {
		t.Fatalf("err = %v, want ErrTripleFault", err)
	}
}

// TestFrameOverflowTripleFault 测试投递帧栈溢出触发三重故障
func TestFrameOverflowTripleFault(t *testing.T) {
	st, pe, ram := newRealModeState(0x10000, t)
	ram.WriteU16(uint64(VecDB)*4, 0x1400)

	for i := 0; i < MaxInterruptFrames; i++ {
		if err := DeliverException(st, pe, ram, NewFault(VecDB)); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}
	err := DeliverException(st, pe, ram, NewFault(VecDB))
	if !errors.Is(err, ErrTripleFault) {
		t.Fatalf("err = %v, want ErrTripleFault", err)
	}
	if pe.DroppedFrame == 0 {
		t.Error("DroppedFrame should count the overflow")
	}
}

// TestDoubleFaultEscalation 测试贡献性异常嵌套升级为 #DF
func TestDoubleFaultEscalation(t *testing.T) {
	ram, err := mem.NewRAM(0x10000)
	if err != nil {
		t.Fatal(err)
	}
	st := NewState()
	st.Mode = ModeProtected
	st.CR0 |= CR0PE
	st.Segments[SegCS] = Segment{Selector: 0x08, Limit: 0xffff_ffff, Attr: 0x9b}
	st.Segments[SegSS] = Segment{Selector: 0x10, Limit: 0xffff_ffff, Attr: 0x93}
	st.GPR[RSP] = 0x8000
	st.RIP = 0x400
	st.IDT = DescriptorTable{Base: 0x1000, Limit: 0x7ff}
	pe := NewPendingEventState()

	// #DF(8) 的门存在，#GP(13) 的门缺失（P=0）→ 投递 #GP 时嵌套
	// #NP，贡献性 + 贡献性升级为 #DF。
	writeGate32 := func(vector uint8, offset uint32, sel uint16, attr uint8) {
		base := 0x1000 + uint64(vector)*8
		ram.WriteU32(base, uint32(sel)<<16|offset&0xffff)
		ram.WriteU32(base+4, offset&0xffff_0000|uint32(attr)<<8)
	}
	writeGate32(VecDF, 0x5000, 0x08, gatePresent|gateInt32)
	writeGate32(VecGP, 0x6000, 0x08, gateInt32) // not present

	if err := DeliverException(st, pe, ram, NewFaultWithCode(VecGP, 0)); err != nil {
		t.Fatalf("escalation should end in #DF, got %v", err)
	}
	if st.RIP != 0x5000 {
		t.Errorf("RIP = %#x, want #DF handler 0x5000", st.RIP)
	}
	if pe.FrameDepth() != 1 {
		t.Errorf("FrameDepth = %d, want 1", pe.FrameDepth())
	}
	// #DF 压入错误码 0
	code, _ := ram.ReadU32(st.GPR[RSP])
	if code != 0 {
		t.Errorf("stacked #DF error code = %#x, want 0", code)
	}
}

// TestLongModeDelivery 测试长模式中断门投递
func TestLongModeDelivery(t *testing.T) {
	ram, err := mem.NewRAM(0x10000)
	if err != nil {
		t.Fatal(err)
	}
	st := NewState()
	st.Mode = ModeLong
	st.CR0 |= CR0PE | CR0PG
	st.EFER |= EFERLME | EFERLMA
	st.Segments[SegCS] = Segment{Selector: 0x08, Attr: 0x29b}
	st.Segments[SegSS] = Segment{Selector: 0x10, Attr: 0x293}
	st.GPR[RSP] = 0x9000
	st.RIP = 0x400
	st.IDT = DescriptorTable{Base: 0x1000, Limit: 0xfff}
	st.SetFlag(FlagIF, true)
	pe := NewPendingEventState()

	// 向量 0x40，处理程序 0x2000，中断门，DPL 0，IST 0
	base := 0x1000 + uint64(0x40)*16
	lo := uint64(0x2000)&0xffff | uint64(0x08)<<16 | uint64(gatePresent|gateInt64)<<40
	ram.WriteU64(base, lo)
	ram.WriteU64(base+8, 0)

	pe.InjectExternalInterrupt(0x40)
	delivered, err := DeliverPendingEvent(st, pe, ram)
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}

	if st.RIP != 0x2000 {
		t.Errorf("RIP = %#x, want 0x2000", st.RIP)
	}
	if st.GetFlag(FlagIF) {
		t.Error("interrupt gate must clear IF")
	}
	// 同特权级：压入 SS/RSP/RFLAGS/CS/RIP 共 40 字节
	if st.GPR[RSP] != 0x9000-40 {
		t.Errorf("RSP = %#x, want %#x", st.GPR[RSP], 0x9000-40)
	}
	rip, _ := ram.ReadU64(st.GPR[RSP])
	oldRSP, _ := ram.ReadU64(st.GPR[RSP] + 24)
	if rip != 0x400 {
		t.Errorf("stacked RIP = %#x, want 0x400", rip)
	}
	if oldRSP != 0x9000 {
		t.Errorf("stacked RSP = %#x, want 0x9000", oldRSP)
	}

	// IRET 还原
	if err := ExecuteIRET(st, pe, ram); err != nil {
		t.Fatalf("IRET failed: %v", err)
	}
	if st.RIP != 0x400 || st.GPR[RSP] != 0x9000 {
		t.Errorf("after IRET RIP=%#x RSP=%#x", st.RIP, st.GPR[RSP])
	}
	if !st.GetFlag(FlagIF) {
		t.Error("IRET should restore IF")
	}
}
