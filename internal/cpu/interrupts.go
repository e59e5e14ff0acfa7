// interrupts.go - 中断与异常投递状态机
//
// 状态机：Idle → EventPending → Delivering → (Idle | TripleFault)。
// 投递从客户机 IDT/IVT 读取目标门，构造对应模式的中断帧并转移控制。
// 投递期间再次发生的故障按双重故障矩阵升级；投递 #DF 期间再次故障、
// 或投递帧栈溢出，是仅有的两条三重故障路径。

package cpu

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/vcore/internal/mem"
)

// ErrTripleFault 三重故障：本核心不可恢复，虚拟机复位/停机
var ErrTripleFault = errors.New("triple fault")

// 门描述符类型（attr 低 4 位）
const (
	gateTaskGate  = 0x5
	gateInt16     = 0x6
	gateTrap16    = 0x7
	gateInt32     = 0xE
	gateTrap32    = 0xF
	gateInt64     = 0xE
	gateTrap64    = 0xF
	gatePresent   = 0x80
	gateDPLShift  = 5
)

// isCanonical 48 位符号扩展检查
func isCanonical(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1ffff
}

// ============================================================================
// 栈操作
// ============================================================================

func push16(st *CpuState, bus mem.MemoryBus, v uint16) error {
	sp := (st.GPR[RSP] - 2) & 0xffff
	if err := bus.WriteU16(st.ApplyA20(st.Segments[SegSS].Base+sp), v); err != nil {
		return NewFaultWithCode(VecSS, 0)
	}
	st.WriteReg(RSP, 16, false, sp)
	return nil
}

func pop16(st *CpuState, bus mem.MemoryBus) (uint16, error) {
	sp := st.GPR[RSP] & 0xffff
	v, err := bus.ReadU16(st.ApplyA20(st.Segments[SegSS].Base + sp))
	if err != nil {
		return 0, NewFaultWithCode(VecSS, 0)
	}
	st.WriteReg(RSP, 16, false, sp+2)
	return v, nil
}

func push32(st *CpuState, bus mem.MemoryBus, v uint32) error {
	sp := (st.GPR[RSP] - 4) & 0xffff_ffff
	if err := bus.WriteU32(st.ApplyA20(st.Segments[SegSS].Base+sp), v); err != nil {
		return NewFaultWithCode(VecSS, 0)
	}
	st.WriteReg(RSP, 32, false, sp)
	return nil
}

func pop32(st *CpuState, bus mem.MemoryBus) (uint32, error) {
	sp := st.GPR[RSP] & 0xffff_ffff
	v, err := bus.ReadU32(st.ApplyA20(st.Segments[SegSS].Base + sp))
	if err != nil {
		return 0, NewFaultWithCode(VecSS, 0)
	}
	st.WriteReg(RSP, 32, false, sp+4)
	return v, nil
}

func push64(st *CpuState, bus mem.MemoryBus, v uint64) error {
	sp := st.GPR[RSP] - 8
	if err := bus.WriteU64(st.ApplyA20(sp), v); err != nil {
		return NewFaultWithCode(VecSS, 0)
	}
	st.GPR[RSP] = sp
	return nil
}

func pop64(st *CpuState, bus mem.MemoryBus) (uint64, error) {
	v, err := bus.ReadU64(st.ApplyA20(st.GPR[RSP]))
	if err != nil {
		return 0, NewFaultWithCode(VecSS, 0)
	}
	st.GPR[RSP] += 8
	return v, nil
}

// ============================================================================
// 门读取
// ============================================================================

type idtGate struct {
	Offset   uint64
	Selector uint16
	Attr     uint8
	IST      uint8
}

func (g idtGate) present() bool { return g.Attr&gatePresent != 0 }
func (g idtGate) dpl() uint8    { return (g.Attr >> gateDPLShift) & 3 }

// isInterruptGate 中断门在投递时清 IF，陷阱门不清
func (g idtGate) isInterruptGate() bool { return g.Attr&0xf == gateInt32 || g.Attr&0xf == gateInt16 }

func readIDTGate32(st *CpuState, bus mem.MemoryBus, vector uint8) (idtGate, error) {
	off := uint64(vector) * 8
	if off+7 > uint64(st.IDT.Limit) {
		return idtGate{}, NewFaultWithCode(VecGP, uint32(off)|2)
	}
	lo, err := bus.ReadU32(st.ApplyA20(st.IDT.Base + off))
	if err != nil {
		return idtGate{}, NewFaultWithCode(VecGP, uint32(off)|2)
	}
	hi, err := bus.ReadU32(st.ApplyA20(st.IDT.Base + off + 4))
	if err != nil {
		return idtGate{}, NewFaultWithCode(VecGP, uint32(off)|2)
	}
	return idtGate{
		Offset:   uint64(lo&0xffff) | uint64(hi&0xffff_0000),
		Selector: uint16(lo >> 16),
		Attr:     uint8(hi >> 8),
	}, nil
}

func readIDTGate64(st *CpuState, bus mem.MemoryBus, vector uint8) (idtGate, error) {
	off := uint64(vector) * 16
	if off+15 > uint64(st.IDT.Limit) {
		return idtGate{}, NewFaultWithCode(VecGP, uint32(off)|2)
	}
	lo, err := bus.ReadU64(st.ApplyA20(st.IDT.Base + off))
	if err != nil {
		return idtGate{}, NewFaultWithCode(VecGP, uint32(off)|2)
	}
	hi, err := bus.ReadU64(st.ApplyA20(st.IDT.Base + off + 8))
	if err != nil {
		return idtGate{}, NewFaultWithCode(VecGP, uint32(off)|2)
	}
	return idtGate{
		Offset:   uint64(uint16(lo)) | (lo>>48)<<16 | (hi&0xffff_ffff)<<32,
		Selector: uint16(lo >> 16),
		Attr:     uint8(lo >> 40),
		IST:      uint8(lo>>32) & 7,
	}, nil
}

// ============================================================================
// TSS 栈查询
// ============================================================================

func tss32StackForCPL(st *CpuState, bus mem.MemoryBus, cpl uint8) (esp uint32, ss uint16, err error) {
	base := st.ApplyA20(st.TR.Base + 4 + uint64(cpl)*8)
	esp, e := bus.ReadU32(base)
	if e != nil {
		return 0, 0, NewFaultWithCode(VecTS, uint32(st.TR.Selector))
	}
	ssv, e := bus.ReadU16(base + 4)
	if e != nil {
		return 0, 0, NewFaultWithCode(VecTS, uint32(st.TR.Selector))
	}
	return esp, ssv, nil
}

func tss64RspForCPL(st *CpuState, bus mem.MemoryBus, cpl uint8) (uint64, error) {
	rsp, err := bus.ReadU64(st.ApplyA20(st.TR.Base + 4 + uint64(cpl)*8))
	if err != nil {
		return 0, NewFaultWithCode(VecTS, uint32(st.TR.Selector))
	}
	return rsp, nil
}

func tss64ISTStack(st *CpuState, bus mem.MemoryBus, ist uint8) (uint64, error) {
	rsp, err := bus.ReadU64(st.ApplyA20(st.TR.Base + 36 + uint64(ist-1)*8))
	if err != nil {
		return 0, NewFaultWithCode(VecTS, uint32(st.TR.Selector))
	}
	return rsp, nil
}

// ============================================================================
// 投递入口
// ============================================================================

// DeliverPendingEvent 投递待决的异常/软件中断（若有），
// 否则在允许时投递队首外部中断。返回是否投递了事件。
func DeliverPendingEvent(st *CpuState, pe *PendingEventState, bus mem.MemoryBus) (bool, error) {
	if ev := pe.Event; ev != nil {
		pe.Event = nil
		switch ev.Kind {
		case EventSoftwareInt:
			if err := deliverSoftwareInterrupt(st, pe, bus, ev.Exception.Vector, ev.NextRIP); err != nil {
				return true, err
			}
		default:
			if err := DeliverException(st, pe, bus, ev.Exception); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	if !st.GetFlag(FlagIF) || pe.InterruptsInhibited() {
		return false, nil
	}
	vector, ok := pe.popExternal()
	if !ok {
		return false, nil
	}
	st.Halted = false // HLT 被外部中断唤醒
	if err := deliverEscalating(st, pe, bus, vector, false, deliverArgs{returnRIP: st.RIP}); err != nil {
		return true, err
	}
	return true, nil
}

// DeliverException 按双重故障矩阵投递异常。唯一的 ErrTripleFault
// 来源：投递 #DF 期间再次故障，或投递帧栈溢出。
func DeliverException(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, exc Exception) error {
	if exc.Vector == VecPF {
		st.CR2 = exc.CR2
	}
	args := deliverArgs{returnRIP: st.RIP, errCode: exc.ErrorCode, hasErrCode: exc.HasErrorCode}
	return deliverEscalating(st, pe, bus, exc.Vector, false, args)
}

func deliverSoftwareInterrupt(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, vector uint8, nextRIP uint64) error {
	return deliverEscalating(st, pe, bus, vector, true, deliverArgs{returnRIP: nextRIP})
}

type deliverArgs struct {
	returnRIP  uint64
	errCode    uint32
	hasErrCode bool
}

// deliverEscalating 投递一个向量；投递本身再故障时按矩阵升级，
// 最多升级到 #DF，#DF 仍失败则三重故障。
func deliverEscalating(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, vector uint8, software bool, args deliverArgs) error {
	err := deliverVector(st, pe, bus, vector, software, args)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTripleFault) {
		return err
	}

	var nested Exception
	if !errors.As(err, &nested) {
		return fmt.Errorf("interrupt delivery: %w", err)
	}
	if vector == VecDF {
		return ErrTripleFault
	}

	next := nested
	if EscalatesToDoubleFault(vector, nested.Vector) {
		next = NewFaultWithCode(VecDF, 0)
	}
	err = deliverVector(st, pe, bus, next.Vector, false, deliverArgs{
		returnRIP:  st.RIP,
		errCode:    next.ErrorCode,
		hasErrCode: next.HasErrorCode,
	})
	if err != nil {
		return ErrTripleFault
	}
	return nil
}

// deliverVector 单次投递尝试。嵌套故障以 Exception 错误返回。
func deliverVector(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, vector uint8, software bool, args deliverArgs) error {
	pe.Delivering = true
	pe.DeliveringVector = vector
	defer func() { pe.Delivering = false }()

	switch st.Mode {
	case ModeLong:
		return deliverLongMode(st, pe, bus, vector, software, args)
	case ModeProtected, ModeVm86:
		return deliverProtectedMode(st, pe, bus, vector, software, args)
	default:
		return deliverRealMode(st, pe, bus, vector, args)
	}
}

// ============================================================================
// 实模式投递
// ============================================================================

func deliverRealMode(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, vector uint8, args deliverArgs) error {
	ivt := st.IDT.Base + uint64(vector)*4
	ip, err := bus.ReadU16(st.ApplyA20(ivt))
	if err != nil {
		return NewFaultWithCode(VecGP, 0)
	}
	cs, err := bus.ReadU16(st.ApplyA20(ivt + 2))
	if err != nil {
		return NewFaultWithCode(VecGP, 0)
	}

	if !pe.pushFrame(InterruptFrame{Kind: FrameReal16, Vector: vector}) {
		return ErrTripleFault
	}

	flags := uint16(st.RFlagsSnapshot())
	if err := push16(st, bus, flags); err != nil {
		return err
	}
	if err := push16(st, bus, st.Segments[SegCS].Selector); err != nil {
		return err
	}
	if err := push16(st, bus, uint16(args.returnRIP)); err != nil {
		return err
	}

	st.SetFlag(FlagIF, false)
	st.SetFlag(FlagTF, false)
	st.Segments[SegCS] = Segment{Selector: cs, Base: uint64(cs) << 4, Limit: 0xffff, Attr: 0x93}
	st.RIP = uint64(ip)
	return nil
}

// ============================================================================
// 保护模式投递
// ============================================================================

func deliverProtectedMode(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, vector uint8, software bool, args deliverArgs) error {
	gate, err := readIDTGate32(st, bus, vector)
	if err != nil {
		return err
	}
	if !gate.present() {
		return NewFaultWithCode(VecNP, uint32(vector)*8 | 2)
	}
	// 软件 INT n 受门 DPL 限制；硬件中断/异常不受
	if software && gate.dpl() < st.CPL() {
		return NewFaultWithCode(VecGP, uint32(vector)*8 | 2)
	}
	if gate.Selector&^3 == 0 {
		return NewFaultWithCode(VecGP, 2)
	}

	cpl := st.CPL()
	newCPL := uint8(gate.Selector) & 3
	stackSwitched := newCPL < cpl

	if !pe.pushFrame(InterruptFrame{Kind: FrameProtected32, Vector: vector, StackSwitched: stackSwitched}) {
		return ErrTripleFault
	}

	oldSS := st.Segments[SegSS].Selector
	oldESP := uint32(st.GPR[RSP])

	if stackSwitched {
		esp, ss, err := tss32StackForCPL(st, bus, newCPL)
		if err != nil {
			return err
		}
		st.Segments[SegSS] = Segment{Selector: ss, Limit: 0xffff_ffff, Attr: 0x93}
		st.WriteReg(RSP, 32, false, uint64(esp))
	}

	flags := uint32(st.RFlagsSnapshot())
	if stackSwitched {
		if err := push32(st, bus, uint32(oldSS)); err != nil {
			return err
		}
		if err := push32(st, bus, oldESP); err != nil {
			return err
		}
	}
	if err := push32(st, bus, flags); err != nil {
		return err
	}
	if err := push32(st, bus, uint32(st.Segments[SegCS].Selector)); err != nil {
		return err
	}
	if err := push32(st, bus, uint32(args.returnRIP)); err != nil {
		return err
	}
	if args.hasErrCode {
		if err := push32(st, bus, args.errCode); err != nil {
			return err
		}
	}

	if gate.isInterruptGate() {
		st.SetFlag(FlagIF, false)
	}
	st.SetFlag(FlagTF, false)
	st.SetFlag(FlagNT, false)

	st.Segments[SegCS] = Segment{Selector: gate.Selector, Limit: 0xffff_ffff, Attr: 0x9b}
	st.RIP = gate.Offset
	return nil
}

// ============================================================================
// 长模式投递
// ============================================================================

func deliverLongMode(st *CpuState, pe *PendingEventState, bus mem.MemoryBus, vector uint8, software bool, args deliverArgs) error {
	gate, err := readIDTGate64(st, bus, vector)
	if err != nil {
		return err
	}
	if !gate.present() {
		return NewFaultWithCode(VecNP, uint32(vector)*16 | 2)
	}
	if software && gate.dpl() < st.CPL() {
		return NewFaultWithCode(VecGP, uint32(vector)*16 | 2)
	}
	if gate.Selector&^3 == 0 {
		return NewFaultWithCode(VecGP, 2)
	}
	if !isCanonical(gate.Offset) {
		return NewFaultWithCode(VecGP, 0)
	}

	cpl := st.CPL()
	newCPL := uint8(gate.Selector) & 3
	stackSwitched := gate.IST != 0 || newCPL < cpl

	if !pe.pushFrame(InterruptFrame{Kind: FrameLong64, Vector: vector, StackSwitched: stackSwitched}) {
		return ErrTripleFault
	}

	oldSS := st.Segments[SegSS].Selector
	oldRSP := st.GPR[RSP]

	switch {
	case gate.IST != 0:
		rsp, err := tss64ISTStack(st, bus, gate.IST)
		if err != nil {
			return err
		}
		st.GPR[RSP] = rsp
	case newCPL < cpl:
		rsp, err := tss64RspForCPL(st, bus, newCPL)
		if err != nil {
			return err
		}
		st.GPR[RSP] = rsp
	}

	// 中断帧 16 字节对齐
	st.GPR[RSP] &^= 0xf

	flags := st.RFlagsSnapshot()
	if err := push64(st, bus, uint64(oldSS)); err != nil {
		return err
	}
	if err := push64(st, bus, oldRSP); err != nil {
		return err
	}
	if err := push64(st, bus, flags); err != nil {
		return err
	}
	if err := push64(st, bus, uint64(st.Segments[SegCS].Selector)); err != nil {
		return err
	}
	if err := push64(st, bus, args.returnRIP); err != nil {
		return err
	}
	if args.hasErrCode {
		if err := push64(st, bus, uint64(args.errCode)); err != nil {
			return err
		}
	}

	if gate.isInterruptGate() {
		st.SetFlag(FlagIF, false)
	}
	st.SetFlag(FlagTF, false)

	if stackSwitched {
		// 特权级切换后 SS 装入 NULL 选择子
		st.Segments[SegSS] = Segment{Selector: uint16(newCPL), Attr: 0x93}
	}
	st.Segments[SegCS] = Segment{Selector: gate.Selector, Attr: 0x9b}
	st.RIP = gate.Offset
	return nil
}

// ============================================================================
// IRET
// ============================================================================

// RestoreFlags POPF/IRET 式的带特权级门控的标志位恢复：
// IF 仅在 CPL ≤ IOPL 时可写，IOPL 仅在 CPL=0 时可写。
func RestoreFlags(st *CpuState, v uint64) {
	cpl := st.CPL()
	iopl := (st.RFLAGS >> 12) & 3
	mask := FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF |
		FlagDF | FlagOF | FlagNT | FlagAC | FlagID
	if cpl == 0 {
		mask |= FlagIOPL | FlagIF
	} else if uint64(cpl) <= iopl {
		mask |= FlagIF
	}
	st.SetRFlags((st.RFlagsSnapshot() &^ mask) | (v & mask))
}

// ExecuteIRET 按当前模式执行中断返回
func ExecuteIRET(st *CpuState, pe *PendingEventState, bus mem.MemoryBus) error {
	frame, _ := pe.popFrame()

	switch st.Mode {
	case ModeLong:
		return iretLong(st, bus)
	case ModeProtected, ModeVm86:
		return iretProtected(st, bus, frame)
	default:
		return iretReal(st, bus)
	}
}

func iretReal(st *CpuState, bus mem.MemoryBus) error {
	ip, err := pop16(st, bus)
	if err != nil {
		return err
	}
	cs, err := pop16(st, bus)
	if err != nil {
		return err
	}
	flags, err := pop16(st, bus)
	if err != nil {
		return err
	}
	st.Segments[SegCS] = Segment{Selector: cs, Base: uint64(cs) << 4, Limit: 0xffff, Attr: 0x93}
	st.RIP = uint64(ip)
	st.SetRFlags((st.RFlagsSnapshot() &^ 0xffff) | uint64(flags))
	return nil
}

func iretProtected(st *CpuState, bus mem.MemoryBus, frame InterruptFrame) error {
	eip, err := pop32(st, bus)
	if err != nil {
		return err
	}
	cs, err := pop32(st, bus)
	if err != nil {
		return err
	}
	flags, err := pop32(st, bus)
	if err != nil {
		return err
	}

	returnCPL := uint8(cs) & 3
	if returnCPL > st.CPL() || frame.StackSwitched {
		esp, err := pop32(st, bus)
		if err != nil {
			return err
		}
		ss, err := pop32(st, bus)
		if err != nil {
			return err
		}
		st.Segments[SegSS] = Segment{Selector: uint16(ss), Limit: 0xffff_ffff, Attr: 0x93}
		st.WriteReg(RSP, 32, false, uint64(esp))
	}

	st.Segments[SegCS] = Segment{Selector: uint16(cs), Limit: 0xffff_ffff, Attr: 0x9b}
	st.RIP = uint64(eip)
	RestoreFlags(st, uint64(flags))
	return nil
}

func iretLong(st *CpuState, bus mem.MemoryBus) error {
	rip, err := pop64(st, bus)
	if err != nil {
		return err
	}
	cs, err := pop64(st, bus)
	if err != nil {
		return err
	}
	flags, err := pop64(st, bus)
	if err != nil {
		return err
	}
	rsp, err := pop64(st, bus)
	if err != nil {
		return err
	}
	ss, err := pop64(st, bus)
	if err != nil {
		return err
	}
	if !isCanonical(rip) {
		return NewFaultWithCode(VecGP, 0)
	}

	st.Segments[SegCS] = Segment{Selector: uint16(cs), Attr: 0x9b}
	st.Segments[SegSS] = Segment{Selector: uint16(ss), Attr: 0x93}
	st.RIP = rip
	RestoreFlags(st, flags)
	st.GPR[RSP] = rsp
	return nil
}
