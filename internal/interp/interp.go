// interp.go - Tier-0 解释器
//
// 取指、解码、执行单条架构正确的指令（或有界批次）。永远正确、
// 永远可用的兜底执行路径：JIT 不覆盖的一切最终都落到这里。
// ALU 指令更新惰性标志位输入而不是急切计算标志位。

package interp

import (
	"errors"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/mem"
	"github.com/tangzhangming/vcore/internal/x86"
)

// ExitReason 单步/批次的退出原因
type ExitReason uint8

const (
	ExitCompleted ExitReason = iota // 批次预算用尽
	ExitBranch                      // 控制流指令退役，调用方可重查 JIT
	ExitHalted                      // HLT
	ExitAssist                      // 需要慢路径（INT/IRET/IN/OUT 等）
	ExitException                   // 架构异常已记入待决事件
)

func (r ExitReason) String() string {
	switch r {
	case ExitCompleted:
		return "completed"
	case ExitBranch:
		return "branch"
	case ExitHalted:
		return "halted"
	case ExitAssist:
		return "assist"
	case ExitException:
		return "exception"
	default:
		return "unknown"
	}
}

// BatchResult RunBatch 的结果
type BatchResult struct {
	Executed int
	Exit     ExitReason
}

// Interp Tier-0 解释器
type Interp struct {
	ports mem.PortIO
}

// New 创建解释器。ports 为 nil 时端口空间悬空。
func New(ports mem.PortIO) *Interp {
	if ports == nil {
		ports = mem.ComposedPorts{Port8: mem.NullPorts{}}
	}
	return &Interp{ports: ports}
}

// RunBatch 最多执行 maxInstructions 条指令
func (ip *Interp) RunBatch(st *cpu.CpuState, pe *cpu.PendingEventState, bus mem.MemoryBus, maxInstructions int) BatchResult {
	res := BatchResult{Exit: ExitCompleted}
	for res.Executed < maxInstructions {
		reason := ip.Step(st, pe, bus)
		if reason != ExitException {
			res.Executed++
		}
		if reason != ExitCompleted {
			res.Exit = reason
			return res
		}
	}
	return res
}

// Step 执行一条指令。异常通过 pe 记为待决事件并返回 ExitException，
// 指令指针停在故障指令上。
func (ip *Interp) Step(st *cpu.CpuState, pe *cpu.PendingEventState, bus mem.MemoryBus) ExitReason {
	if st.Halted {
		return ExitHalted
	}

	rip := st.RIP & st.Mode.IPMask()
	fetchAddr := st.LinearAddr(cpu.SegCS, rip)

	var buf [x86.MaxInstLen]byte
	n := 0
	for ; n < len(buf); n++ {
		b, err := bus.ReadU8(fetchAddr + uint64(n))
		if err != nil {
			break
		}
		buf[n] = b
	}
	if n == 0 {
		pe.RaiseException(cpu.NewPageFault(0x10, fetchAddr)) // 取指故障
		return ExitException
	}

	inst, err := x86.Decode(buf[:n], st.Mode.Bitness())
	if err != nil {
		if errors.Is(err, x86.ErrTruncated) && n < len(buf) {
			// 截断源于后续字节取不到：按取指故障投 #PF
			pe.RaiseException(cpu.NewPageFault(0x10, fetchAddr+uint64(n)))
			return ExitException
		}
		pe.RaiseException(cpu.NewFault(cpu.VecUD))
		return ExitException
	}

	reason, fault := ip.exec(st, pe, bus, rip, inst)
	if fault != nil {
		// 故障指令：不写目的操作数、不推进 RIP
		pe.RaiseException(*fault)
		return ExitException
	}
	pe.RetireInstruction()
	return reason
}

// exec 执行已解码指令。fault 非 nil 时 RIP 未推进、目的未写入。
func (ip *Interp) exec(st *cpu.CpuState, pe *cpu.PendingEventState, bus mem.MemoryBus, rip uint64, inst x86.Inst) (ExitReason, *cpu.Exception) {
	next := (rip + uint64(inst.Len)) & st.Mode.IPMask()

	switch inst.Op {
	case x86.OpNop:
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpMov:
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, v); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpMovzx, x86.OpMovsx:
		srcSize := uint8(8)
		if inst.Cond == 1 {
			srcSize = 16
		}
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, srcSize)
		if fault != nil {
			return 0, fault
		}
		if inst.Op == x86.OpMovsx {
			v = signExtend(v, srcSize)
		}
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, v); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpMovsxd:
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, 32)
		if fault != nil {
			return 0, fault
		}
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, signExtend(v, 32)); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpLea:
		ea := ip.effOffset(st, rip, inst, inst.Src)
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, ea); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpXchg:
		a, fault := ip.readOperand(st, bus, rip, inst, inst.Dst, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		b, fault := ip.readOperand(st, bus, rip, inst, inst.Src, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		// Dst 是 r/m 一侧，先写它：存储故障时寄存器一侧原样保留
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, b); fault != nil {
			return 0, fault
		}
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Src, inst.OpSize, a); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpAdd, x86.OpAdc, x86.OpSub, x86.OpSbb, x86.OpAnd,
		x86.OpOr, x86.OpXor, x86.OpCmp, x86.OpTest:
		if fault := ip.execALU(st, bus, rip, inst); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpInc, x86.OpDec, x86.OpNeg, x86.OpNot:
		if fault := ip.execUnary(st, bus, rip, inst); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpShl, x86.OpShr, x86.OpSar:
		if fault := ip.execShift(st, bus, rip, inst); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpMul, x86.OpImul, x86.OpDiv, x86.OpIdiv:
		if fault := ip.execMulDiv(st, bus, rip, inst); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpImul2, x86.OpImul3:
		if fault := ip.execImulWide(st, bus, rip, inst); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpCbw:
		src := st.ReadReg(cpu.RAX, inst.OpSize/2, false)
		st.WriteReg(cpu.RAX, inst.OpSize, false, signExtend(src, inst.OpSize/2))
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpCwd:
		v := st.ReadReg(cpu.RAX, inst.OpSize, false)
		var hi uint64
		if v&signBit(inst.OpSize) != 0 {
			hi = maskOf(inst.OpSize)
		}
		st.WriteReg(cpu.RDX, inst.OpSize, false, hi)
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpPush:
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		if fault := ip.pushVal(st, bus, inst.OpSize, v); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpPop:
		v, fault := ip.popVal(st, bus, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, v); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpPushf:
		if fault := ip.pushVal(st, bus, inst.OpSize, st.RFlagsSnapshot()); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitAssist, nil

	case x86.OpPopf:
		v, fault := ip.popVal(st, bus, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		cpu.RestoreFlags(st, v)
		st.RIP = next
		return ExitAssist, nil

	case x86.OpJmp:
		st.RIP = (next + uint64(inst.Src.Imm)) & st.Mode.IPMask()
		return ExitBranch, nil

	case x86.OpJmpInd:
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		st.RIP = v & st.Mode.IPMask()
		return ExitBranch, nil

	case x86.OpJcc:
		if EvalCond(st, inst.Cond) {
			st.RIP = (next + uint64(inst.Src.Imm)) & st.Mode.IPMask()
		} else {
			st.RIP = next
		}
		return ExitBranch, nil

	case x86.OpCall:
		if fault := ip.pushVal(st, bus, inst.OpSize, next); fault != nil {
			return 0, fault
		}
		st.RIP = (next + uint64(inst.Src.Imm)) & st.Mode.IPMask()
		return ExitBranch, nil

	case x86.OpCallInd:
		target, fault := ip.readOperand(st, bus, rip, inst, inst.Src, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		if fault := ip.pushVal(st, bus, inst.OpSize, next); fault != nil {
			return 0, fault
		}
		st.RIP = target & st.Mode.IPMask()
		return ExitBranch, nil

	case x86.OpRet, x86.OpRetImm:
		v, fault := ip.popVal(st, bus, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		if inst.Op == x86.OpRetImm {
			st.GPR[cpu.RSP] += uint64(inst.Src.Imm)
		}
		st.RIP = v & st.Mode.IPMask()
		return ExitBranch, nil

	case x86.OpInt:
		pe.RaiseSoftwareInterrupt(uint8(inst.Src.Imm), next)
		st.RIP = next
		return ExitAssist, nil

	case x86.OpInt3:
		pe.RaiseSoftwareInterrupt(cpu.VecBP, next)
		st.RIP = next
		return ExitAssist, nil

	case x86.OpIret:
		if err := cpu.ExecuteIRET(st, pe, bus); err != nil {
			var exc cpu.Exception
			if errors.As(err, &exc) {
				return 0, &exc
			}
			return 0, &cpu.Exception{Vector: cpu.VecGP, HasErrorCode: true}
		}
		return ExitBranch, nil

	case x86.OpHlt:
		st.Halted = true
		st.RIP = next
		return ExitHalted, nil

	case x86.OpSti:
		if !st.GetFlag(cpu.FlagIF) {
			pe.InhibitInterruptsForOneInstruction()
		}
		st.SetFlag(cpu.FlagIF, true)
		st.RIP = next
		return ExitAssist, nil

	case x86.OpCli:
		st.SetFlag(cpu.FlagIF, false)
		st.RIP = next
		return ExitAssist, nil

	case x86.OpCld:
		st.SetFlag(cpu.FlagDF, false)
		st.RIP = next
		return ExitCompleted, nil
	case x86.OpStd:
		st.SetFlag(cpu.FlagDF, true)
		st.RIP = next
		return ExitCompleted, nil
	case x86.OpClc:
		st.SetFlag(cpu.FlagCF, false)
		st.RIP = next
		return ExitCompleted, nil
	case x86.OpStc:
		st.SetFlag(cpu.FlagCF, true)
		st.RIP = next
		return ExitCompleted, nil
	case x86.OpCmc:
		st.SetFlag(cpu.FlagCF, !st.GetFlag(cpu.FlagCF))
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpSetcc:
		var v uint64
		if EvalCond(st, inst.Cond) {
			v = 1
		}
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, 8, v); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpCmovcc:
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, inst.OpSize)
		if fault != nil {
			return 0, fault
		}
		if EvalCond(st, inst.Cond) {
			if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, inst.OpSize, v); fault != nil {
				return 0, fault
			}
		} else if inst.OpSize == 32 {
			// 32 位 CMOV 条件不成立时仍然零扩展目的寄存器
			st.WriteReg(inst.Dst.Reg, 32, false, st.ReadReg(inst.Dst.Reg, 32, false))
		}
		st.RIP = next
		return ExitCompleted, nil

	case x86.OpIn, x86.OpOut:
		ip.execPortIO(st, inst)
		st.RIP = next
		return ExitAssist, nil

	case x86.OpMovss, x86.OpMovsd, x86.OpMovq,
		x86.OpAddss, x86.OpAddsd, x86.OpSubss, x86.OpSubsd,
		x86.OpMulss, x86.OpMulsd, x86.OpDivss, x86.OpDivsd,
		x86.OpSqrtss, x86.OpSqrtsd:
		if fault := ip.execSSE(st, bus, rip, inst); fault != nil {
			return 0, fault
		}
		st.RIP = next
		return ExitCompleted, nil
	}

	fault := cpu.NewFault(cpu.VecUD)
	return 0, &fault
}

// ============================================================================
// 操作数解析
// ============================================================================

// effOffset 计算内存操作数的段内偏移（未加段基址）
func (ip *Interp) effOffset(st *cpu.CpuState, rip uint64, inst x86.Inst, op x86.Operand) uint64 {
	if op.RipRel {
		return rip + uint64(inst.Len) + uint64(op.Disp)
	}
	var ea uint64
	if op.Base >= 0 {
		ea += st.GPR[op.Base]
	}
	if op.Index >= 0 {
		ea += st.GPR[op.Index] * uint64(op.Scale)
	}
	ea += uint64(op.Disp)
	switch inst.AddrSize {
	case 16:
		return ea & 0xffff
	case 32:
		return ea & 0xffff_ffff
	default:
		return ea
	}
}

// memAddr 内存操作数的物理地址
func (ip *Interp) memAddr(st *cpu.CpuState, rip uint64, inst x86.Inst, op x86.Operand) uint64 {
	return st.LinearAddr(int(op.Seg), ip.effOffset(st, rip, inst, op))
}

func (ip *Interp) readOperand(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst, op x86.Operand, size uint8) (uint64, *cpu.Exception) {
	switch op.Kind {
	case x86.OperReg:
		return st.ReadReg(op.Reg, size, op.High), nil
	case x86.OperImm:
		return uint64(op.Imm) & maskOf(size), nil
	case x86.OperMem:
		addr := ip.memAddr(st, rip, inst, op)
		v, err := readMem(bus, addr, size)
		if err != nil {
			return 0, memFault(addr)
		}
		return v, nil
	default:
		fault := cpu.NewFault(cpu.VecUD)
		return 0, &fault
	}
}

func (ip *Interp) writeOperand(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst, op x86.Operand, size uint8, v uint64) *cpu.Exception {
	switch op.Kind {
	case x86.OperReg:
		st.WriteReg(op.Reg, size, op.High, v)
		return nil
	case x86.OperMem:
		addr := ip.memAddr(st, rip, inst, op)
		if err := writeMem(bus, addr, size, v); err != nil {
			return memFault(addr)
		}
		return nil
	default:
		fault := cpu.NewFault(cpu.VecUD)
		return &fault
	}
}

func readMem(bus mem.MemoryBus, addr uint64, size uint8) (uint64, error) {
	switch size {
	case 8:
		v, err := bus.ReadU8(addr)
		return uint64(v), err
	case 16:
		v, err := bus.ReadU16(addr)
		return uint64(v), err
	case 32:
		v, err := bus.ReadU32(addr)
		return uint64(v), err
	default:
		return bus.ReadU64(addr)
	}
}

func writeMem(bus mem.MemoryBus, addr uint64, size uint8, v uint64) error {
	switch size {
	case 8:
		return bus.WriteU8(addr, uint8(v))
	case 16:
		return bus.WriteU16(addr, uint16(v))
	case 32:
		return bus.WriteU32(addr, uint32(v))
	default:
		return bus.WriteU64(addr, v)
	}
}

func memFault(addr uint64) *cpu.Exception {
	fault := cpu.NewPageFault(0x02, addr)
	return &fault
}

// ============================================================================
// 栈与条件
// ============================================================================

func (ip *Interp) pushVal(st *cpu.CpuState, bus mem.MemoryBus, size uint8, v uint64) *cpu.Exception {
	n := uint64(size / 8)
	var sp uint64
	switch st.Mode {
	case cpu.ModeLong:
		sp = st.GPR[cpu.RSP] - n
	case cpu.ModeProtected:
		sp = (st.GPR[cpu.RSP] - n) & 0xffff_ffff
	default:
		sp = (st.GPR[cpu.RSP] - n) & 0xffff
	}
	addr := st.LinearAddr(cpu.SegSS, sp)
	if err := writeMem(bus, addr, size, v); err != nil {
		return memFault(addr)
	}
	switch st.Mode {
	case cpu.ModeLong:
		st.GPR[cpu.RSP] = sp
	case cpu.ModeProtected:
		st.WriteReg(cpu.RSP, 32, false, sp)
	default:
		st.WriteReg(cpu.RSP, 16, false, sp)
	}
	return nil
}

func (ip *Interp) popVal(st *cpu.CpuState, bus mem.MemoryBus, size uint8) (uint64, *cpu.Exception) {
	n := uint64(size / 8)
	var sp uint64
	switch st.Mode {
	case cpu.ModeLong:
		sp = st.GPR[cpu.RSP]
	case cpu.ModeProtected:
		sp = st.GPR[cpu.RSP] & 0xffff_ffff
	default:
		sp = st.GPR[cpu.RSP] & 0xffff
	}
	addr := st.LinearAddr(cpu.SegSS, sp)
	v, err := readMem(bus, addr, size)
	if err != nil {
		return 0, memFault(addr)
	}
	switch st.Mode {
	case cpu.ModeLong:
		st.GPR[cpu.RSP] = sp + n
	case cpu.ModeProtected:
		st.WriteReg(cpu.RSP, 32, false, sp+n)
	default:
		st.WriteReg(cpu.RSP, 16, false, sp+n)
	}
	return v, nil
}

// EvalCond 求值 x86 条件码
func EvalCond(st *cpu.CpuState, cc x86.Cond) bool {
	return st.ConditionMet(uint8(cc))
}

// ============================================================================
// 端口 I/O
// ============================================================================

func (ip *Interp) execPortIO(st *cpu.CpuState, inst x86.Inst) {
	var port uint16
	if inst.Src.Kind == x86.OperImm {
		port = uint16(inst.Src.Imm)
	} else {
		port = uint16(st.GPR[cpu.RDX])
	}
	if inst.Op == x86.OpIn {
		switch inst.OpSize {
		case 8:
			st.WriteReg(cpu.RAX, 8, false, uint64(ip.ports.InU8(port)))
		case 16:
			st.WriteReg(cpu.RAX, 16, false, uint64(ip.ports.InU16(port)))
		default:
			st.WriteReg(cpu.RAX, 32, false, uint64(ip.ports.InU32(port)))
		}
		return
	}
	switch inst.OpSize {
	case 8:
		ip.ports.OutU8(port, uint8(st.GPR[cpu.RAX]))
	case 16:
		ip.ports.OutU16(port, uint16(st.GPR[cpu.RAX]))
	default:
		ip.ports.OutU32(port, uint32(st.GPR[cpu.RAX]))
	}
}

// ============================================================================
// 宽度工具
// ============================================================================

func maskOf(size uint8) uint64 {
	switch size {
	case 8:
		return 0xff
	case 16:
		return 0xffff
	case 32:
		return 0xffff_ffff
	default:
		return ^uint64(0)
	}
}

func signBit(size uint8) uint64 { return 1 << (uint(size) - 1) }

func signExtend(v uint64, size uint8) uint64 {
	switch size {
	case 8:
		return uint64(int64(int8(v)))
	case 16:
		return uint64(int64(int16(v)))
	case 32:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}
