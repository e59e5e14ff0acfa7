// tier1.go - Tier-1 基本块编译器
//
// 把发现出的基本块降低为可移植 IR。降低不了的指令把块在该处
// 截断并退回解释器，字节账目同步缩减，保证缓存只记入真正由
// 编译单元执行的字节。
//
// 每条客户机指令的降低顺序固定：读内存、写内存、写寄存器、
// 更新标志位、提交 RIP。

package jit

import (
	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/x86"
)

// Tier1Compiler 基本块到 IR 的降低器
type Tier1Compiler struct {
	mode cpu.Mode
}

// NewTier1Compiler 创建编译器
func NewTier1Compiler(mode cpu.Mode) *Tier1Compiler {
	return &Tier1Compiler{mode: mode}
}

// CompileResult 降低结果
type CompileResult struct {
	Instrs  []IRInstr
	ByteLen uint32 // 实际降低进 IR 的客户机字节数
}

// Compile 降低整个基本块
func (c *Tier1Compiler) Compile(blk *BasicBlock) CompileResult {
	b := NewIRBuilder(0)
	lw := &lowerer{b: b, mode: c.mode}
	rip := blk.EntryRIP
	var bytes uint32

	for i := range blk.Instrs {
		inst := &blk.Instrs[i]
		if inst.FlowClass() != x86.ClassSequential {
			lw.lowerTerminator(rip, inst, blk)
			bytes += uint32(inst.Len)
			return CompileResult{Instrs: b.Instrs, ByteLen: bytes}
		}
		if !lw.lowerSequential(rip, inst) {
			// 降低不了：块停在这条指令之前
			b.Instrs = b.Instrs[:lw.mark]
			b.Deopt(rip)
			return CompileResult{Instrs: b.Instrs, ByteLen: bytes}
		}
		rip = inst.NextRIP(rip)
		bytes += uint32(inst.Len)
		b.CommitRIP(rip)
	}

	// EndLimit / EndExitToInterpreter：块尾续接
	if blk.End == EndExitToInterpreter {
		b.Deopt(blk.NextRIP)
	} else {
		b.Exit(blk.NextRIP)
	}
	return CompileResult{Instrs: b.Instrs, ByteLen: bytes}
}

// lowerer 单块降低状态
type lowerer struct {
	b    *IRBuilder
	mode cpu.Mode
	mark int // 当前指令起点的 IR 下标，回退用
}

// ============================================================================
// 操作数降低
// ============================================================================

// effOffset 内存操作数的段内偏移值
func (lw *lowerer) effOffset(rip uint64, inst *x86.Inst, op *x86.Operand) ValueId {
	b := lw.b
	if op.RipRel {
		return b.Const(rip + uint64(inst.Len) + uint64(op.Disp))
	}
	var ea ValueId = NoValue
	if op.Base >= 0 {
		ea = b.ReadReg(int(op.Base))
	}
	if op.Index >= 0 {
		idx := b.ReadReg(int(op.Index))
		if op.Scale > 1 {
			idx = b.Binary(IR_MUL, idx, b.Const(uint64(op.Scale)))
		}
		if ea == NoValue {
			ea = idx
		} else {
			ea = b.Binary(IR_ADD, ea, idx)
		}
	}
	if op.Disp != 0 || ea == NoValue {
		d := b.Const(uint64(op.Disp))
		if ea == NoValue {
			ea = d
		} else {
			ea = b.Binary(IR_ADD, ea, d)
		}
	}
	switch inst.AddrSize {
	case 16:
		ea = lw.b.Extend(IR_ZEXT, ea, 16)
	case 32:
		ea = lw.b.Extend(IR_ZEXT, ea, 32)
	}
	return ea
}

func (lw *lowerer) memAddr(rip uint64, inst *x86.Inst, op *x86.Operand) ValueId {
	return lw.b.Linear(int(op.Seg), lw.effOffset(rip, inst, op))
}

// readOperand 读操作数。寄存器读后按宽度零扩展收口。
func (lw *lowerer) readOperand(rip uint64, inst *x86.Inst, op *x86.Operand, size uint8) (ValueId, bool) {
	b := lw.b
	switch op.Kind {
	case x86.OperReg:
		v := b.ReadReg(int(op.Reg))
		if op.High {
			v = b.Binary(IR_SHR, v, b.Const(8))
		}
		if size < 64 {
			v = b.Extend(IR_ZEXT, v, size)
		}
		return v, true
	case x86.OperImm:
		return b.Const(uint64(op.Imm) & maskOfWidth(size)), true
	case x86.OperMem:
		addr := lw.memAddr(rip, inst, op)
		return b.ReadMem(addr, size), true
	default:
		return NoValue, false
	}
}

func (lw *lowerer) writeOperand(rip uint64, inst *x86.Inst, op *x86.Operand, size uint8, v ValueId) bool {
	switch op.Kind {
	case x86.OperReg:
		lw.b.WriteReg(int(op.Reg), size, op.High, v)
		return true
	case x86.OperMem:
		addr := lw.memAddr(rip, inst, op)
		lw.b.WriteMem(addr, v, size)
		return true
	default:
		return false
	}
}

// ============================================================================
// 顺序指令
// ============================================================================

// lowerSequential 降低一条顺序指令，返回 false 表示不支持
func (lw *lowerer) lowerSequential(rip uint64, inst *x86.Inst) bool {
	lw.mark = len(lw.b.Instrs)
	b := lw.b

	switch inst.Op {
	case x86.OpNop:
		return true

	case x86.OpMov:
		v, ok := lw.readOperand(rip, inst, &inst.Src, inst.OpSize)
		if !ok {
			return false
		}
		return lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, v)

	case x86.OpMovzx, x86.OpMovsx:
		srcSize := uint8(8)
		if inst.Cond == 1 {
			srcSize = 16
		}
		v, ok := lw.readOperand(rip, inst, &inst.Src, srcSize)
		if !ok {
			return false
		}
		if inst.Op == x86.OpMovsx {
			v = b.Extend(IR_SEXT, v, srcSize)
		}
		return lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, v)

	case x86.OpMovsxd:
		v, ok := lw.readOperand(rip, inst, &inst.Src, 32)
		if !ok {
			return false
		}
		return lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, b.Extend(IR_SEXT, v, 32))

	case x86.OpLea:
		return lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, lw.effOffset(rip, inst, &inst.Src))

	case x86.OpAdd, x86.OpAdc, x86.OpSub, x86.OpSbb, x86.OpAnd,
		x86.OpOr, x86.OpXor, x86.OpCmp, x86.OpTest:
		return lw.lowerALU(rip, inst)

	case x86.OpInc, x86.OpDec:
		return lw.lowerIncDec(rip, inst)

	case x86.OpNeg:
		size := inst.OpSize
		a, ok := lw.readOperand(rip, inst, &inst.Dst, size)
		if !ok {
			return false
		}
		r := b.Unary(IR_NEG, a)
		if size < 64 {
			r = b.Extend(IR_ZEXT, r, size)
		}
		if !lw.writeOperand(rip, inst, &inst.Dst, size, r) {
			return false
		}
		b.UpdateFlags(cpu.LazySub, size, b.Const(0), a, NoValue, r)
		return true

	case x86.OpNot:
		size := inst.OpSize
		a, ok := lw.readOperand(rip, inst, &inst.Dst, size)
		if !ok {
			return false
		}
		r := b.Unary(IR_NOT, a)
		if size < 64 {
			r = b.Extend(IR_ZEXT, r, size)
		}
		return lw.writeOperand(rip, inst, &inst.Dst, size, r)

	case x86.OpShl, x86.OpShr, x86.OpSar:
		return lw.lowerShift(rip, inst)

	case x86.OpPush:
		v, ok := lw.readOperand(rip, inst, &inst.Src, inst.OpSize)
		if !ok {
			return false
		}
		lw.pushVal(inst.OpSize, v)
		return true

	case x86.OpPop:
		v := lw.popVal(inst.OpSize)
		return lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, v)

	case x86.OpSetcc:
		return lw.writeOperand(rip, inst, &inst.Dst, 8, b.ReadFlag(inst.Cond))

	case x86.OpCmovcc:
		v, ok := lw.readOperand(rip, inst, &inst.Src, inst.OpSize)
		if !ok {
			return false
		}
		if inst.Dst.Kind != x86.OperReg {
			return false
		}
		old, _ := lw.readOperand(rip, inst, &inst.Dst, inst.OpSize)
		cond := b.ReadFlag(inst.Cond)
		return lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, b.Select(cond, v, old))

	case x86.OpXchg:
		if inst.Dst.Kind != x86.OperReg || inst.Src.Kind != x86.OperReg {
			return false
		}
		a, _ := lw.readOperand(rip, inst, &inst.Dst, inst.OpSize)
		v, _ := lw.readOperand(rip, inst, &inst.Src, inst.OpSize)
		lw.writeOperand(rip, inst, &inst.Dst, inst.OpSize, v)
		lw.writeOperand(rip, inst, &inst.Src, inst.OpSize, a)
		return true

	default:
		// MUL/DIV/SSE/串操作等走解释器
		return false
	}
}

func (lw *lowerer) lowerALU(rip uint64, inst *x86.Inst) bool {
	b := lw.b
	size := inst.OpSize
	a, ok := lw.readOperand(rip, inst, &inst.Dst, size)
	if !ok {
		return false
	}
	v, ok := lw.readOperand(rip, inst, &inst.Src, size)
	if !ok {
		return false
	}

	var r ValueId
	writeBack := true
	switch inst.Op {
	case x86.OpAdd:
		r = b.Binary(IR_ADD, a, v)
	case x86.OpAdc:
		carry := b.ReadFlag(x86.Cond(0x2)) // CF
		r = b.Binary(IR_ADD, b.Binary(IR_ADD, a, v), carry)
	case x86.OpSub:
		r = b.Binary(IR_SUB, a, v)
	case x86.OpSbb:
		carry := b.ReadFlag(x86.Cond(0x2))
		r = b.Binary(IR_SUB, b.Binary(IR_SUB, a, v), carry)
	case x86.OpCmp:
		r = b.Binary(IR_SUB, a, v)
		writeBack = false
	case x86.OpAnd:
		r = b.Binary(IR_AND, a, v)
	case x86.OpOr:
		r = b.Binary(IR_OR, a, v)
	case x86.OpXor:
		r = b.Binary(IR_XOR, a, v)
	case x86.OpTest:
		r = b.Binary(IR_AND, a, v)
		writeBack = false
	}
	if size < 64 {
		r = b.Extend(IR_ZEXT, r, size)
	}

	if writeBack {
		if !lw.writeOperand(rip, inst, &inst.Dst, size, r) {
			return false
		}
	}
	switch inst.Op {
	case x86.OpAdd:
		b.UpdateFlags(cpu.LazyAdd, size, a, v, NoValue, r)
	case x86.OpAdc:
		b.UpdateFlags(cpu.LazyAdc, size, a, v, b.ReadFlag(x86.Cond(0x2)), r)
	case x86.OpSub, x86.OpCmp:
		b.UpdateFlags(cpu.LazySub, size, a, v, NoValue, r)
	case x86.OpSbb:
		b.UpdateFlags(cpu.LazySbb, size, a, v, b.ReadFlag(x86.Cond(0x2)), r)
	default:
		b.UpdateFlags(cpu.LazyLogic, size, NoValue, NoValue, NoValue, r)
	}
	return true
}

func (lw *lowerer) lowerIncDec(rip uint64, inst *x86.Inst) bool {
	b := lw.b
	size := inst.OpSize
	a, ok := lw.readOperand(rip, inst, &inst.Dst, size)
	if !ok {
		return false
	}
	one := b.Const(1)
	var r ValueId
	if inst.Op == x86.OpInc {
		r = b.Binary(IR_ADD, a, one)
	} else {
		r = b.Binary(IR_SUB, a, one)
	}
	if size < 64 {
		r = b.Extend(IR_ZEXT, r, size)
	}
	if !lw.writeOperand(rip, inst, &inst.Dst, size, r) {
		return false
	}
	// INC/DEC 保 CF：先留存再恢复
	oldCF := b.ReadFlag(x86.Cond(0x2))
	if inst.Op == x86.OpInc {
		b.UpdateFlags(cpu.LazyAdd, size, a, one, NoValue, r)
	} else {
		b.UpdateFlags(cpu.LazySub, size, a, one, NoValue, r)
	}
	b.SetCF(oldCF)
	return true
}

// lowerShift 只降低常量移位，寄存器移位量留给解释器
func (lw *lowerer) lowerShift(rip uint64, inst *x86.Inst) bool {
	b := lw.b
	if inst.Src.Kind != x86.OperImm {
		return false
	}
	size := inst.OpSize
	count := uint64(inst.Src.Imm)
	if size == 64 {
		count &= 0x3f
	} else {
		count &= 0x1f
	}
	if count == 0 {
		return true
	}
	a, ok := lw.readOperand(rip, inst, &inst.Dst, size)
	if !ok {
		return false
	}

	cv := b.Const(count)
	var r ValueId
	var lastOut ValueId
	switch inst.Op {
	case x86.OpShl:
		r = b.Binary(IR_SHL, a, cv)
		lastOut = b.Binary(IR_AND, b.Binary(IR_SHR, a, b.Const(uint64(size)-count)), b.Const(1))
	case x86.OpShr:
		r = b.Binary(IR_SHR, a, cv)
		lastOut = b.Binary(IR_AND, b.Binary(IR_SHR, a, b.Const(count-1)), b.Const(1))
	default: // SAR
		sa := b.Extend(IR_SEXT, a, size)
		r = b.Binary(IR_SAR, sa, cv)
		lastOut = b.Binary(IR_AND, b.Binary(IR_SHR, a, b.Const(count-1)), b.Const(1))
	}
	if size < 64 {
		r = b.Extend(IR_ZEXT, r, size)
	}
	if !lw.writeOperand(rip, inst, &inst.Dst, size, r) {
		return false
	}
	b.UpdateFlags(cpu.LazyLogic, size, NoValue, NoValue, NoValue, r)
	b.SetCF(lastOut)
	if count == 1 {
		switch inst.Op {
		case x86.OpShl:
			sign := b.Binary(IR_AND, b.Binary(IR_SHR, r, b.Const(uint64(size)-1)), b.Const(1))
			b.SetOF(b.Binary(IR_XOR, sign, lastOut))
		case x86.OpShr:
			b.SetOF(b.Binary(IR_AND, b.Binary(IR_SHR, a, b.Const(uint64(size)-1)), b.Const(1)))
		default:
			b.SetOF(b.Const(0))
		}
	}
	return true
}

// ============================================================================
// 栈与终结
// ============================================================================

func (lw *lowerer) stackMask() uint8 {
	switch lw.mode {
	case cpu.ModeLong:
		return 64
	case cpu.ModeProtected:
		return 32
	default:
		return 16
	}
}

func (lw *lowerer) pushVal(size uint8, v ValueId) {
	b := lw.b
	n := uint64(size / 8)
	sp := b.Binary(IR_SUB, b.ReadReg(cpu.RSP), b.Const(n))
	if w := lw.stackMask(); w < 64 {
		sp = b.Extend(IR_ZEXT, sp, w)
	}
	b.WriteMem(b.Linear(cpu.SegSS, sp), v, size)
	b.WriteReg(cpu.RSP, lw.stackMask(), false, sp)
}

func (lw *lowerer) popVal(size uint8) ValueId {
	b := lw.b
	n := uint64(size / 8)
	sp := b.ReadReg(cpu.RSP)
	if w := lw.stackMask(); w < 64 {
		sp = b.Extend(IR_ZEXT, sp, w)
	}
	v := b.ReadMem(b.Linear(cpu.SegSS, sp), size)
	nsp := b.Binary(IR_ADD, sp, b.Const(n))
	b.WriteReg(cpu.RSP, lw.stackMask(), false, nsp)
	return v
}

// lowerTerminator 降低块尾控制流指令
func (lw *lowerer) lowerTerminator(rip uint64, inst *x86.Inst, blk *BasicBlock) {
	b := lw.b
	next := inst.NextRIP(rip) & lw.mode.IPMask()

	switch inst.Op {
	case x86.OpJmp:
		b.Exit((next + uint64(inst.Src.Imm)) & lw.mode.IPMask())

	case x86.OpJcc:
		cond := b.ReadFlag(inst.Cond)
		b.ExitCond(cond, (next+uint64(inst.Src.Imm))&lw.mode.IPMask(), next)

	case x86.OpCall:
		lw.pushVal(inst.OpSize, b.Const(next))
		b.Exit((next + uint64(inst.Src.Imm)) & lw.mode.IPMask())

	case x86.OpRet:
		b.ExitDyn(lw.popVal(inst.OpSize))

	case x86.OpRetImm:
		v := lw.popVal(inst.OpSize)
		sp := b.Binary(IR_ADD, b.ReadReg(cpu.RSP), b.Const(uint64(inst.Src.Imm)))
		b.WriteReg(cpu.RSP, lw.stackMask(), false, sp)
		b.ExitDyn(v)

	case x86.OpJmpInd:
		v, ok := lw.readOperand(rip, inst, &inst.Src, inst.OpSize)
		if !ok {
			b.Deopt(rip)
			return
		}
		b.ExitDyn(v)

	case x86.OpCallInd:
		v, ok := lw.readOperand(rip, inst, &inst.Src, inst.OpSize)
		if !ok {
			b.Deopt(rip)
			return
		}
		lw.pushVal(inst.OpSize, b.Const(next))
		b.ExitDyn(v)

	default:
		b.Deopt(rip)
	}
}

func maskOfWidth(size uint8) uint64 {
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
