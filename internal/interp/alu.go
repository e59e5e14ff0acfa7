// alu.go - 整数算术指令执行
//
// 双操作数 ALU 指令把操作数原样存入惰性标志位记录，标志位推迟到
// 真正被读取时再算。移位与乘除的标志位语义没有统一公式，这里
// 按位宽直接落盘。

package interp

import (
	"math/bits"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/mem"
	"github.com/tangzhangming/vcore/internal/x86"
)

func (ip *Interp) execALU(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	size := inst.OpSize
	a, fault := ip.readOperand(st, bus, rip, inst, inst.Dst, size)
	if fault != nil {
		return fault
	}
	b, fault := ip.readOperand(st, bus, rip, inst, inst.Src, size)
	if fault != nil {
		return fault
	}
	m := maskOf(size)

	var result uint64
	var lazy cpu.LazyFlags
	writeBack := true

	switch inst.Op {
	case x86.OpAdd:
		result = (a + b) & m
		lazy = cpu.ForAdd(size, a, b, result)
	case x86.OpAdc:
		c := boolBit(st.GetFlag(cpu.FlagCF))
		result = (a + b + c) & m
		lazy = cpu.ForAdc(size, a, b, c, result)
	case x86.OpSub:
		result = (a - b) & m
		lazy = cpu.ForSub(size, a, b, result)
	case x86.OpSbb:
		c := boolBit(st.GetFlag(cpu.FlagCF))
		result = (a - b - c) & m
		lazy = cpu.ForSbb(size, a, b, c, result)
	case x86.OpCmp:
		result = (a - b) & m
		lazy = cpu.ForSub(size, a, b, result)
		writeBack = false
	case x86.OpAnd:
		result = a & b
		lazy = cpu.ForLogic(size, result)
	case x86.OpOr:
		result = a | b
		lazy = cpu.ForLogic(size, result)
	case x86.OpXor:
		result = a ^ b
		lazy = cpu.ForLogic(size, result)
	case x86.OpTest:
		result = a & b
		lazy = cpu.ForLogic(size, result)
		writeBack = false
	}

	if writeBack {
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, size, result); fault != nil {
			return fault
		}
	}
	st.Lazy = lazy
	return nil
}

// execUnary INC/DEC/NEG/NOT。INC/DEC 保留 CF。
func (ip *Interp) execUnary(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	size := inst.OpSize
	a, fault := ip.readOperand(st, bus, rip, inst, inst.Dst, size)
	if fault != nil {
		return fault
	}
	m := maskOf(size)

	switch inst.Op {
	case x86.OpNot:
		return ip.writeOperand(st, bus, rip, inst, inst.Dst, size, ^a&m)
	case x86.OpNeg:
		result := (-a) & m
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, size, result); fault != nil {
			return fault
		}
		st.Lazy = cpu.ForSub(size, 0, a, result)
		return nil
	case x86.OpInc:
		result := (a + 1) & m
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, size, result); fault != nil {
			return fault
		}
		oldCF := st.GetFlag(cpu.FlagCF)
		st.Lazy = cpu.ForAdd(size, a, 1, result)
		st.SetFlag(cpu.FlagCF, oldCF)
		return nil
	default: // OpDec
		result := (a - 1) & m
		if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, size, result); fault != nil {
			return fault
		}
		oldCF := st.GetFlag(cpu.FlagCF)
		st.Lazy = cpu.ForSub(size, a, 1, result)
		st.SetFlag(cpu.FlagCF, oldCF)
		return nil
	}
}

// execShift SHL/SHR/SAR。移位量按宽度取模，为零时不动任何标志位。
func (ip *Interp) execShift(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	size := inst.OpSize
	a, fault := ip.readOperand(st, bus, rip, inst, inst.Dst, size)
	if fault != nil {
		return fault
	}
	count, fault := ip.readOperand(st, bus, rip, inst, inst.Src, 8)
	if fault != nil {
		return fault
	}
	if size == 64 {
		count &= 0x3f
	} else {
		count &= 0x1f
	}
	if count == 0 {
		return nil
	}
	m := maskOf(size)

	var result uint64
	var lastOut bool
	switch inst.Op {
	case x86.OpShl:
		result = (a << count) & m
		lastOut = (a>>(uint64(size)-count))&1 != 0
	case x86.OpShr:
		result = (a & m) >> count
		lastOut = (a>>(count-1))&1 != 0
	default: // OpSar
		sa := int64(signExtend(a, size))
		result = uint64(sa>>count) & m
		lastOut = (a>>(count-1))&1 != 0
	}
	if fault := ip.writeOperand(st, bus, rip, inst, inst.Dst, size, result); fault != nil {
		return fault
	}

	st.Lazy = cpu.ForLogic(size, result)
	st.SetFlag(cpu.FlagCF, lastOut)
	if count == 1 {
		switch inst.Op {
		case x86.OpShl:
			st.SetFlag(cpu.FlagOF, (result&signBit(size) != 0) != lastOut)
		case x86.OpShr:
			st.SetFlag(cpu.FlagOF, a&signBit(size) != 0)
		default:
			st.SetFlag(cpu.FlagOF, false)
		}
	}
	return nil
}

// execMulDiv 单操作数 MUL/IMUL/DIV/IDIV（隐式 rAX/rDX）
func (ip *Interp) execMulDiv(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	size := inst.OpSize
	src, fault := ip.readOperand(st, bus, rip, inst, inst.Src, size)
	if fault != nil {
		return fault
	}

	switch inst.Op {
	case x86.OpMul:
		a := st.ReadReg(cpu.RAX, size, false)
		lo, hi := wideMulU(a, src, size)
		writeMulResult(st, size, lo, hi)
		overflow := hi != 0
		st.Lazy = cpu.ForLogic(size, lo)
		st.SetFlag(cpu.FlagCF, overflow)
		st.SetFlag(cpu.FlagOF, overflow)
		return nil

	case x86.OpImul:
		a := st.ReadReg(cpu.RAX, size, false)
		lo, hi := wideMulS(a, src, size)
		writeMulResult(st, size, lo, hi)
		// 高半部分是低半部分的符号扩展时未溢出
		var sext uint64
		if lo&signBit(size) != 0 {
			sext = maskOf(size)
		}
		overflow := hi != sext
		st.Lazy = cpu.ForLogic(size, lo)
		st.SetFlag(cpu.FlagCF, overflow)
		st.SetFlag(cpu.FlagOF, overflow)
		return nil

	case x86.OpDiv:
		lo := st.ReadReg(cpu.RAX, size, false)
		hi := st.ReadReg(cpu.RDX, size, false)
		q, r, ok := wideDivU(hi, lo, src, size)
		if !ok {
			f := cpu.NewFault(cpu.VecDE)
			return &f
		}
		st.WriteReg(cpu.RAX, size, false, q)
		st.WriteReg(cpu.RDX, size, false, r)
		return nil

	default: // OpIdiv
		lo := st.ReadReg(cpu.RAX, size, false)
		hi := st.ReadReg(cpu.RDX, size, false)
		q, r, ok := wideDivS(hi, lo, src, size)
		if !ok {
			f := cpu.NewFault(cpu.VecDE)
			return &f
		}
		st.WriteReg(cpu.RAX, size, false, q)
		st.WriteReg(cpu.RDX, size, false, r)
		return nil
	}
}

// execImulWide 双/三操作数 IMUL，只保留低半结果
func (ip *Interp) execImulWide(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	size := inst.OpSize
	b, fault := ip.readOperand(st, bus, rip, inst, inst.Src, size)
	if fault != nil {
		return fault
	}
	var a uint64
	if inst.Op == x86.OpImul3 {
		a = b
		b = uint64(inst.Src.Imm) & maskOf(size)
	} else {
		a = st.ReadReg(inst.Dst.Reg, size, false)
	}
	lo, hi := wideMulS(a, b, size)
	st.WriteReg(inst.Dst.Reg, size, false, lo)

	var sext uint64
	if lo&signBit(size) != 0 {
		sext = maskOf(size)
	}
	overflow := hi != sext
	st.Lazy = cpu.ForLogic(size, lo)
	st.SetFlag(cpu.FlagCF, overflow)
	st.SetFlag(cpu.FlagOF, overflow)
	return nil
}

// ============================================================================
// 宽乘除
// ============================================================================

func wideMulU(a, b uint64, size uint8) (lo, hi uint64) {
	if size == 64 {
		hi, lo = bits.Mul64(a, b)
		return lo, hi
	}
	p := (a & maskOf(size)) * (b & maskOf(size))
	return p & maskOf(size), (p >> uint(size)) & maskOf(size)
}

func wideMulS(a, b uint64, size uint8) (lo, hi uint64) {
	if size == 64 {
		sa, sb := int64(a), int64(b)
		uhi, ulo := bits.Mul64(a, b)
		// 有符号修正：负操作数把对方整体计入高位
		if sa < 0 {
			uhi -= b
		}
		if sb < 0 {
			uhi -= a
		}
		return ulo, uhi
	}
	p := int64(signExtend(a, size)) * int64(signExtend(b, size))
	return uint64(p) & maskOf(size), uint64(p>>uint(size)) & maskOf(size)
}

func wideDivU(hi, lo, d uint64, size uint8) (q, r uint64, ok bool) {
	if d == 0 {
		return 0, 0, false
	}
	if size == 64 {
		if hi >= d {
			return 0, 0, false // 商溢出
		}
		q, r = bits.Div64(hi, lo, d)
		return q, r, true
	}
	n := hi<<uint(size) | (lo & maskOf(size))
	q = n / d
	if q > maskOf(size) {
		return 0, 0, false
	}
	return q, n % d, true
}

func wideDivS(hi, lo, d uint64, size uint8) (q, r uint64, ok bool) {
	sd := int64(signExtend(d, size))
	if sd == 0 {
		return 0, 0, false
	}
	if size == 64 {
		// 128 位有符号被除数只支持落在 64 位范围内的情形
		sext := uint64(0)
		if lo&signBit(64) != 0 {
			sext = ^uint64(0)
		}
		if hi != sext {
			return 0, 0, false
		}
		n := int64(lo)
		if n == -1<<63 && sd == -1 {
			return 0, 0, false
		}
		return uint64(n / sd), uint64(n % sd), true
	}
	n := int64(hi<<uint(size)|(lo&maskOf(size))) << (64 - 2*uint(size)) >> (64 - 2*uint(size))
	sq := n / sd
	sr := n % sd
	limit := int64(1) << (uint(size) - 1)
	if sq >= limit || sq < -limit {
		return 0, 0, false
	}
	return uint64(sq) & maskOf(size), uint64(sr) & maskOf(size), true
}

func writeMulResult(st *cpu.CpuState, size uint8, lo, hi uint64) {
	if size == 8 {
		// AX = AL * src
		st.WriteReg(cpu.RAX, 16, false, lo&0xff|hi<<8)
		return
	}
	st.WriteReg(cpu.RAX, size, false, lo)
	st.WriteReg(cpu.RDX, size, false, hi)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
