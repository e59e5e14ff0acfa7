// sse.go - 标量 SSE 指令执行
//
// 只覆盖标量单/双精度运算的子集。故障语义：先判定未屏蔽异常，
// 命中时粘滞位照样置位，但目的寄存器不写、RIP 不推进，由调用方
// 把 #XM 投给客户机重新执行。

package interp

import (
	"math"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/mem"
	"github.com/tangzhangming/vcore/internal/x86"
)

func (ip *Interp) execSSE(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	switch inst.Op {
	case x86.OpMovq:
		return ip.execMovq(st, bus, rip, inst)
	case x86.OpMovss:
		return ip.execMovScalar(st, bus, rip, inst, 32)
	case x86.OpMovsd:
		return ip.execMovScalar(st, bus, rip, inst, 64)
	}

	double := inst.Op == x86.OpAddsd || inst.Op == x86.OpSubsd ||
		inst.Op == x86.OpMulsd || inst.Op == x86.OpDivsd || inst.Op == x86.OpSqrtsd

	var a, b float64
	if double {
		a = math.Float64frombits(st.XMM[inst.Dst.Reg][0])
	} else {
		a = float64(math.Float32frombits(uint32(st.XMM[inst.Dst.Reg][0])))
	}
	var srcBits uint64
	if inst.Src.Kind == x86.OperXmm {
		srcBits = st.XMM[inst.Src.Reg][0]
	} else {
		addr := ip.memAddr(st, rip, inst, inst.Src)
		size := uint8(32)
		if double {
			size = 64
		}
		v, err := readMem(bus, addr, size)
		if err != nil {
			return memFault(addr)
		}
		srcBits = v
	}
	if double {
		b = math.Float64frombits(srcBits)
	} else {
		b = float64(math.Float32frombits(uint32(srcBits)))
	}

	var r float64
	var exc uint32
	switch inst.Op {
	case x86.OpAddss, x86.OpAddsd:
		r = a + b
		exc = arithExceptions(a, b, r, false)
	case x86.OpSubss, x86.OpSubsd:
		r = a - b
		exc = arithExceptions(a, b, r, false)
	case x86.OpMulss, x86.OpMulsd:
		r = a * b
		exc = arithExceptions(a, b, r, false)
	case x86.OpDivss, x86.OpDivsd:
		r = a / b
		exc = arithExceptions(a, b, r, true)
	default: // sqrt
		r = math.Sqrt(b)
		if math.IsNaN(b) || b < 0 {
			exc = cpu.MxcsrIE
		}
	}

	// 粘滞位无条件置位，哪怕随后决定故障
	st.MXCSR |= exc
	if unmasked := exc &^ masksOf(st.MXCSR); unmasked != 0 {
		f := cpu.NewFault(cpu.VecXM)
		return &f
	}

	if double {
		st.XMM[inst.Dst.Reg][0] = math.Float64bits(r)
	} else {
		st.XMM[inst.Dst.Reg][0] = st.XMM[inst.Dst.Reg][0]&^0xffff_ffff | uint64(math.Float32bits(float32(r)))
	}
	return nil
}

// arithExceptions 简化的 IEEE 异常判定
func arithExceptions(a, b, r float64, isDiv bool) uint32 {
	var exc uint32
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		exc |= cpu.MxcsrIE
	case isDiv && b == 0:
		exc |= cpu.MxcsrZE
	case math.IsInf(r, 0) && !math.IsInf(a, 0) && !math.IsInf(b, 0):
		exc |= cpu.MxcsrOE
	}
	if math.IsNaN(r) && !math.IsNaN(a) && !math.IsNaN(b) && !(isDiv && b == 0) {
		exc |= cpu.MxcsrIE // inf-inf、0*inf、0/0、inf/inf
	}
	return exc
}

// masksOf 把 MXCSR 屏蔽域对齐到异常标志域
func masksOf(mxcsr uint32) uint32 {
	return (mxcsr >> 7) & 0x3f
}

func (ip *Interp) execMovq(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst) *cpu.Exception {
	size := inst.OpSize
	if inst.Dst.Kind == x86.OperXmm {
		v, fault := ip.readOperand(st, bus, rip, inst, inst.Src, size)
		if fault != nil {
			return fault
		}
		st.XMM[inst.Dst.Reg][0] = v & maskOf(size)
		st.XMM[inst.Dst.Reg][1] = 0
		return nil
	}
	return ip.writeOperand(st, bus, rip, inst, inst.Dst, size, st.XMM[inst.Src.Reg][0]&maskOf(size))
}

// execMovScalar MOVSS/MOVSD。寄存器-寄存器只动低元素，内存加载清高位。
func (ip *Interp) execMovScalar(st *cpu.CpuState, bus mem.MemoryBus, rip uint64, inst x86.Inst, size uint8) *cpu.Exception {
	if inst.Dst.Kind == x86.OperXmm && inst.Src.Kind == x86.OperXmm {
		v := st.XMM[inst.Src.Reg][0] & maskOf(size)
		st.XMM[inst.Dst.Reg][0] = st.XMM[inst.Dst.Reg][0]&^maskOf(size) | v
		return nil
	}
	if inst.Dst.Kind == x86.OperXmm {
		addr := ip.memAddr(st, rip, inst, inst.Src)
		v, err := readMem(bus, addr, size)
		if err != nil {
			return memFault(addr)
		}
		st.XMM[inst.Dst.Reg][0] = v & maskOf(size)
		st.XMM[inst.Dst.Reg][1] = 0
		return nil
	}
	addr := ip.memAddr(st, rip, inst, inst.Dst)
	if err := writeMem(bus, addr, size, st.XMM[inst.Src.Reg][0]&maskOf(size)); err != nil {
		return memFault(addr)
	}
	return nil
}
