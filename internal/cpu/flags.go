// flags.go - 惰性标志位单元
//
// x86 的大多数 ALU 指令都会更新 RFLAGS，但绝大部分标志位在被下一条
// 指令覆盖前从未被读取。惰性标志位只记录最后一次 ALU 运算的输入和
// 结果，在真正查询某个标志位时才按需计算。

package cpu

import (
	"fmt"
	"math/bits"
)

// LazyOp 最后一次 ALU 运算的类别
type LazyOp uint8

const (
	LazyNone LazyOp = iota // 无待计算运算（标志位以 RFLAGS 为准）
	LazyAdd
	LazyAdc
	LazySub
	LazySbb
	LazyLogic
)

// LazyFlags 惰性标志位快照
//
// 记录运算类别、操作数宽度、两个原始操作数、进位输入和原始结果。
// 所有计算都先按 SizeBits 掩码后再进行。
type LazyFlags struct {
	Op       LazyOp
	SizeBits uint8 // 8/16/32/64
	Op1      uint64
	Op2      uint64
	CarryIn  uint64 // 0 或 1，仅 Adc/Sbb 使用
	Result   uint64
}

// ForAdd 记录一次加法
func ForAdd(size uint8, a, b, result uint64) LazyFlags {
	return LazyFlags{Op: LazyAdd, SizeBits: size, Op1: a, Op2: b, Result: result}
}

// ForAdc 记录一次带进位加法
func ForAdc(size uint8, a, b, carry, result uint64) LazyFlags {
	return LazyFlags{Op: LazyAdc, SizeBits: size, Op1: a, Op2: b, CarryIn: carry, Result: result}
}

// ForSub 记录一次减法
func ForSub(size uint8, a, b, result uint64) LazyFlags {
	return LazyFlags{Op: LazySub, SizeBits: size, Op1: a, Op2: b, Result: result}
}

// ForSbb 记录一次带借位减法
func ForSbb(size uint8, a, b, borrow, result uint64) LazyFlags {
	return LazyFlags{Op: LazySbb, SizeBits: size, Op1: a, Op2: b, CarryIn: borrow, Result: result}
}

// ForLogic 记录一次逻辑运算（AND/OR/XOR/TEST）
func ForLogic(size uint8, result uint64) LazyFlags {
	return LazyFlags{Op: LazyLogic, SizeBits: size, Result: result}
}

// maskFor 返回指定宽度的掩码。宽度非法属于内部错误，直接 panic。
func maskFor(size uint8) uint64 {
	switch size {
	case 8:
		return 0xff
	case 16:
		return 0xffff
	case 32:
		return 0xffff_ffff
	case 64:
		return ^uint64(0)
	default:
		panic(fmt.Sprintf("lazy flags: unsupported operand width %d", size))
	}
}

// signBitFor 返回指定宽度的符号位
func signBitFor(size uint8) uint64 {
	return 1 << (uint(size) - 1)
}

// CF 进位/借位标志
func (f *LazyFlags) CF() bool {
	mask := maskFor(f.SizeBits)
	a := f.Op1 & mask
	b := f.Op2 & mask
	switch f.Op {
	case LazyAdd, LazyAdc:
		if f.SizeBits < 64 {
			return a+b+f.CarryIn > mask
		}
		s, c1 := bits.Add64(a, b, 0)
		_, c2 := bits.Add64(s, f.CarryIn, 0)
		return c1|c2 != 0
	case LazySub, LazySbb:
		if f.CarryIn != 0 {
			return b >= a
		}
		return b > a
	default:
		return false
	}
}

// OF 有符号溢出标志
func (f *LazyFlags) OF() bool {
	mask := maskFor(f.SizeBits)
	sign := signBitFor(f.SizeBits)
	a := f.Op1 & mask
	b := f.Op2 & mask
	r := f.Result & mask
	switch f.Op {
	case LazyAdd, LazyAdc:
		return (a^r)&(b^r)&sign != 0
	case LazySub, LazySbb:
		return (a^b)&(a^r)&sign != 0
	default:
		return false
	}
}

// AF 辅助进位标志（bit 3 向 bit 4 的进位/借位）
func (f *LazyFlags) AF() bool {
	switch f.Op {
	case LazyAdd, LazyAdc, LazySub, LazySbb:
		return (f.Op1^f.Op2^f.Result)&0x10 != 0
	default:
		return false
	}
}

// ZF 零标志
func (f *LazyFlags) ZF() bool {
	return f.Result&maskFor(f.SizeBits) == 0
}

// SF 符号标志
func (f *LazyFlags) SF() bool {
	return f.Result&signBitFor(f.SizeBits) != 0
}

// PF 奇偶标志（结果低 8 位 1 的个数为偶数）
func (f *LazyFlags) PF() bool {
	return bits.OnesCount8(uint8(f.Result))%2 == 0
}

// Materialize 把惰性标志位展开为 RFLAGS 位集合
func (f *LazyFlags) Materialize() uint64 {
	var out uint64
	if f.CF() {
		out |= FlagCF
	}
	if f.PF() {
		out |= FlagPF
	}
	if f.AF() {
		out |= FlagAF
	}
	if f.ZF() {
		out |= FlagZF
	}
	if f.SF() {
		out |= FlagSF
	}
	if f.OF() {
		out |= FlagOF
	}
	return out
}
