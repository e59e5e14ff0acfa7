// x86.go - 指令与操作数表示
//
// 解码器的输出：规格化的 Inst 结构，供解释器执行和基本块发现使用。
// 只覆盖引擎需要的指令子集，其余编码解码为错误，由上层分类为
// #UD 或退回解释器。

package x86

import "fmt"

// Op 指令操作
type Op uint16

const (
	OpInvalid Op = iota

	// 数据移动
	OpMov
	OpMovzx
	OpMovsx
	OpMovsxd
	OpLea
	OpXchg

	// 算术/逻辑
	OpAdd
	OpAdc
	OpSub
	OpSbb
	OpAnd
	OpOr
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpNeg
	OpNot
	OpShl
	OpShr
	OpSar
	OpMul
	OpImul  // 单操作数形式
	OpImul2 // imul r, r/m
	OpImul3 // imul r, r/m, imm
	OpDiv
	OpIdiv

	// 栈
	OpPush
	OpPop
	OpPushf
	OpPopf

	// 控制流
	OpJmp
	OpJmpInd
	OpJcc
	OpCall
	OpCallInd
	OpRet
	OpRetImm
	OpIret
	OpInt
	OpInt3

	// 杂项
	OpNop
	OpHlt
	OpSti
	OpCli
	OpCld
	OpStd
	OpClc
	OpStc
	OpCmc
	OpSetcc
	OpCmovcc
	OpIn
	OpOut
	OpCbw // CBW/CWDE/CDQE
	OpCwd // CWD/CDQ/CQO

	// SSE 标量
	OpMovq // movq xmm, r/m64 / r/m64, xmm
	OpMovss
	OpMovsd
	OpAddss
	OpAddsd
	OpSubss
	OpSubsd
	OpMulss
	OpMulsd
	OpDivss
	OpDivsd
	OpSqrtss
	OpSqrtsd
)

// Cond x86 条件码（Jcc/SETcc/CMOVcc 的低 4 位）
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xa
	CondNP Cond = 0xb
	CondL  Cond = 0xc
	CondGE Cond = 0xd
	CondLE Cond = 0xe
	CondG  Cond = 0xf
)

var condNames = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (c Cond) String() string { return condNames[c&0xf] }

// OperandKind 操作数类别
type OperandKind uint8

const (
	OperNone OperandKind = iota
	OperReg
	OperXmm
	OperMem
	OperImm
)

// Operand 规格化操作数
type Operand struct {
	Kind OperandKind

	Reg  uint8 // 寄存器号（OperReg/OperXmm）
	High bool  // 8 位高字节视图（AH/CH/DH/BH）

	// 内存操作数：seg:[base + index*scale + disp]，可选 RIP 相对
	Seg    int8
	Base   int8 // -1 表示无
	Index  int8 // -1 表示无
	Scale  uint8
	Disp   int64
	RipRel bool

	Imm int64 // OperImm
}

// Inst 解码后的指令
type Inst struct {
	Op       Op
	Len      uint8
	OpSize   uint8 // 操作数宽度 8/16/32/64
	AddrSize uint8
	Cond     Cond
	Rex      bool // REX 前缀存在（影响 8 位寄存器映射）

	Dst Operand
	Src Operand
}

// Class 控制流类别（基本块发现用）
type Class uint8

const (
	ClassSequential Class = iota
	ClassJmp
	ClassJcc
	ClassCall
	ClassRet
	ClassAssist // HLT/INT/IRET/IN/OUT 等慢路径
)

// FlowClass 返回指令的控制流类别
func (i Inst) FlowClass() Class {
	switch i.Op {
	case OpJmp, OpJmpInd:
		return ClassJmp
	case OpJcc:
		return ClassJcc
	case OpCall, OpCallInd:
		return ClassCall
	case OpRet, OpRetImm, OpIret:
		return ClassRet
	case OpInt, OpInt3, OpHlt, OpIn, OpOut, OpSti, OpCli, OpPushf, OpPopf:
		return ClassAssist
	default:
		return ClassSequential
	}
}

// BranchTarget 相对跳转的目标地址（rip 为本指令起始地址）
func (i Inst) BranchTarget(rip uint64) (uint64, bool) {
	switch i.Op {
	case OpJmp, OpJcc, OpCall:
		return rip + uint64(i.Len) + uint64(i.Src.Imm), true
	default:
		return 0, false
	}
}

// NextRIP 顺序执行的下一条指令地址
func (i Inst) NextRIP(rip uint64) uint64 { return rip + uint64(i.Len) }

func (i Inst) String() string {
	if i.Op == OpJcc {
		return fmt.Sprintf("j%s rel=%d len=%d", i.Cond, i.Src.Imm, i.Len)
	}
	return fmt.Sprintf("op=%d size=%d len=%d", i.Op, i.OpSize, i.Len)
}
