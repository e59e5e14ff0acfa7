// ir.go - 可移植 IR 定义
//
// Tier-1 和 Tier-2 共用的值编号中间表示。每条指令最多定义一个
// 值（Dst），使用至多两个值（A、B）。ValueId 在整个函数/踪迹
// 构建过程内单调分配，保证全局唯一，不需要重命名阶段。
//
// 每条客户机指令降低后的效果顺序固定：先读内存，再写内存，再写
// 寄存器，再更新标志位，最后提交 RIP。内存故障发生时 RIP 仍停
// 在该客户机指令起点，退回解释器重放即可得到正确的架构异常。

package jit

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/x86"
)

// ValueId IR 值编号
type ValueId uint32

// NoValue 无值占位
const NoValue ValueId = ^ValueId(0)

// IROp IR 操作码
type IROp int

const (
	IR_NOP IROp = iota

	// 常量与状态访问
	IR_CONST     // Dst = Imm
	IR_READ_REG  // Dst = gpr[Reg]（完整 64 位）
	IR_WRITE_REG // gpr[Reg] <- A，按 Width 写入
	IR_READ_FLAG // Dst = 条件码 CC 求值结果（0/1）

	// 内存访问（地址是一个值）
	IR_LINEAR    // Dst = 段 Reg 的线性地址（基址 + A，含 A20 掩码）
	IR_READ_MEM  // Dst = mem[A]，宽度 Width
	IR_WRITE_MEM // mem[A] <- B，宽度 Width

	// 算术与逻辑（64 位运算，窄宽度在写回与标志位处收口）
	IR_ADD
	IR_SUB
	IR_AND
	IR_OR
	IR_XOR
	IR_SHL
	IR_SHR
	IR_SAR
	IR_MUL
	IR_NOT    // Dst = ^A
	IR_NEG    // Dst = -A
	IR_SELECT // Dst = A != 0 ? B : Imm 指向的值（CMOV 用，Imm 存第三值编号）
	IR_SEXT   // Dst = 符号扩展 A，源宽度 Width
	IR_ZEXT   // Dst = 零扩展 A，源宽度 Width

	// 标志位
	IR_UPDATE_FLAGS // 惰性记录：FlagOp/Width/op1=A/op2=B/result=Imm 指向的值
	IR_SET_CF       // CF <- A != 0（INC/DEC 保 CF、移位用）
	IR_SET_OF       // OF <- A != 0

	// 控制
	IR_COMMIT_RIP // state.RIP = Imm（指令边界提交）
	IR_GUARD      // 踪迹守卫：A == Imm2 不成立则以 NextRIP=Imm 侧出
	IR_EXIT       // 终结：NextRIP = Imm
	IR_EXIT_DYN   // 终结：NextRIP = A（RET/间接转移）
	IR_EXIT_COND  // 终结：A != 0 则 NextRIP=Imm 否则 NextRIP=Imm2
	IR_DEOPT      // 终结：NextRIP = Imm 且要求退回解释器
)

var irOpNames = map[IROp]string{
	IR_NOP:          "nop",
	IR_CONST:        "const",
	IR_READ_REG:     "read_reg",
	IR_WRITE_REG:    "write_reg",
	IR_READ_FLAG:    "read_flag",
	IR_LINEAR:       "linear",
	IR_READ_MEM:     "read_mem",
	IR_WRITE_MEM:    "write_mem",
	IR_ADD:          "add",
	IR_SUB:          "sub",
	IR_AND:          "and",
	IR_OR:           "or",
	IR_XOR:          "xor",
	IR_SHL:          "shl",
	IR_SHR:          "shr",
	IR_SAR:          "sar",
	IR_MUL:          "mul",
	IR_NOT:          "not",
	IR_NEG:          "neg",
	IR_SELECT:       "select",
	IR_SEXT:         "sext",
	IR_ZEXT:         "zext",
	IR_UPDATE_FLAGS: "update_flags",
	IR_SET_CF:       "set_cf",
	IR_SET_OF:       "set_of",
	IR_COMMIT_RIP:   "commit_rip",
	IR_GUARD:        "guard",
	IR_EXIT:         "exit",
	IR_EXIT_DYN:     "exit_dyn",
	IR_EXIT_COND:    "exit_cond",
	IR_DEOPT:        "deopt",
}

func (op IROp) String() string {
	if s, ok := irOpNames[op]; ok {
		return s
	}
	return fmt.Sprintf("irop(%d)", int(op))
}

// IsTerminator 是否为终结指令
func (op IROp) IsTerminator() bool {
	switch op {
	case IR_EXIT, IR_EXIT_DYN, IR_EXIT_COND, IR_DEOPT:
		return true
	}
	return false
}

// IRInstr 一条 IR 指令
type IRInstr struct {
	Op     IROp
	Dst    ValueId // 无定义时 NoValue
	A, B   ValueId // 未用时 NoValue
	Imm    int64
	Imm2   int64
	Width  uint8      // 访存/写回/标志位宽度
	Reg    int        // 寄存器编号
	High   bool       // AH 族寄存器视图
	FlagOp cpu.LazyOp // IR_UPDATE_FLAGS 用
	Carry  ValueId    // ADC/SBB 进位输入值，未用时 NoValue
	CC     x86.Cond   // IR_READ_FLAG 用
}

// Uses 返回本指令使用的全部值
func (in *IRInstr) Uses() []ValueId {
	var uses []ValueId
	for _, v := range [...]ValueId{in.A, in.B, in.Carry} {
		if v != NoValue {
			uses = append(uses, v)
		}
	}
	// SELECT/UPDATE_FLAGS 把第三个值塞在 Imm 里
	if in.Op == IR_SELECT || in.Op == IR_UPDATE_FLAGS {
		uses = append(uses, ValueId(in.Imm))
	}
	return uses
}

func (in *IRInstr) String() string {
	var sb strings.Builder
	if in.Dst != NoValue {
		fmt.Fprintf(&sb, "v%d = ", in.Dst)
	}
	sb.WriteString(in.Op.String())
	if in.A != NoValue {
		fmt.Fprintf(&sb, " v%d", in.A)
	}
	if in.B != NoValue {
		fmt.Fprintf(&sb, ", v%d", in.B)
	}
	switch in.Op {
	case IR_CONST, IR_COMMIT_RIP, IR_EXIT, IR_DEOPT:
		fmt.Fprintf(&sb, " #%#x", uint64(in.Imm))
	case IR_READ_REG, IR_WRITE_REG:
		fmt.Fprintf(&sb, " r%d/%d", in.Reg, in.Width)
	case IR_READ_FLAG:
		fmt.Fprintf(&sb, " %s", in.CC)
	}
	return sb.String()
}

// IRBuilder 分配值编号并追加指令。编号从给定基点单调增长，
// 跨块共享一个 builder 即可保证整个踪迹内全局唯一。
type IRBuilder struct {
	Instrs []IRInstr
	next   ValueId
}

// NewIRBuilder 从 base 开始分配值编号
func NewIRBuilder(base ValueId) *IRBuilder {
	return &IRBuilder{next: base}
}

// NextValue 当前分配水位
func (b *IRBuilder) NextValue() ValueId { return b.next }

func (b *IRBuilder) newValue() ValueId {
	v := b.next
	b.next++
	return v
}

func (b *IRBuilder) emit(in IRInstr) ValueId {
	b.Instrs = append(b.Instrs, in)
	return in.Dst
}

// Const 常量值
func (b *IRBuilder) Const(v uint64) ValueId {
	return b.emit(IRInstr{Op: IR_CONST, Dst: b.newValue(), A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(v)})
}

// ReadReg 读通用寄存器
func (b *IRBuilder) ReadReg(reg int) ValueId {
	return b.emit(IRInstr{Op: IR_READ_REG, Dst: b.newValue(), A: NoValue, B: NoValue, Carry: NoValue, Reg: reg})
}

// WriteReg 写通用寄存器
func (b *IRBuilder) WriteReg(reg int, width uint8, high bool, src ValueId) {
	b.emit(IRInstr{Op: IR_WRITE_REG, Dst: NoValue, A: src, B: NoValue, Carry: NoValue, Reg: reg, Width: width, High: high})
}

// ReadFlag 条件码求值
func (b *IRBuilder) ReadFlag(cc x86.Cond) ValueId {
	return b.emit(IRInstr{Op: IR_READ_FLAG, Dst: b.newValue(), A: NoValue, B: NoValue, Carry: NoValue, CC: cc})
}

// Linear 段内偏移换算线性地址
func (b *IRBuilder) Linear(seg int, offset ValueId) ValueId {
	return b.emit(IRInstr{Op: IR_LINEAR, Dst: b.newValue(), A: offset, B: NoValue, Carry: NoValue, Reg: seg})
}

// ReadMem 读内存
func (b *IRBuilder) ReadMem(addr ValueId, width uint8) ValueId {
	return b.emit(IRInstr{Op: IR_READ_MEM, Dst: b.newValue(), A: addr, B: NoValue, Carry: NoValue, Width: width})
}

// WriteMem 写内存
func (b *IRBuilder) WriteMem(addr, src ValueId, width uint8) {
	b.emit(IRInstr{Op: IR_WRITE_MEM, Dst: NoValue, A: addr, B: src, Carry: NoValue, Width: width})
}

// Binary 二元运算
func (b *IRBuilder) Binary(op IROp, a, v ValueId) ValueId {
	return b.emit(IRInstr{Op: op, Dst: b.newValue(), A: a, B: v, Carry: NoValue})
}

// Select 条件选择：cond != 0 取 ifTrue，否则取 ifFalse
func (b *IRBuilder) Select(cond, ifTrue, ifFalse ValueId) ValueId {
	return b.emit(IRInstr{Op: IR_SELECT, Dst: b.newValue(), A: cond, B: ifTrue, Carry: NoValue, Imm: int64(ifFalse)})
}

// Unary 一元运算
func (b *IRBuilder) Unary(op IROp, a ValueId) ValueId {
	return b.emit(IRInstr{Op: op, Dst: b.newValue(), A: a, B: NoValue, Carry: NoValue})
}

// Extend 宽度扩展
func (b *IRBuilder) Extend(op IROp, a ValueId, srcWidth uint8) ValueId {
	return b.emit(IRInstr{Op: op, Dst: b.newValue(), A: a, B: NoValue, Carry: NoValue, Width: srcWidth})
}

// UpdateFlags 写入惰性标志位记录
func (b *IRBuilder) UpdateFlags(op cpu.LazyOp, width uint8, op1, op2, carry, result ValueId) {
	b.emit(IRInstr{Op: IR_UPDATE_FLAGS, Dst: NoValue, A: op1, B: op2, Carry: carry, FlagOp: op, Width: width, Imm: int64(result)})
}

// SetCF 直接写 CF
func (b *IRBuilder) SetCF(v ValueId) {
	b.emit(IRInstr{Op: IR_SET_CF, Dst: NoValue, A: v, B: NoValue, Carry: NoValue})
}

// SetOF 直接写 OF
func (b *IRBuilder) SetOF(v ValueId) {
	b.emit(IRInstr{Op: IR_SET_OF, Dst: NoValue, A: v, B: NoValue, Carry: NoValue})
}

// CommitRIP 指令边界提交 RIP
func (b *IRBuilder) CommitRIP(rip uint64) {
	b.emit(IRInstr{Op: IR_COMMIT_RIP, Dst: NoValue, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(rip)})
}

// Guard 踪迹守卫：cond 的值必须等于 expected，否则以 exitRIP 侧出
func (b *IRBuilder) Guard(cond ValueId, expected uint64, exitRIP uint64) {
	b.emit(IRInstr{Op: IR_GUARD, Dst: NoValue, A: cond, B: NoValue, Carry: NoValue, Imm: int64(exitRIP), Imm2: int64(expected)})
}

// Exit 静态终结
func (b *IRBuilder) Exit(nextRIP uint64) {
	b.emit(IRInstr{Op: IR_EXIT, Dst: NoValue, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(nextRIP)})
}

// ExitDyn 动态终结
func (b *IRBuilder) ExitDyn(target ValueId) {
	b.emit(IRInstr{Op: IR_EXIT_DYN, Dst: NoValue, A: target, B: NoValue, Carry: NoValue})
}

// ExitCond 条件终结
func (b *IRBuilder) ExitCond(cond ValueId, taken, fallthrough_ uint64) {
	b.emit(IRInstr{Op: IR_EXIT_COND, Dst: NoValue, A: cond, B: NoValue, Carry: NoValue, Imm: int64(taken), Imm2: int64(fallthrough_)})
}

// Deopt 退回解释器
func (b *IRBuilder) Deopt(rip uint64) {
	b.emit(IRInstr{Op: IR_DEOPT, Dst: NoValue, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(rip)})
}

// Dump 打印 IR，调试用
func Dump(instrs []IRInstr) string {
	var sb strings.Builder
	for i := range instrs {
		fmt.Fprintf(&sb, "%4d  %s\n", i, instrs[i].String())
	}
	return sb.String()
}
