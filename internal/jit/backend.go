// backend.go - 执行后端
//
// 编译单元经寄存器分配后值编号已映射为紧凑槽位，由可移植后端
// 用一块复用的槽位数组求值。后端按派发表下标取单元，执行结果
// 报告下一个 RIP 以及是否要求退回解释器。
//
// 内存故障不产生架构效果：RIP 停在最近一次提交的指令边界，
// 退回解释器重放即可得到正确的客户机异常。

package jit

import (
	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/mem"
)

// CompiledUnit 一个可执行的编译单元
type CompiledUnit struct {
	EntryRIP uint64
	Instrs   []IRInstr // 槽位化之后的 IR
	NumSlots int
	Tier     uint8
}

// BlockExit 编译单元的执行结果
type BlockExit struct {
	NextRIP           uint64
	ExitToInterpreter bool
}

// ExecutionBackend 后端派发接口
type ExecutionBackend interface {
	Execute(st *cpu.CpuState, bus mem.MemoryBus, unit *CompiledUnit) BlockExit
}

// PortableBackend 槽位求值后端
type PortableBackend struct {
	slots []uint64 // 跨次执行复用
}

// NewPortableBackend 创建后端
func NewPortableBackend() *PortableBackend {
	return &PortableBackend{}
}

// Execute 求值一个编译单元
func (pb *PortableBackend) Execute(st *cpu.CpuState, bus mem.MemoryBus, unit *CompiledUnit) BlockExit {
	if cap(pb.slots) < unit.NumSlots {
		pb.slots = make([]uint64, unit.NumSlots)
	}
	s := pb.slots[:unit.NumSlots]

	val := func(id ValueId) uint64 {
		if id == NoValue {
			return 0
		}
		return s[id]
	}

	for i := range unit.Instrs {
		in := &unit.Instrs[i]
		switch in.Op {
		case IR_NOP:

		case IR_CONST:
			s[in.Dst] = uint64(in.Imm)

		case IR_READ_REG:
			s[in.Dst] = st.GPR[in.Reg]

		case IR_WRITE_REG:
			st.WriteReg(uint8(in.Reg), in.Width, in.High, val(in.A))

		case IR_READ_FLAG:
			if st.ConditionMet(uint8(in.CC)) {
				s[in.Dst] = 1
			} else {
				s[in.Dst] = 0
			}

		case IR_LINEAR:
			s[in.Dst] = st.LinearAddr(in.Reg, val(in.A))

		case IR_READ_MEM:
			v, err := busRead(bus, val(in.A), in.Width)
			if err != nil {
				return BlockExit{NextRIP: st.RIP, ExitToInterpreter: true}
			}
			s[in.Dst] = v

		case IR_WRITE_MEM:
			if err := busWrite(bus, val(in.A), in.Width, val(in.B)); err != nil {
				return BlockExit{NextRIP: st.RIP, ExitToInterpreter: true}
			}

		case IR_ADD:
			s[in.Dst] = val(in.A) + val(in.B)
		case IR_SUB:
			s[in.Dst] = val(in.A) - val(in.B)
		case IR_AND:
			s[in.Dst] = val(in.A) & val(in.B)
		case IR_OR:
			s[in.Dst] = val(in.A) | val(in.B)
		case IR_XOR:
			s[in.Dst] = val(in.A) ^ val(in.B)
		case IR_SHL:
			s[in.Dst] = val(in.A) << (val(in.B) & 0x3f)
		case IR_SHR:
			s[in.Dst] = val(in.A) >> (val(in.B) & 0x3f)
		case IR_SAR:
			s[in.Dst] = uint64(int64(val(in.A)) >> (val(in.B) & 0x3f))
		case IR_MUL:
			s[in.Dst] = val(in.A) * val(in.B)
		case IR_NOT:
			s[in.Dst] = ^val(in.A)
		case IR_NEG:
			s[in.Dst] = -val(in.A)

		case IR_SELECT:
			if val(in.A) != 0 {
				s[in.Dst] = val(in.B)
			} else {
				s[in.Dst] = s[ValueId(in.Imm)]
			}

		case IR_SEXT:
			s[in.Dst] = sext(val(in.A), in.Width)
		case IR_ZEXT:
			s[in.Dst] = val(in.A) & maskOfWidth(in.Width)

		case IR_UPDATE_FLAGS:
			st.Lazy = cpu.LazyFlags{
				Op:       in.FlagOp,
				SizeBits: in.Width,
				Op1:      val(in.A),
				Op2:      val(in.B),
				CarryIn:  val(in.Carry),
				Result:   s[ValueId(in.Imm)],
			}

		case IR_SET_CF:
			st.SetFlag(cpu.FlagCF, val(in.A) != 0)
		case IR_SET_OF:
			st.SetFlag(cpu.FlagOF, val(in.A) != 0)

		case IR_COMMIT_RIP:
			st.RIP = uint64(in.Imm)

		case IR_GUARD:
			// 守卫失败走侧出：NextRIP 指向未覆盖路径，状态在指令
			// 边界上是一致的，不需要退回解释器
			if val(in.A) != uint64(in.Imm2) {
				st.RIP = uint64(in.Imm)
				return BlockExit{NextRIP: uint64(in.Imm)}
			}

		case IR_EXIT:
			st.RIP = uint64(in.Imm)
			return BlockExit{NextRIP: uint64(in.Imm)}

		case IR_EXIT_DYN:
			t := val(in.A) & st.Mode.IPMask()
			st.RIP = t
			return BlockExit{NextRIP: t}

		case IR_EXIT_COND:
			var t uint64
			if val(in.A) != 0 {
				t = uint64(in.Imm)
			} else {
				t = uint64(in.Imm2)
			}
			st.RIP = t
			return BlockExit{NextRIP: t}

		case IR_DEOPT:
			st.RIP = uint64(in.Imm)
			return BlockExit{NextRIP: uint64(in.Imm), ExitToInterpreter: true}
		}
	}

	// 验证器保证不可达：单元必以终结指令收尾
	return BlockExit{NextRIP: st.RIP, ExitToInterpreter: true}
}

func busRead(bus mem.MemoryBus, addr uint64, width uint8) (uint64, error) {
	switch width {
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

func busWrite(bus mem.MemoryBus, addr uint64, width uint8, v uint64) error {
	switch width {
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

func sext(v uint64, width uint8) uint64 {
	switch width {
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
