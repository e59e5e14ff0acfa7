// discover.go - 基本块发现
//
// 从入口 RIP 顺序解码，直到命中控制流指令、不支持的编码或
// 资源上限。不支持的编码不算错误：块仍然覆盖它之前解码出的
// 所有指令，执行到块尾后退回解释器。

package jit

import (
	"errors"

	"github.com/tangzhangming/vcore/internal/mem"
	"github.com/tangzhangming/vcore/internal/x86"
)

// BlockEndKind 基本块的终结方式
type BlockEndKind uint8

const (
	EndJmp BlockEndKind = iota
	EndJcc
	EndCall
	EndRet
	EndExitToInterpreter // 不支持的编码，块在它之前截断
	EndLimit             // 资源上限，携带续接 RIP
)

func (k BlockEndKind) String() string {
	switch k {
	case EndJmp:
		return "jmp"
	case EndJcc:
		return "jcc"
	case EndCall:
		return "call"
	case EndRet:
		return "ret"
	case EndExitToInterpreter:
		return "exit_to_interpreter"
	case EndLimit:
		return "limit"
	default:
		return "unknown"
	}
}

// BlockLimits 发现阶段的资源上限
type BlockLimits struct {
	MaxInstructions int
	MaxBytes        int
}

// DefaultBlockLimits 常规块上限
func DefaultBlockLimits() BlockLimits {
	return BlockLimits{MaxInstructions: 64, MaxBytes: 512}
}

// BasicBlock 发现出的基本块
type BasicBlock struct {
	EntryRIP uint64
	Instrs   []x86.Inst
	ByteLen  uint32 // 只计实际会执行的字节，不含尾部未解码指令
	End      BlockEndKind
	// End == EndLimit 时的续接地址；EndJcc 时的落空地址
	NextRIP uint64
	// EndJmp/EndJcc/EndCall 的跳转目标（相对转移可静态算出时）
	Target    uint64
	HasTarget bool
}

// DiscoverBlock 从 entryRIP 解码一个基本块
func DiscoverBlock(bus mem.MemoryBus, entryRIP uint64, limits BlockLimits, bitness uint8) BasicBlock {
	blk := BasicBlock{EntryRIP: entryRIP, End: EndLimit}
	rip := entryRIP

	for {
		if limits.MaxInstructions > 0 && len(blk.Instrs) >= limits.MaxInstructions {
			blk.End = EndLimit
			blk.NextRIP = rip
			return blk
		}

		var buf [x86.MaxInstLen]byte
		n := 0
		for ; n < len(buf); n++ {
			b, err := bus.ReadU8(rip + uint64(n))
			if err != nil {
				break
			}
			buf[n] = b
		}
		if n == 0 {
			blk.End = EndExitToInterpreter
			blk.NextRIP = rip
			return blk
		}

		inst, err := x86.Decode(buf[:n], bitness)
		if err != nil {
			var unsup *x86.ErrUnsupported
			if errors.As(err, &unsup) || errors.Is(err, x86.ErrTruncated) {
				blk.End = EndExitToInterpreter
				blk.NextRIP = rip
				return blk
			}
			blk.End = EndExitToInterpreter
			blk.NextRIP = rip
			return blk
		}
		if limits.MaxBytes > 0 && int(blk.ByteLen)+int(inst.Len) > limits.MaxBytes {
			blk.End = EndLimit
			blk.NextRIP = rip
			return blk
		}

		switch inst.FlowClass() {
		case x86.ClassSequential:
			blk.Instrs = append(blk.Instrs, inst)
			blk.ByteLen += uint32(inst.Len)
			rip += uint64(inst.Len)
			continue

		case x86.ClassJmp, x86.ClassJcc, x86.ClassCall, x86.ClassRet:
			blk.Instrs = append(blk.Instrs, inst)
			blk.ByteLen += uint32(inst.Len)
			blk.NextRIP = rip + uint64(inst.Len)
			switch inst.FlowClass() {
			case x86.ClassJmp:
				blk.End = EndJmp
			case x86.ClassJcc:
				blk.End = EndJcc
			case x86.ClassCall:
				blk.End = EndCall
			default:
				blk.End = EndRet
			}
			if t, ok := inst.BranchTarget(rip); ok {
				blk.Target = t
				blk.HasTarget = true
			}
			return blk

		default: // ClassAssist：HLT/INT/IN/OUT 等留给解释器
			blk.End = EndExitToInterpreter
			blk.NextRIP = rip
			return blk
		}
	}
}
