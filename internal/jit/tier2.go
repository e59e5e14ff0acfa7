// tier2.go - Tier-2 踪迹编译器
//
// 把踪迹降低为一段直线 IR：踪迹内部的条件跳转变成守卫，守卫
// 失败从未覆盖的那条边侧出；末块保留完整终结语义。循环踪迹以
// 回到入口的静态终结收尾，由运行时重新派发闭合循环。

package jit

import (
	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/x86"
)

// Tier2Compiler 踪迹到 IR 的降低器
type Tier2Compiler struct {
	mode cpu.Mode
}

// NewTier2Compiler 创建编译器
func NewTier2Compiler(mode cpu.Mode) *Tier2Compiler {
	return &Tier2Compiler{mode: mode}
}

// TraceRange 踪迹覆盖的一段客户机代码
type TraceRange struct {
	Start uint64
	Len   uint32
}

// TraceResult 降低结果
type TraceResult struct {
	Instrs  []IRInstr
	ByteLen uint32
	Ranges  []TraceRange // 页版本捕获用
}

// Compile 降低整条踪迹
func (c *Tier2Compiler) Compile(tr *Trace) TraceResult {
	b := NewIRBuilder(0)
	lw := &lowerer{b: b, mode: c.mode}
	var res TraceResult

	for bi, blk := range tr.Blocks {
		last := bi == len(tr.Blocks)-1
		rip := blk.EntryRIP
		var bytes uint32
		truncated := false

		for i := range blk.Instrs {
			inst := &blk.Instrs[i]
			if inst.FlowClass() != x86.ClassSequential {
				break
			}
			if !lw.lowerSequential(rip, inst) {
				b.Instrs = b.Instrs[:lw.mark]
				b.Deopt(rip)
				truncated = true
				break
			}
			rip = inst.NextRIP(rip)
			bytes += uint32(inst.Len)
			b.CommitRIP(rip)
		}
		if truncated {
			res.Ranges = append(res.Ranges, TraceRange{Start: blk.EntryRIP, Len: bytes})
			res.ByteLen += bytes
			break
		}

		endInst := blockTerminator(blk)
		if endInst != nil {
			bytes += uint32(endInst.Len)
		}
		res.Ranges = append(res.Ranges, TraceRange{Start: blk.EntryRIP, Len: bytes})
		res.ByteLen += bytes

		switch {
		case endInst == nil:
			// EndLimit / EndExitToInterpreter 的块没有终结指令
			if blk.End == EndExitToInterpreter {
				b.Deopt(blk.NextRIP)
			} else if last {
				b.Exit(blk.NextRIP)
			} else {
				b.CommitRIP(blk.NextRIP)
			}

		case blk.End == EndJcc && !last:
			// 踪迹内部的条件跳转降低为守卫
			taken := (endInst.NextRIP(rip) + uint64(endInst.Src.Imm)) & c.mode.IPMask()
			fall := endInst.NextRIP(rip) & c.mode.IPMask()
			cond := b.ReadFlag(endInst.Cond)
			if tr.TakenEdge[bi] {
				b.Guard(cond, 1, fall)
				b.CommitRIP(taken)
			} else {
				b.Guard(cond, 0, taken)
				b.CommitRIP(fall)
			}

		case blk.End == EndJmp && !last:
			next := (endInst.NextRIP(rip) + uint64(endInst.Src.Imm)) & c.mode.IPMask()
			b.CommitRIP(next)

		default:
			lw.lowerTerminator(rip, endInst, blk)
			if !last {
				// BuildFrom 保证非直通终结只出现在末块
				return TraceResult{Instrs: b.Instrs, ByteLen: res.ByteLen, Ranges: res.Ranges}
			}
		}
	}
	return TraceResult{Instrs: b.Instrs, ByteLen: res.ByteLen, Ranges: res.Ranges}
}

// blockTerminator 块尾的控制流指令，没有则返回 nil
func blockTerminator(blk *BasicBlock) *x86.Inst {
	if len(blk.Instrs) == 0 {
		return nil
	}
	lastInst := &blk.Instrs[len(blk.Instrs)-1]
	if lastInst.FlowClass() == x86.ClassSequential {
		return nil
	}
	return lastInst
}
