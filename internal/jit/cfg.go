// cfg.go - 控制流图构建
//
// 从入口地址出发按静态可达性解码基本块，受块数和总字节数预算
// 约束。间接转移、RET 和不支持的编码处 CFG 截断，踪迹执行到
// 那里侧出即可。

package jit

import (
	"github.com/tangzhangming/vcore/internal/mem"
)

// CFGBlock CFG 节点
type CFGBlock struct {
	Block BasicBlock
	Succs []uint64
}

// Function 以入口地址为键的 CFG
type Function struct {
	Entry  uint64
	Blocks map[uint64]*CFGBlock
	Order  []uint64 // 发现顺序
}

// FunctionLimits CFG 构建预算
type FunctionLimits struct {
	MaxBlocks     int
	MaxTotalBytes int
}

// DefaultFunctionLimits 常规函数预算
func DefaultFunctionLimits() FunctionLimits {
	return FunctionLimits{MaxBlocks: 32, MaxTotalBytes: 4096}
}

// BuildFunction 构建 CFG
func BuildFunction(bus mem.MemoryBus, entry uint64, blkLimits BlockLimits, fnLimits FunctionLimits, bitness uint8) *Function {
	fn := &Function{Entry: entry, Blocks: make(map[uint64]*CFGBlock)}
	work := []uint64{entry}
	totalBytes := 0

	for len(work) > 0 {
		rip := work[0]
		work = work[1:]
		if _, seen := fn.Blocks[rip]; seen {
			continue
		}
		if fnLimits.MaxBlocks > 0 && len(fn.Blocks) >= fnLimits.MaxBlocks {
			break
		}
		if fnLimits.MaxTotalBytes > 0 && totalBytes >= fnLimits.MaxTotalBytes {
			break
		}

		blk := DiscoverBlock(bus, rip, blkLimits, bitness)
		node := &CFGBlock{Block: blk}
		totalBytes += int(blk.ByteLen)

		switch blk.End {
		case EndJmp:
			if blk.HasTarget {
				node.Succs = append(node.Succs, blk.Target)
			}
		case EndJcc:
			if blk.HasTarget {
				node.Succs = append(node.Succs, blk.Target)
			}
			node.Succs = append(node.Succs, blk.NextRIP)
		case EndLimit:
			node.Succs = append(node.Succs, blk.NextRIP)
		case EndCall:
			// 调用目标另算一个函数，落地点是本函数的后继
			node.Succs = append(node.Succs, blk.NextRIP)
		}
		// EndRet / EndExitToInterpreter 无后继

		fn.Blocks[rip] = node
		fn.Order = append(fn.Order, rip)
		work = append(work, node.Succs...)
	}
	return fn
}

// BackEdges 返回所有指向已在路径上游的边（简化为目标地址不大于
// 源地址且目标在图内）
func (fn *Function) BackEdges() []Edge {
	var edges []Edge
	for _, from := range fn.Order {
		for _, to := range fn.Blocks[from].Succs {
			if to <= from {
				if _, ok := fn.Blocks[to]; ok {
					edges = append(edges, Edge{From: from, To: to})
				}
			}
		}
	}
	return edges
}
