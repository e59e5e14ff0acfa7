// trace.go - Tier-2 踪迹构建
//
// 只有入口块执行计数超过热阈值才产出踪迹。入口自环回边被标热
// 时归类为循环踪迹，否则为直线踪迹。踪迹沿画像里最热的后继边
// 串接基本块，受块数和指令数预算约束。
//
// 值编号唯一性由串接阶段之外保证：整条踪迹共用同一个 IRBuilder
// 的单调计数器，任何使用都只可能解析到唯一一次定义。

package jit

// TraceKind 踪迹类别
type TraceKind uint8

const (
	TraceLinear TraceKind = iota
	TraceLoop
)

func (k TraceKind) String() string {
	if k == TraceLoop {
		return "loop"
	}
	return "linear"
}

// TraceConfig 踪迹构建参数
type TraceConfig struct {
	HotBlockThreshold uint64
	MaxBlocks         int
	MaxInstrs         int
}

// DefaultTraceConfig 常规参数
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{HotBlockThreshold: 64, MaxBlocks: 16, MaxInstrs: 512}
}

// Trace 串接好的踪迹
type Trace struct {
	EntryRIP uint64
	Kind     TraceKind
	Blocks   []*BasicBlock
	// Blocks[i] 结束后踪迹是否走条件跳转的 taken 边
	TakenEdge []bool
}

// TraceBuilder 踪迹构建器
type TraceBuilder struct {
	fn      *Function
	profile *ProfileData
	cfg     TraceConfig
}

// NewTraceBuilder 创建构建器
func NewTraceBuilder(fn *Function, profile *ProfileData, cfg TraceConfig) *TraceBuilder {
	return &TraceBuilder{fn: fn, profile: profile, cfg: cfg}
}

// BuildFrom 从 entry 构建踪迹。入口不够热时返回 nil。
func (tb *TraceBuilder) BuildFrom(entry uint64) *Trace {
	if tb.profile.BlockCount(entry) <= tb.cfg.HotBlockThreshold {
		return nil
	}
	node, ok := tb.fn.Blocks[entry]
	if !ok {
		return nil
	}

	kind := TraceLinear
	if tb.profile.IsHotBackEdge(entry, entry) {
		kind = TraceLoop
	}

	tr := &Trace{EntryRIP: entry, Kind: kind}
	visited := map[uint64]bool{}
	instrs := 0
	rip := entry

	for {
		blk := &node.Block
		if tb.cfg.MaxBlocks > 0 && len(tr.Blocks) >= tb.cfg.MaxBlocks {
			break
		}
		if tb.cfg.MaxInstrs > 0 && instrs+len(blk.Instrs) > tb.cfg.MaxInstrs {
			break
		}
		tr.Blocks = append(tr.Blocks, blk)
		tr.TakenEdge = append(tr.TakenEdge, false)
		visited[rip] = true
		instrs += len(blk.Instrs)

		// 只沿 Jmp/Jcc/Limit 续接；Call/Ret/ExitToInterpreter 处收尾
		switch blk.End {
		case EndJmp, EndJcc, EndLimit:
		default:
			return tr
		}

		next, ok := tb.profile.HottestSuccessor(rip, node.Succs)
		if !ok {
			return tr
		}
		if blk.End == EndJcc {
			tr.TakenEdge[len(tr.TakenEdge)-1] = blk.HasTarget && next == blk.Target
		}
		if visited[next] {
			// 回到踪迹内部：循环踪迹在入口闭合，其余情况收尾
			return tr
		}
		nextNode, ok := tb.fn.Blocks[next]
		if !ok {
			return tr
		}
		node, rip = nextNode, next
	}
	return tr
}
