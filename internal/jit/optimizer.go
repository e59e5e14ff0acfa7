// optimizer.go - IR 优化器
//
// 有界的直线优化流水线：常量折叠、公共子表达式合并、死标志位
// 收窄、死值消除。每趟都保持踪迹语义不变，守卫和各类出口视为
// 标志位与寄存器状态的读取者。

package jit

// OptConfig 优化开关
type OptConfig struct {
	ConstFold bool
	CSE       bool
	DeadFlags bool
	DCE       bool
}

// DefaultOptConfig 全开
func DefaultOptConfig() OptConfig {
	return OptConfig{ConstFold: true, CSE: true, DeadFlags: true, DCE: true}
}

// Optimize 按固定顺序跑各趟
func Optimize(instrs []IRInstr, cfg OptConfig) []IRInstr {
	if cfg.ConstFold {
		instrs = constFold(instrs)
	}
	if cfg.CSE {
		instrs = cse(instrs)
	}
	if cfg.DeadFlags {
		instrs = deadFlags(instrs)
	}
	if cfg.DCE {
		instrs = dce(instrs)
	}
	return instrs
}

// ============================================================================
// 常量折叠
// ============================================================================

func constFold(instrs []IRInstr) []IRInstr {
	consts := make(map[ValueId]uint64)
	out := instrs[:0]

	for _, in := range instrs {
		switch in.Op {
		case IR_CONST:
			consts[in.Dst] = uint64(in.Imm)

		case IR_ADD, IR_SUB, IR_AND, IR_OR, IR_XOR, IR_SHL, IR_SHR, IR_SAR, IR_MUL:
			a, aok := consts[in.A]
			b, bok := consts[in.B]
			if aok && bok {
				v := foldBinary(in.Op, a, b)
				consts[in.Dst] = v
				in = IRInstr{Op: IR_CONST, Dst: in.Dst, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(v)}
			}

		case IR_NOT:
			if a, ok := consts[in.A]; ok {
				consts[in.Dst] = ^a
				in = IRInstr{Op: IR_CONST, Dst: in.Dst, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(^a)}
			}
		case IR_NEG:
			if a, ok := consts[in.A]; ok {
				consts[in.Dst] = -a
				in = IRInstr{Op: IR_CONST, Dst: in.Dst, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(-a)}
			}
		case IR_ZEXT:
			if a, ok := consts[in.A]; ok {
				v := a & maskOfWidth(in.Width)
				consts[in.Dst] = v
				in = IRInstr{Op: IR_CONST, Dst: in.Dst, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(v)}
			}
		case IR_SEXT:
			if a, ok := consts[in.A]; ok {
				v := sext(a, in.Width)
				consts[in.Dst] = v
				in = IRInstr{Op: IR_CONST, Dst: in.Dst, A: NoValue, B: NoValue, Carry: NoValue, Imm: int64(v)}
			}
		}
		out = append(out, in)
	}
	return out
}

func foldBinary(op IROp, a, b uint64) uint64 {
	switch op {
	case IR_ADD:
		return a + b
	case IR_SUB:
		return a - b
	case IR_AND:
		return a & b
	case IR_OR:
		return a | b
	case IR_XOR:
		return a ^ b
	case IR_SHL:
		return a << (b & 0x3f)
	case IR_SHR:
		return a >> (b & 0x3f)
	case IR_SAR:
		return uint64(int64(a) >> (b & 0x3f))
	default: // IR_MUL
		return a * b
	}
}

// ============================================================================
// 公共子表达式合并
// ============================================================================

// cseKey 纯值运算的结构键
type cseKey struct {
	op    IROp
	a, b  ValueId
	imm   int64
	width uint8
}

// isPureValue 结果只取决于操作数的运算
func isPureValue(op IROp) bool {
	switch op {
	case IR_CONST, IR_ADD, IR_SUB, IR_AND, IR_OR, IR_XOR,
		IR_SHL, IR_SHR, IR_SAR, IR_MUL, IR_NOT, IR_NEG, IR_ZEXT, IR_SEXT:
		return true
	}
	return false
}

func cse(instrs []IRInstr) []IRInstr {
	seen := make(map[cseKey]ValueId)
	alias := make(map[ValueId]ValueId)

	resolve := func(v ValueId) ValueId {
		if v == NoValue {
			return v
		}
		if a, ok := alias[v]; ok {
			return a
		}
		return v
	}

	out := instrs[:0]
	for _, in := range instrs {
		in.A = resolve(in.A)
		in.B = resolve(in.B)
		in.Carry = resolve(in.Carry)
		if in.Op == IR_SELECT || in.Op == IR_UPDATE_FLAGS {
			in.Imm = int64(resolve(ValueId(in.Imm)))
		}

		if isPureValue(in.Op) {
			k := cseKey{op: in.Op, a: in.A, b: in.B, imm: in.Imm, width: in.Width}
			if prev, ok := seen[k]; ok {
				alias[in.Dst] = prev
				continue
			}
			seen[k] = in.Dst
		}
		out = append(out, in)
	}
	return out
}

// ============================================================================
// 死标志位收窄
// ============================================================================

// deadFlags 去掉被后续标志位写完全覆盖、中间无人读取的惰性记录。
// READ_FLAG、守卫和所有出口都算读取者，访存指令视为屏障。
func deadFlags(instrs []IRInstr) []IRInstr {
	dead := make([]bool, len(instrs))
	covered := false

	for i := len(instrs) - 1; i >= 0; i-- {
		switch instrs[i].Op {
		case IR_UPDATE_FLAGS:
			if covered {
				dead[i] = true
			}
			covered = true
		case IR_SET_CF, IR_SET_OF:
			// 部分写不构成覆盖，且依赖此前的惰性状态
			covered = false
		case IR_READ_FLAG, IR_GUARD, IR_EXIT, IR_EXIT_DYN, IR_EXIT_COND, IR_DEOPT:
			covered = false
		case IR_READ_MEM, IR_WRITE_MEM:
			// 访存可能触发异常回退解释器，异常投递会把当前惰性
			// 记录物化进 RFLAGS 栈帧，故此前的记录不算死
			covered = false
		}
	}

	out := instrs[:0]
	for i, in := range instrs {
		if !dead[i] {
			out = append(out, in)
		}
	}
	return out
}

// ============================================================================
// 死值消除
// ============================================================================

// dce 去掉无人使用且无副作用的值定义
func dce(instrs []IRInstr) []IRInstr {
	used := make(map[ValueId]bool)
	keep := make([]bool, len(instrs))

	for i := len(instrs) - 1; i >= 0; i-- {
		in := &instrs[i]
		hasEffect := !isPureValue(in.Op) && in.Op != IR_READ_REG && in.Op != IR_READ_FLAG && in.Op != IR_LINEAR && in.Op != IR_SELECT
		if hasEffect || (in.Dst != NoValue && used[in.Dst]) {
			keep[i] = true
			for _, u := range in.Uses() {
				used[u] = true
			}
		}
	}

	out := instrs[:0]
	for i, in := range instrs {
		if keep[i] {
			out = append(out, in)
		}
	}
	return out
}
