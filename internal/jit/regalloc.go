// regalloc.go - 槽位分配
//
// 优化后的 IR 值编号是稀疏的（常量折叠与死值消除会留下空洞），
// 这里按首次定义顺序把存活的值压缩到紧凑槽位，后端只需要按
// 槽位数开一块数组。使用次数最高的值排在前面，便于后端把低号
// 槽位缓存在寄存器里。

package jit

import "sort"

// RegAlloc 分配结果
type RegAlloc struct {
	NumSlots int
	// 使用频次最高的前几个槽位，后端可选缓存
	CachedSlots []ValueId
}

// maxCachedSlots 报告给后端的热槽位上限
const maxCachedSlots = 8

// Allocate 把 instrs 的值编号重写为紧凑槽位
func Allocate(instrs []IRInstr) ([]IRInstr, RegAlloc) {
	useCount := make(map[ValueId]int)
	var defOrder []ValueId
	defined := make(map[ValueId]bool)

	for i := range instrs {
		in := &instrs[i]
		for _, u := range in.Uses() {
			useCount[u]++
		}
		if in.Dst != NoValue && !defined[in.Dst] {
			defined[in.Dst] = true
			defOrder = append(defOrder, in.Dst)
		}
	}

	slot := make(map[ValueId]ValueId, len(defOrder))
	for i, v := range defOrder {
		slot[v] = ValueId(i)
	}

	remap := func(v ValueId) ValueId {
		if v == NoValue {
			return v
		}
		return slot[v]
	}
	out := make([]IRInstr, len(instrs))
	for i, in := range instrs {
		in.Dst = remap(in.Dst)
		in.A = remap(in.A)
		in.B = remap(in.B)
		in.Carry = remap(in.Carry)
		if in.Op == IR_SELECT || in.Op == IR_UPDATE_FLAGS {
			in.Imm = int64(remap(ValueId(in.Imm)))
		}
		out[i] = in
	}

	// 按使用频次挑热槽位
	ranked := append([]ValueId(nil), defOrder...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return useCount[ranked[i]] > useCount[ranked[j]]
	})
	ra := RegAlloc{NumSlots: len(defOrder)}
	for i := 0; i < len(ranked) && i < maxCachedSlots; i++ {
		ra.CachedSlots = append(ra.CachedSlots, slot[ranked[i]])
	}
	return out, ra
}
