// verifier.go - 编译单元验证器
//
// 安装前的最后一道闸：槽位越界、先用后定、重复定义或缺终结的
// 单元一律拒绝。验证失败说明编译器有缺陷，调用方丢弃单元并退
// 回解释器即可，不中断执行。

package jit

import (
	"fmt"

	"go.uber.org/multierr"
)

// Verify 校验槽位化之后的编译单元
func Verify(unit *CompiledUnit) error {
	var err error
	defined := make([]bool, unit.NumSlots)

	checkUse := func(i int, v ValueId) {
		if v == NoValue {
			return
		}
		if int(v) >= unit.NumSlots {
			err = multierr.Append(err, fmt.Errorf("instr %d: slot v%d out of range (%d slots)", i, v, unit.NumSlots))
			return
		}
		if !defined[v] {
			err = multierr.Append(err, fmt.Errorf("instr %d: use of undefined slot v%d", i, v))
		}
	}

	if len(unit.Instrs) == 0 {
		return fmt.Errorf("empty unit at %#x", unit.EntryRIP)
	}

	for i := range unit.Instrs {
		in := &unit.Instrs[i]
		for _, u := range in.Uses() {
			checkUse(i, u)
		}
		if in.Dst != NoValue {
			if int(in.Dst) >= unit.NumSlots {
				err = multierr.Append(err, fmt.Errorf("instr %d: def slot v%d out of range", i, in.Dst))
			} else if defined[in.Dst] {
				err = multierr.Append(err, fmt.Errorf("instr %d: slot v%d defined twice", i, in.Dst))
			} else {
				defined[in.Dst] = true
			}
		}
	}

	last := unit.Instrs[len(unit.Instrs)-1]
	if !last.Op.IsTerminator() {
		err = multierr.Append(err, fmt.Errorf("unit at %#x does not end in a terminator (%s)", unit.EntryRIP, last.Op))
	}
	return err
}
