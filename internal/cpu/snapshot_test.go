// snapshot_test.go - CPU 状态序列化测试

package cpu

import (
	"bytes"
	"testing"
)

func scrambledState() *CpuState {
	st := NewState()
	for i := range st.GPR {
		st.GPR[i] = uint64(i)*0x1111_1111_1111 + 7
	}
	st.RIP = 0x0000_7fff_dead_0000
	st.SetRFlags(FlagReserved | FlagCF | FlagZF | FlagIF)
	st.Lazy = ForSub(32, 9, 4, 5)
	st.Mode = ModeLong
	st.Halted = true
	st.Segments[SegCS] = Segment{Selector: 0x08, Base: 0, Limit: 0xffff_ffff, Attr: 0x29b}
	st.GDT = DescriptorTable{Base: 0x1000, Limit: 0x7f}
	st.IDT = DescriptorTable{Base: 0x2000, Limit: 0xfff}
	st.CR0 = CR0PE | CR0PG
	st.CR2 = 0xdead_beef
	st.CR3 = 0x3000
	st.CR4 = CR4PAE | CR4OSFXSR
	st.EFER = EFERLME | EFERLMA | EFERSCE
	st.KernelGSBase = 0xffff_8000_0000_0000
	st.LSTAR = 0xffff_8000_0000_1000
	st.XMM[3] = [2]uint64{0x0123_4567_89ab_cdef, 0xfedc_ba98_7654_3210}
	st.MXCSR = MxcsrDefault | MxcsrIE
	st.A20Enabled = false
	return st
}

// TestSaveLoadRoundTrip 测试保存/恢复后状态完全一致
func TestSaveLoadRoundTrip(t *testing.T) {
	st := scrambledState()
	blob := st.SaveState()

	restored := NewState()
	if err := restored.LoadState(blob); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	// 恢复后标志位查询结果一致（快照里保存的是落实后的 RFLAGS）
	for _, f := range []uint64{FlagCF, FlagPF, FlagAF, FlagZF, FlagSF, FlagOF, FlagIF, FlagDF} {
		if restored.GetFlag(f) != st.GetFlag(f) {
			t.Errorf("flag %#x diverges after restore", f)
		}
	}

	// 落实惰性残留后，其余架构状态必须逐字段一致
	st.CommitLazyFlags()
	st.Lazy = LazyFlags{}
	restored.Lazy = LazyFlags{}
	if *restored != *st {
		t.Error("restored state differs from original")
	}
}

// TestSaveDeterministic 测试同一状态两次保存字节一致
func TestSaveDeterministic(t *testing.T) {
	st := scrambledState()
	a := st.SaveState()
	b := st.SaveState()
	if !bytes.Equal(a, b) {
		t.Error("SaveState is not deterministic")
	}

	// 保存会落实惰性标志位，但可观察的标志位不变
	c := scrambledState()
	for _, f := range []uint64{FlagCF, FlagZF, FlagSF, FlagOF} {
		if st.GetFlag(f) != c.GetFlag(f) {
			t.Errorf("SaveState changed observable flag %#x", f)
		}
	}
}

// TestLoadRejectsGarbage 测试坏数据被拒绝且不破坏现有状态
func TestLoadRejectsGarbage(t *testing.T) {
	st := scrambledState()
	want := *st

	for _, blob := range [][]byte{nil, {}, {1, 2, 3}, make([]byte, 8)} {
		if err := st.LoadState(blob); err == nil {
			t.Errorf("LoadState(%d bytes) should fail", len(blob))
		}
	}
	if *st != want {
		t.Error("failed load corrupted the state")
	}
}
