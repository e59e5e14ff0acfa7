// pagever_test.go - 页版本跟踪器测试

package mem

import (
	"fmt"
	"testing"
	"unsafe"
)

// TestBumpAndVersion 测试写代数递增与查询
func TestBumpAndVersion(t *testing.T) {
	tr := NewPageVersionTracker(16)
	if tr.PageCount() != 16 {
		t.Fatalf("PageCount = %d, want 16", tr.PageCount())
	}

	tr.BumpWrite(0x1000, 4) // 页 1
	tr.BumpWrite(0x1ffc, 8) // 跨页 1→2
	if got := tr.Version(0); got != 0 {
		t.Errorf("page 0 version = %d, want 0", got)
	}
	if got := tr.Version(1); got != 2 {
		t.Errorf("page 1 version = %d, want 2", got)
	}
	if got := tr.Version(2); got != 1 {
		t.Errorf("page 2 version = %d, want 1", got)
	}
}

// TestOutOfRangeSilent 测试范围外地址静默忽略、版本为 0
func TestOutOfRangeSilent(t *testing.T) {
	tr := NewPageVersionTracker(4)
	tr.BumpWrite(0x10_0000, 16)      // 页号 256，范围外
	tr.SetVersion(1000, 42)          // 范围外
	if got := tr.Version(1000); got != 0 {
		t.Errorf("out-of-range version = %d, want 0", got)
	}
	for p := uint64(0); p < 4; p++ {
		if tr.Version(p) != 0 {
			t.Errorf("page %d touched by out-of-range bump", p)
		}
	}
}

// TestPathologicalRanges 测试接近 u64 上限的地址/长度不 panic、行为有界
func TestPathologicalRanges(t *testing.T) {
	tr := NewPageVersionTracker(8)

	cases := []struct {
		addr, length uint64
	}{
		{^uint64(0), 1},
		{^uint64(0), ^uint64(0)},
		{0, ^uint64(0)},          // 覆盖全地址空间，裁剪到 8 页
		{^uint64(0) - 100, 200},  // 回绕
		{0x7fff_ffff_ffff_f000, 0x2000},
		{0, 0}, // 零长度
	}
	for _, c := range cases {
		tr.BumpWrite(c.addr, c.length) // 不得 panic
		_ = tr.Snapshot(c.addr, c.length)
	}

	// {0, ^u64} 应当恰好把所有 8 页各加一次
	tr2 := NewPageVersionTracker(8)
	tr2.BumpWrite(0, ^uint64(0))
	for p := uint64(0); p < 8; p++ {
		if tr2.Version(p) != 1 {
			t.Errorf("page %d version = %d, want 1", p, tr2.Version(p))
		}
	}
}

// TestSnapshotTruncation 测试快照页数截断
func TestSnapshotTruncation(t *testing.T) {
	tr := NewPageVersionTracker(MaxSnapshotPages * 4)
	snap := tr.Snapshot(0, uint64(MaxSnapshotPages*4)*PageSize)
	if len(snap) != MaxSnapshotPages {
		t.Errorf("snapshot len = %d, want %d", len(snap), MaxSnapshotPages)
	}
	for i, pv := range snap {
		if pv.Page != uint64(i) {
			t.Errorf("snap[%d].Page = %d, want %d", i, pv.Page, i)
		}
	}
}

// TestSnapshotReflectsBumps 测试快照反映当前版本
func TestSnapshotReflectsBumps(t *testing.T) {
	tr := NewPageVersionTracker(4)
	tr.BumpWrite(0x2000, 1)
	tr.BumpWrite(0x2000, 1)
	tr.BumpWrite(0x3000, 1)

	snap := tr.Snapshot(0x2000, 0x2000)
	want := []PageVersion{{Page: 2, Version: 2}, {Page: 3, Version: 1}}
	if fmt.Sprint(snap) != fmt.Sprint(want) {
		t.Errorf("snapshot = %v, want %v", snap, want)
	}
}

// TestTableStableStorage 测试版本表存储地址在变更后保持不变
func TestTableStableStorage(t *testing.T) {
	tr := NewPageVersionTracker(64)
	before := unsafe.Pointer(&tr.Table()[0])

	for i := 0; i < 10000; i++ {
		tr.BumpWrite(uint64(i%64)<<PageShift, PageSize)
	}
	tr.SetVersion(7, 9999)

	after := unsafe.Pointer(&tr.Table()[0])
	if before != after {
		t.Error("version table storage was reallocated")
	}
	if len(tr.Table()) != 64 {
		t.Errorf("table len = %d, want 64", len(tr.Table()))
	}
}

// TestForSizeRounding 测试按字节大小创建时向上取整到整页
func TestForSizeRounding(t *testing.T) {
	cases := []struct {
		size  uint64
		pages int
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{64 << 20, 64 << 20 >> PageShift},
	}
	for _, c := range cases {
		tr := NewPageVersionTrackerForSize(c.size)
		if tr.PageCount() != c.pages {
			t.Errorf("ForSize(%d).PageCount = %d, want %d", c.size, tr.PageCount(), c.pages)
		}
	}
}
