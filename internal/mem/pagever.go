// pagever.go - 页版本跟踪器
//
// 每个物理页维护一个单调递增的写代数计数器。编译代码时记录涉及页
// 的版本快照，执行前比对：任何不一致都说明代码页被写过（自修改
// 代码），对应的编译块必须丢弃。这样热写路径上只需要一次数组自增，
// 不需要逐写拦截。
//
// 所有操作对任意 addr/len（包括接近 u64 上限的值）都有界且不 panic，
// 范围外的页静默忽略、版本恒为 0。底层存储一经创建绝不重新分配，
// 生成的代码可以缓存其地址做直写快路径。

package mem

// 页大小：4 KiB
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// MaxSnapshotPages 单次 Snapshot 返回的页数上限，
// 防御跨越整个地址空间的病态长度。
const MaxSnapshotPages = 64

// PageVersion 一条 (页号, 版本) 快照记录
type PageVersion struct {
	Page    uint64
	Version uint32
}

// PageVersionTracker 固定长度的页版本表
type PageVersionTracker struct {
	versions []uint32
}

// NewPageVersionTracker 创建覆盖 pages 个页的跟踪器
func NewPageVersionTracker(pages int) *PageVersionTracker {
	if pages < 0 {
		pages = 0
	}
	return &PageVersionTracker{versions: make([]uint32, pages)}
}

// NewPageVersionTrackerForSize 创建覆盖 size 字节地址范围的跟踪器
func NewPageVersionTrackerForSize(size uint64) *PageVersionTracker {
	pages := (size + PageSize - 1) >> PageShift
	return NewPageVersionTracker(int(pages))
}

// PageCount 跟踪的页数
func (t *PageVersionTracker) PageCount() int { return len(t.versions) }

// Table 底层版本表。切片头在任何变更序列后都指向同一块存储。
func (t *PageVersionTracker) Table() []uint32 { return t.versions }

// SetVersion 无条件写入页版本，范围外静默忽略
func (t *PageVersionTracker) SetVersion(page uint64, v uint32) {
	if page < uint64(len(t.versions)) {
		t.versions[page] = v
	}
}

// Version 查询页版本，范围外或从未写过的页返回 0
func (t *PageVersionTracker) Version(page uint64) uint32 {
	if page < uint64(len(t.versions)) {
		return t.versions[page]
	}
	return 0
}

// pageSpan 把 [addr, addr+length) 裁剪成范围内的页号区间。
// 对溢出的 addr+length 做饱和处理，返回 ok=false 表示完全在范围外。
func (t *PageVersionTracker) pageSpan(addr, length uint64) (first, last uint64, ok bool) {
	if length == 0 || len(t.versions) == 0 {
		return 0, 0, false
	}
	first = addr >> PageShift
	if first >= uint64(len(t.versions)) {
		return 0, 0, false
	}

	end := addr + length - 1
	if end < addr {
		end = ^uint64(0) // 饱和
	}
	last = end >> PageShift
	if last >= uint64(len(t.versions)) {
		last = uint64(len(t.versions)) - 1
	}
	return first, last, true
}

// BumpWrite 递增被 [addr, addr+length) 写入触及的每一页的版本
func (t *PageVersionTracker) BumpWrite(addr, length uint64) {
	first, last, ok := t.pageSpan(addr, length)
	if !ok {
		return
	}
	for p := first; p <= last; p++ {
		t.versions[p]++
	}
}

// Snapshot 返回 [addr, addr+length) 覆盖页的 (页号, 版本) 序列，
// 最多 MaxSnapshotPages 条。
func (t *PageVersionTracker) Snapshot(addr, length uint64) []PageVersion {
	first, last, ok := t.pageSpan(addr, length)
	if !ok {
		return nil
	}
	n := last - first + 1
	if n > MaxSnapshotPages {
		n = MaxSnapshotPages
	}
	out := make([]PageVersion, 0, n)
	for p := first; p < first+n; p++ {
		out = append(out, PageVersion{Page: p, Version: t.versions[p]})
	}
	return out
}
