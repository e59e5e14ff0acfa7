// profile.go - 执行画像
//
// 块计数、边计数和热回边集合。踪迹构建器据此决定入口是否够热
// 以及踪迹应当归类为循环还是直线。

package jit

// Edge CFG 有向边
type Edge struct {
	From uint64
	To   uint64
}

// ProfileData 按入口地址累积的执行画像
type ProfileData struct {
	blockCounts  map[uint64]uint64
	edgeCounts   map[Edge]uint64
	hotBackEdges map[Edge]struct{}
}

// NewProfileData 创建空画像
func NewProfileData() *ProfileData {
	return &ProfileData{
		blockCounts:  make(map[uint64]uint64),
		edgeCounts:   make(map[Edge]uint64),
		hotBackEdges: make(map[Edge]struct{}),
	}
}

// RecordBlock 记一次块执行
func (p *ProfileData) RecordBlock(entryRIP uint64) {
	p.blockCounts[entryRIP]++
}

// RecordEdge 记一次边转移
func (p *ProfileData) RecordEdge(from, to uint64) {
	p.edgeCounts[Edge{From: from, To: to}]++
}

// MarkHotBackEdge 标记热回边
func (p *ProfileData) MarkHotBackEdge(from, to uint64) {
	p.hotBackEdges[Edge{From: from, To: to}] = struct{}{}
}

// BlockCount 块执行次数
func (p *ProfileData) BlockCount(entryRIP uint64) uint64 {
	return p.blockCounts[entryRIP]
}

// EdgeCount 边转移次数
func (p *ProfileData) EdgeCount(from, to uint64) uint64 {
	return p.edgeCounts[Edge{From: from, To: to}]
}

// IsHotBackEdge 是否为热回边
func (p *ProfileData) IsHotBackEdge(from, to uint64) bool {
	_, ok := p.hotBackEdges[Edge{From: from, To: to}]
	return ok
}

// HottestSuccessor 挑出 from 出发计数最高的后继
func (p *ProfileData) HottestSuccessor(from uint64, candidates []uint64) (uint64, bool) {
	var best uint64
	var bestCount uint64
	found := false
	for _, to := range candidates {
		c := p.edgeCounts[Edge{From: from, To: to}]
		if !found || c > bestCount {
			best, bestCount, found = to, c, true
		}
	}
	return best, found
}

// Reset 清空画像
func (p *ProfileData) Reset() {
	p.blockCounts = make(map[uint64]uint64)
	p.edgeCounts = make(map[Edge]uint64)
	p.hotBackEdges = make(map[Edge]struct{})
}
