// runtime.go - JIT 运行时编排
//
// 每个入口地址的状态机：冷 → 解释若干次 → Tier-1 编译 →
// 超过热阈值 → Tier-2 踪迹编译。运行时自己不编译，只把请求
// 投给编译请求汇（可以是同步队列也可以是异步工作者），拿不到
// 可用句柄时调用方退回 Tier-0。
//
// 句柄有效性在这里检查：捕获的页版本与存活追踪器不一致的块
// 一律作废重编，自修改代码靠这条路径兜住。

package jit

import (
	"go.uber.org/atomic"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/mem"
)

// CompileRequestSink 编译请求汇，只投递不等待
type CompileRequestSink interface {
	RequestCompile(entryRIP uint64)
}

// CompileQueue 去重 FIFO 编译队列，默认的请求汇实现
type CompileQueue struct {
	fifo    []uint64
	pending map[uint64]struct{}
}

// NewCompileQueue 创建队列
func NewCompileQueue() *CompileQueue {
	return &CompileQueue{pending: make(map[uint64]struct{})}
}

// RequestCompile 入队，重复请求合并
func (q *CompileQueue) RequestCompile(entryRIP uint64) {
	if _, ok := q.pending[entryRIP]; ok {
		return
	}
	q.pending[entryRIP] = struct{}{}
	q.fifo = append(q.fifo, entryRIP)
}

// Pop 取出下一个请求
func (q *CompileQueue) Pop() (uint64, bool) {
	if len(q.fifo) == 0 {
		return 0, false
	}
	rip := q.fifo[0]
	q.fifo = q.fifo[1:]
	delete(q.pending, rip)
	return rip, true
}

// Len 排队中的请求数
func (q *CompileQueue) Len() int { return len(q.fifo) }

// EntryState 入口地址的分层状态
type EntryState uint8

const (
	StateCold EntryState = iota
	StateTier1
	StateTier2
)

func (s EntryState) String() string {
	switch s {
	case StateTier1:
		return "tier1"
	case StateTier2:
		return "tier2"
	default:
		return "cold"
	}
}

type entryInfo struct {
	interpCount uint64
	state       EntryState
}

// RuntimeConfig 运行时参数
type RuntimeConfig struct {
	InterpretThreshold uint64 // 解释多少次后请求 Tier-1
	HotBlockThreshold  uint64 // 块计数超过多少后请求 Tier-2
	BlockLimits        BlockLimits
	FunctionLimits     FunctionLimits
	Trace              TraceConfig
	Opt                OptConfig
	Cache              CodeCacheConfig
}

// DefaultRuntimeConfig 常规参数
func DefaultRuntimeConfig() RuntimeConfig {
	tc := DefaultTraceConfig()
	return RuntimeConfig{
		InterpretThreshold: 3,
		HotBlockThreshold:  tc.HotBlockThreshold,
		BlockLimits:        DefaultBlockLimits(),
		FunctionLimits:     DefaultFunctionLimits(),
		Trace:              tc,
		Opt:                DefaultOptConfig(),
		Cache:              CodeCacheConfig{MaxBlocks: 4096, MaxBytes: 1 << 20},
	}
}

// RuntimeStats 运行时计数器
type RuntimeStats struct {
	Translations  atomic.Uint64 // 完成的编译次数
	Executions    atomic.Uint64 // 编译单元执行次数
	Deopts        atomic.Uint64 // 退回解释器次数
	Invalidations atomic.Uint64 // 页版本失配作废次数
	Evictions     atomic.Uint64 // 缓存逐出次数
}

// Runtime 单核 JIT 运行时
type Runtime struct {
	cfg     RuntimeConfig
	cache   *CodeCache
	tracker *mem.PageVersionTracker
	backend *PortableBackend
	profile *ProfileData
	sink    CompileRequestSink
	queue   *CompileQueue // sink 未注入时的默认实现

	units   []*CompiledUnit
	free    []int
	unitOf  map[uint64]int // 入口 → 单元表下标，逐出回收用
	entries map[uint64]*entryInfo

	Stats RuntimeStats
}

// NewRuntime 创建运行时。sink 为 nil 时使用内置队列。
func NewRuntime(cfg RuntimeConfig, tracker *mem.PageVersionTracker, sink CompileRequestSink) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		cache:   NewCodeCache(cfg.Cache),
		tracker: tracker,
		backend: NewPortableBackend(),
		profile: NewProfileData(),
		unitOf:  make(map[uint64]int),
		entries: make(map[uint64]*entryInfo),
	}
	if sink == nil {
		r.queue = NewCompileQueue()
		r.sink = r.queue
	} else {
		r.sink = sink
	}
	return r
}

// Queue 内置编译队列（注入外部汇时为 nil）
func (r *Runtime) Queue() *CompileQueue { return r.queue }

// Profile 执行画像
func (r *Runtime) Profile() *ProfileData { return r.profile }

// Cache 编译块缓存
func (r *Runtime) Cache() *CodeCache { return r.cache }

// EntryStateOf 入口的当前分层状态
func (r *Runtime) EntryStateOf(entryRIP uint64) EntryState {
	if e, ok := r.entries[entryRIP]; ok {
		return e.state
	}
	return StateCold
}

func (r *Runtime) entry(rip uint64) *entryInfo {
	e, ok := r.entries[rip]
	if !ok {
		e = &entryInfo{}
		r.entries[rip] = e
	}
	return e
}

// PrepareBlock 返回可用句柄。缓存未命中或句柄失效时投递编译
// 请求并返回 false，调用方退回解释器。
func (r *Runtime) PrepareBlock(entryRIP uint64) (CompiledBlockMeta, bool) {
	meta, ok := r.cache.GetCloned(entryRIP)
	if ok {
		if r.handleValid(&meta) {
			return meta, true
		}
		// 自修改代码：作废并重编
		r.invalidate(entryRIP, &meta)
		r.Stats.Invalidations.Inc()
		r.sink.RequestCompile(entryRIP)
		return CompiledBlockMeta{}, false
	}

	e := r.entry(entryRIP)
	e.interpCount++
	if e.state == StateCold && e.interpCount >= r.cfg.InterpretThreshold {
		r.sink.RequestCompile(entryRIP)
	}
	return CompiledBlockMeta{}, false
}

// handleValid 捕获的页版本仍与存活追踪器一致
func (r *Runtime) handleValid(meta *CompiledBlockMeta) bool {
	for _, pv := range meta.PageVersions {
		if r.tracker.Version(pv.Page) != pv.Version {
			return false
		}
	}
	return true
}

// ExecuteBlock 执行句柄指向的编译单元并更新画像
func (r *Runtime) ExecuteBlock(st *cpu.CpuState, bus mem.MemoryBus, meta *CompiledBlockMeta) BlockExit {
	unit := r.units[meta.UnitIndex]
	exit := r.backend.Execute(st, bus, unit)
	r.Stats.Executions.Inc()
	if exit.ExitToInterpreter {
		r.Stats.Deopts.Inc()
	}

	from := meta.EntryRIP
	r.profile.RecordBlock(from)
	r.profile.RecordEdge(from, exit.NextRIP)
	if exit.NextRIP <= from && r.profile.EdgeCount(from, exit.NextRIP) > r.cfg.HotBlockThreshold {
		r.profile.MarkHotBackEdge(from, exit.NextRIP)
	}

	// Tier-1 块跑热后申请踪迹编译
	if meta.Tier == 1 && r.profile.BlockCount(from) > r.cfg.HotBlockThreshold {
		r.sink.RequestCompile(from)
	}
	return exit
}

// CompileEntry 同步编译一个入口并安装。入口已是 Tier-1 且够热
// 时升级到 Tier-2，否则做 Tier-1 块编译。
func (r *Runtime) CompileEntry(bus mem.MemoryBus, mode cpu.Mode, entryRIP uint64) bool {
	e := r.entry(entryRIP)
	if e.state == StateTier1 && r.profile.BlockCount(entryRIP) > r.cfg.HotBlockThreshold {
		if r.compileTier2(bus, mode, entryRIP) {
			e.state = StateTier2
			return true
		}
		// 踪迹不可用时保留 Tier-1 块
		return false
	}
	if r.compileTier1(bus, mode, entryRIP) {
		if e.state == StateCold {
			e.state = StateTier1
		}
		return true
	}
	return false
}

func (r *Runtime) compileTier1(bus mem.MemoryBus, mode cpu.Mode, entryRIP uint64) bool {
	blk := DiscoverBlock(bus, entryRIP, r.cfg.BlockLimits, mode.Bitness())
	if len(blk.Instrs) == 0 {
		return false
	}
	res := NewTier1Compiler(mode).Compile(&blk)
	return r.install(entryRIP, res.Instrs, res.ByteLen, []TraceRange{{Start: entryRIP, Len: res.ByteLen}}, 1)
}

func (r *Runtime) compileTier2(bus mem.MemoryBus, mode cpu.Mode, entryRIP uint64) bool {
	fn := BuildFunction(bus, entryRIP, r.cfg.BlockLimits, r.cfg.FunctionLimits, mode.Bitness())
	tr := NewTraceBuilder(fn, r.profile, r.cfg.Trace).BuildFrom(entryRIP)
	if tr == nil {
		return false
	}
	res := NewTier2Compiler(mode).Compile(tr)
	instrs := Optimize(res.Instrs, r.cfg.Opt)
	return r.install(entryRIP, instrs, res.ByteLen, res.Ranges, 2)
}

// install 槽位化、验证、装表、入缓存。任何一步失败都整体放弃。
func (r *Runtime) install(entryRIP uint64, instrs []IRInstr, byteLen uint32, ranges []TraceRange, tier uint8) bool {
	slotted, ra := Allocate(instrs)
	unit := &CompiledUnit{EntryRIP: entryRIP, Instrs: slotted, NumSlots: ra.NumSlots, Tier: tier}
	if Verify(unit) != nil {
		return false
	}

	var versions []mem.PageVersion
	seen := make(map[uint64]bool)
	for _, rg := range ranges {
		for _, pv := range r.tracker.Snapshot(rg.Start, uint64(rg.Len)) {
			if !seen[pv.Page] {
				seen[pv.Page] = true
				versions = append(versions, pv)
			}
		}
	}

	idx := r.installUnit(unit)
	meta := CompiledBlockMeta{
		EntryRIP:     entryRIP,
		ByteLen:      byteLen,
		PageVersions: versions,
		UnitIndex:    idx,
		Tier:         tier,
	}

	// 同键替换时回收旧单元槽位
	if old, ok := r.unitOf[entryRIP]; ok && old != idx {
		r.freeUnit(old)
	}
	r.unitOf[entryRIP] = idx

	for _, key := range r.cache.Insert(meta) {
		r.Stats.Evictions.Inc()
		if old, ok := r.unitOf[key]; ok {
			r.freeUnit(old)
			delete(r.unitOf, key)
		}
		if e, ok := r.entries[key]; ok {
			e.state = StateCold
			e.interpCount = 0
		}
	}
	r.Stats.Translations.Inc()
	return true
}

func (r *Runtime) installUnit(unit *CompiledUnit) int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.units[idx] = unit
		return idx
	}
	r.units = append(r.units, unit)
	return len(r.units) - 1
}

func (r *Runtime) freeUnit(idx int) {
	if idx >= 0 && idx < len(r.units) && r.units[idx] != nil {
		r.units[idx] = nil
		r.free = append(r.free, idx)
	}
}

func (r *Runtime) invalidate(entryRIP uint64, meta *CompiledBlockMeta) {
	r.cache.Remove(entryRIP)
	r.freeUnit(meta.UnitIndex)
	delete(r.unitOf, entryRIP)
	if e, ok := r.entries[entryRIP]; ok {
		e.state = StateCold
		e.interpCount = 0
	}
}

// Reset 丢弃全部编译产物和画像
func (r *Runtime) Reset() {
	r.cache = NewCodeCache(r.cfg.Cache)
	r.units = nil
	r.free = nil
	r.unitOf = make(map[uint64]int)
	r.entries = make(map[uint64]*entryInfo)
	r.profile.Reset()
	if r.queue != nil {
		r.queue = NewCompileQueue()
		r.sink = r.queue
	}
}
