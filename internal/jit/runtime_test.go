// runtime_test.go - JIT 运行时编排测试

package jit

import (
	"testing"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/mem"
)

// newRuntimeEnv 带页版本跟踪的运行时环境
func newRuntimeEnv(t *testing.T, cfg RuntimeConfig) (*Runtime, *mem.RAM, *mem.PageVersionTracker) {
	t.Helper()
	ram, err := mem.NewRAM(0x10000)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	tracker := mem.NewPageVersionTrackerForSize(0x10000)
	ram.WriteHook = func(addr uint64, n int) {
		tracker.BumpWrite(addr, uint64(n))
	}
	return NewRuntime(cfg, tracker, nil), ram, tracker
}

// loadLeafBlock 在 at 放一个 mov rax, imm32 ; jmp +0 的小块
func loadLeafBlock(t *testing.T, ram *mem.RAM, at uint64, imm uint32) {
	t.Helper()
	code := []byte{
		0x48, 0xc7, 0xc0, byte(imm), byte(imm >> 8), byte(imm >> 16), byte(imm >> 24),
		0xeb, 0x00,
	}
	if err := ram.WriteBytes(at, code); err != nil {
		t.Fatalf("load code: %v", err)
	}
}

// TestColdToTier1 测试冷入口经解释计数晋升 Tier-1
func TestColdToTier1(t *testing.T) {
	r, ram, _ := newRuntimeEnv(t, DefaultRuntimeConfig())
	loadLeafBlock(t, ram, 0x1000, 7)

	// 解释阈值是 3：前两次未命中不投递请求
	for i := 0; i < 2; i++ {
		if _, ok := r.PrepareBlock(0x1000); ok {
			t.Fatal("cold entry must miss")
		}
	}
	if r.Queue().Len() != 0 {
		t.Fatalf("queue has %d requests before the threshold", r.Queue().Len())
	}
	if _, ok := r.PrepareBlock(0x1000); ok {
		t.Fatal("entry must still miss until compiled")
	}
	if r.Queue().Len() != 1 {
		t.Fatalf("queue has %d requests at the threshold, want 1", r.Queue().Len())
	}

	rip, ok := r.Queue().Pop()
	if !ok || rip != 0x1000 {
		t.Fatalf("Pop = (%#x, %v), want the hot entry", rip, ok)
	}
	if !r.CompileEntry(ram, cpu.ModeLong, rip) {
		t.Fatal("CompileEntry failed")
	}
	if got := r.EntryStateOf(0x1000); got != StateTier1 {
		t.Fatalf("entry state = %v, want tier1", got)
	}

	meta, ok := r.PrepareBlock(0x1000)
	if !ok {
		t.Fatal("compiled entry must hit")
	}
	if meta.Tier != 1 {
		t.Errorf("meta.Tier = %d, want 1", meta.Tier)
	}

	st := flat64State()
	st.RIP = 0x1000
	exit := r.ExecuteBlock(st, ram, &meta)
	if exit.ExitToInterpreter {
		t.Fatal("leaf block must not bail")
	}
	if st.GPR[cpu.RAX] != 7 {
		t.Errorf("RAX = %d, want 7", st.GPR[cpu.RAX])
	}
	if exit.NextRIP != 0x1009 {
		t.Errorf("NextRIP = %#x, want %#x", exit.NextRIP, 0x1009)
	}
	if r.Stats.Executions.Load() != 1 {
		t.Errorf("Executions = %d, want 1", r.Stats.Executions.Load())
	}
}

// TestCompileQueueDedup 测试队列去重与 FIFO 次序
func TestCompileQueueDedup(t *testing.T) {
	q := NewCompileQueue()
	q.RequestCompile(0x1000)
	q.RequestCompile(0x2000)
	q.RequestCompile(0x1000)
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want duplicates merged", q.Len())
	}
	for _, want := range []uint64{0x1000, 0x2000} {
		rip, ok := q.Pop()
		if !ok || rip != want {
			t.Fatalf("Pop = (%#x, %v), want %#x", rip, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on an empty queue must report false")
	}
	// 出队后同一地址可以再排
	q.RequestCompile(0x1000)
	if q.Len() != 1 {
		t.Errorf("Len = %d after re-request, want 1", q.Len())
	}
}

// TestSelfModifyingCodeInvalidation 测试页版本失配作废句柄
func TestSelfModifyingCodeInvalidation(t *testing.T) {
	r, ram, _ := newRuntimeEnv(t, DefaultRuntimeConfig())
	loadLeafBlock(t, ram, 0x1000, 7)

	if !r.CompileEntry(ram, cpu.ModeLong, 0x1000) {
		t.Fatal("CompileEntry failed")
	}
	if _, ok := r.PrepareBlock(0x1000); !ok {
		t.Fatal("fresh handle must hit")
	}

	// 改写块内代码：写钩子提升页版本
	loadLeafBlock(t, ram, 0x1000, 9)

	if _, ok := r.PrepareBlock(0x1000); ok {
		t.Fatal("stale handle must be rejected")
	}
	if r.Stats.Invalidations.Load() != 1 {
		t.Errorf("Invalidations = %d, want 1", r.Stats.Invalidations.Load())
	}
	if r.Queue().Len() != 1 {
		t.Fatalf("recompile request not queued")
	}

	rip, _ := r.Queue().Pop()
	if !r.CompileEntry(ram, cpu.ModeLong, rip) {
		t.Fatal("recompile failed")
	}
	meta, ok := r.PrepareBlock(0x1000)
	if !ok {
		t.Fatal("recompiled entry must hit")
	}
	st := flat64State()
	st.RIP = 0x1000
	r.ExecuteBlock(st, ram, &meta)
	if st.GPR[cpu.RAX] != 9 {
		t.Errorf("RAX = %d, want the rewritten block's 9", st.GPR[cpu.RAX])
	}
}

// TestTier2Promotion 测试热 Tier-1 入口升级为踪迹单元
func TestTier2Promotion(t *testing.T) {
	r, ram, _ := newRuntimeEnv(t, DefaultRuntimeConfig())
	if err := ram.WriteBytes(0x1000, loopCode); err != nil {
		t.Fatalf("load code: %v", err)
	}

	if !r.CompileEntry(ram, cpu.ModeLong, 0x1000) {
		t.Fatal("tier1 compile failed")
	}
	if got := r.EntryStateOf(0x1000); got != StateTier1 {
		t.Fatalf("entry state = %v, want tier1", got)
	}

	// 画像把入口烤热：自环回边 + 块计数过阈值
	for i := 0; i < 100; i++ {
		r.Profile().RecordBlock(0x1000)
		r.Profile().RecordEdge(0x1000, 0x1000)
	}
	r.Profile().MarkHotBackEdge(0x1000, 0x1000)

	if !r.CompileEntry(ram, cpu.ModeLong, 0x1000) {
		t.Fatal("tier2 promotion failed")
	}
	if got := r.EntryStateOf(0x1000); got != StateTier2 {
		t.Fatalf("entry state = %v, want tier2", got)
	}
	meta, ok := r.PrepareBlock(0x1000)
	if !ok {
		t.Fatal("promoted entry must hit")
	}
	if meta.Tier != 2 {
		t.Errorf("meta.Tier = %d, want 2", meta.Tier)
	}
}

// TestHotBackEdgeMarking 测试执行回边计数触发热标记与重编请求
func TestHotBackEdgeMarking(t *testing.T) {
	r, ram, _ := newRuntimeEnv(t, DefaultRuntimeConfig())
	if err := ram.WriteBytes(0x1000, loopCode); err != nil {
		t.Fatalf("load code: %v", err)
	}
	if !r.CompileEntry(ram, cpu.ModeLong, 0x1000) {
		t.Fatal("tier1 compile failed")
	}
	meta, ok := r.PrepareBlock(0x1000)
	if !ok {
		t.Fatal("compiled entry must hit")
	}

	st := flat64State()
	st.RIP = 0x1000
	st.GPR[cpu.RCX] = 1000
	for i := 0; i < 70; i++ {
		exit := r.ExecuteBlock(st, ram, &meta)
		if exit.NextRIP != 0x1000 {
			t.Fatalf("iteration %d left the loop at %#x", i, exit.NextRIP)
		}
	}
	if !r.Profile().IsHotBackEdge(0x1000, 0x1000) {
		t.Error("self back-edge not marked hot after repeated executions")
	}
	if r.Queue().Len() == 0 {
		t.Error("hot tier1 block did not request promotion")
	}
}

// TestEvictionRecyclesUnits 测试逐出重置入口并回收单元槽位
func TestEvictionRecyclesUnits(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	cfg.Cache = CodeCacheConfig{MaxBlocks: 1, MaxBytes: 1 << 20}
	r, ram, _ := newRuntimeEnv(t, cfg)
	loadLeafBlock(t, ram, 0x1000, 1)
	loadLeafBlock(t, ram, 0x1100, 2)
	loadLeafBlock(t, ram, 0x1200, 3)

	if !r.CompileEntry(ram, cpu.ModeLong, 0x1000) {
		t.Fatal("compile A failed")
	}
	if !r.CompileEntry(ram, cpu.ModeLong, 0x1100) {
		t.Fatal("compile B failed")
	}
	if r.Stats.Evictions.Load() != 1 {
		t.Fatalf("Evictions = %d, want A evicted", r.Stats.Evictions.Load())
	}
	if got := r.EntryStateOf(0x1000); got != StateCold {
		t.Errorf("evicted entry state = %v, want cold", got)
	}
	if _, ok := r.PrepareBlock(0x1000); ok {
		t.Error("evicted entry must miss")
	}

	// 第三次编译应复用被回收的单元槽位
	if !r.CompileEntry(ram, cpu.ModeLong, 0x1200) {
		t.Fatal("compile C failed")
	}
	meta, ok := r.PrepareBlock(0x1200)
	if !ok {
		t.Fatal("entry C must hit")
	}
	if meta.UnitIndex != 0 {
		t.Errorf("UnitIndex = %d, want recycled slot 0", meta.UnitIndex)
	}
}

// TestDeoptCounting 测试辅助指令块的退回计数
func TestDeoptCounting(t *testing.T) {
	r, ram, _ := newRuntimeEnv(t, DefaultRuntimeConfig())
	if err := ram.WriteBytes(0x1400, []byte{0x90, 0xf4}); err != nil { // nop ; hlt
		t.Fatalf("load code: %v", err)
	}
	if !r.CompileEntry(ram, cpu.ModeLong, 0x1400) {
		t.Fatal("CompileEntry failed")
	}
	meta, ok := r.PrepareBlock(0x1400)
	if !ok {
		t.Fatal("compiled entry must hit")
	}

	st := flat64State()
	st.RIP = 0x1400
	exit := r.ExecuteBlock(st, ram, &meta)
	if !exit.ExitToInterpreter {
		t.Fatal("assist block must bail to the interpreter")
	}
	if exit.NextRIP != 0x1401 {
		t.Errorf("NextRIP = %#x, want the hlt itself", exit.NextRIP)
	}
	if r.Stats.Deopts.Load() != 1 {
		t.Errorf("Deopts = %d, want 1", r.Stats.Deopts.Load())
	}
}

// TestRuntimeReset 测试 Reset 丢弃编译产物
func TestRuntimeReset(t *testing.T) {
	r, ram, _ := newRuntimeEnv(t, DefaultRuntimeConfig())
	loadLeafBlock(t, ram, 0x1000, 7)
	if !r.CompileEntry(ram, cpu.ModeLong, 0x1000) {
		t.Fatal("CompileEntry failed")
	}
	r.Reset()
	if _, ok := r.PrepareBlock(0x1000); ok {
		t.Error("entry survives Reset")
	}
	if got := r.EntryStateOf(0x1000); got != StateCold {
		t.Errorf("entry state = %v after Reset, want cold", got)
	}
}
