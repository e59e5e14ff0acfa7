// machine.go - 虚拟机主体
//
// 把 CPU 状态、客户机内存、页版本追踪、Tier-0 解释器和 JIT
// 运行时装配成一台单核虚拟机。执行循环：投递待决事件 → 查
// JIT 派发 → 退回解释器 → 顺便服务编译队列。

package machine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/vcore/internal/config"
	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/interp"
	"github.com/tangzhangming/vcore/internal/jit"
	"github.com/tangzhangming/vcore/internal/mem"
)

// ExitReason 执行循环的退出原因
type ExitReason uint8

const (
	ExitLimit       ExitReason = iota // 指令预算用尽
	ExitHalted                        // HLT 且无待决事件
	ExitTripleFault                   // 三重故障
)

func (r ExitReason) String() string {
	switch r {
	case ExitHalted:
		return "halted"
	case ExitTripleFault:
		return "triple_fault"
	default:
		return "limit"
	}
}

// RunResult 一次 Run 的结果
type RunResult struct {
	Executed uint64
	Exit     ExitReason
}

// Machine 单核虚拟机
type Machine struct {
	cfg    *config.Config
	log    *zap.Logger
	state  *cpu.CpuState
	events *cpu.PendingEventState
	ram    *mem.RAM
	track  *mem.PageVersionTracker
	interp *interp.Interp
	rt     *jit.Runtime // JIT 关闭时为 nil
}

// New 按配置装配虚拟机
func New(cfg *config.Config, logger *zap.Logger, ports mem.PortIO) (*Machine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ram, err := mem.NewRAM(cfg.Machine.RAMSize)
	if err != nil {
		return nil, fmt.Errorf("allocate guest ram: %w", err)
	}

	track := mem.NewPageVersionTrackerForSize(cfg.Machine.RAMSize)
	ram.WriteHook = func(addr uint64, n int) {
		track.BumpWrite(addr, uint64(n))
	}

	m := &Machine{
		cfg:    cfg,
		log:    logger,
		state:  cpu.NewState(),
		events: cpu.NewPendingEventState(),
		ram:    ram,
		track:  track,
		interp: interp.New(ports),
	}
	m.applyBitness()

	if cfg.Jit.Enabled {
		rc := jit.DefaultRuntimeConfig()
		rc.InterpretThreshold = cfg.Jit.InterpretThreshold
		rc.HotBlockThreshold = cfg.Jit.HotBlockThreshold
		rc.Trace.HotBlockThreshold = cfg.Jit.HotBlockThreshold
		rc.Cache = jit.CodeCacheConfig{MaxBlocks: cfg.Jit.MaxCacheBlocks, MaxBytes: cfg.Jit.MaxCacheBytes}
		m.rt = jit.NewRuntime(rc, track, nil)
	}
	return m, nil
}

// applyBitness 按配置摆好初始模式。测试和裸机镜像都从平坦
// 段模型起步，真实固件可以随后自行切换。
func (m *Machine) applyBitness() {
	st := m.state
	switch m.cfg.Machine.Bitness {
	case 64:
		st.CR0 |= cpu.CR0PE | cpu.CR0PG
		st.CR4 |= cpu.CR4PAE
		st.EFER |= cpu.EFERLME | cpu.EFERLMA
		st.Segments[cpu.SegCS] = cpu.Segment{Attr: 0x29b, Limit: 0xffffffff}
		st.Segments[cpu.SegSS] = cpu.Segment{Attr: 0x293, Limit: 0xffffffff}
		st.RIP = 0
	case 32:
		st.CR0 |= cpu.CR0PE
		st.Segments[cpu.SegCS] = cpu.Segment{Attr: 0xc9b, Limit: 0xffffffff}
		st.Segments[cpu.SegSS] = cpu.Segment{Attr: 0xc93, Limit: 0xffffffff}
		st.RIP = 0
	}
	st.A20Enabled = true
	st.UpdateMode()
}

// State CPU 状态
func (m *Machine) State() *cpu.CpuState { return m.state }

// Events 待决事件状态机
func (m *Machine) Events() *cpu.PendingEventState { return m.events }

// RAM 客户机内存
func (m *Machine) RAM() *mem.RAM { return m.ram }

// Tracker 页版本追踪器
func (m *Machine) Tracker() *mem.PageVersionTracker { return m.track }

// Runtime JIT 运行时（关闭时为 nil）
func (m *Machine) Runtime() *jit.Runtime { return m.rt }

// LoadImage 把镜像写进客户机内存
func (m *Machine) LoadImage(addr uint64, image []byte) error {
	return m.ram.WriteBytes(addr, image)
}

// InjectInterrupt 注入一个外部中断
func (m *Machine) InjectInterrupt(vector uint8) {
	m.events.InjectExternalInterrupt(vector)
}

// Run 最多执行 maxInstructions 条指令
func (m *Machine) Run(maxInstructions uint64) RunResult {
	var executed uint64
	for executed < maxInstructions {
		// 先投递待决事件
		delivered, err := cpu.DeliverPendingEvent(m.state, m.events, m.ram)
		if err != nil {
			if errors.Is(err, cpu.ErrTripleFault) {
				m.log.Error("triple fault, core dead",
					zap.Uint64("rip", m.state.RIP),
					zap.Uint64("dropped_frames", m.events.DroppedFrame))
				return RunResult{Executed: executed, Exit: ExitTripleFault}
			}
			// 投递本身产生的新异常已记回待决事件，下一圈继续
			continue
		}
		_ = delivered

		if m.state.Halted {
			if m.events.PendingExternalCount() > 0 {
				// 等待中的中断会在下一圈把核唤醒
				continue
			}
			return RunResult{Executed: executed, Exit: ExitHalted}
		}

		budget := maxInstructions - executed
		executed += m.runSlice(budget)
		m.serviceCompileQueue()
	}
	return RunResult{Executed: executed, Exit: ExitLimit}
}

// runSlice 跑一小段：优先 JIT 派发，拿不到句柄退回解释器
func (m *Machine) runSlice(budget uint64) uint64 {
	if m.rt != nil {
		if meta, ok := m.rt.PrepareBlock(m.state.RIP); ok {
			m.rt.ExecuteBlock(m.state, m.ram, &meta)
			// 编译单元的指令数没有单独计量，按块粒度记账
			return 1
		}
	}

	batch := m.cfg.Machine.BatchSize
	if uint64(batch) > budget {
		batch = int(budget)
	}
	res := m.interp.RunBatch(m.state, m.events, m.ram, batch)
	n := uint64(res.Executed)
	if n == 0 {
		// 异常等待投递也要算前进，避免空转
		n = 1
	}
	return n
}

// serviceCompileQueue 同步服务编译请求
func (m *Machine) serviceCompileQueue() {
	if m.rt == nil || m.rt.Queue() == nil {
		return
	}
	for i := 0; i < 4; i++ {
		rip, ok := m.rt.Queue().Pop()
		if !ok {
			return
		}
		if m.rt.CompileEntry(m.ram, m.state.Mode, rip) {
			m.log.Debug("compiled entry",
				zap.Uint64("rip", rip),
				zap.String("state", m.rt.EntryStateOf(rip).String()))
		}
	}
}

// Reset 整机复位。编译产物随旧代码一起作废。
func (m *Machine) Reset() {
	m.state.Reset()
	m.events.Reset()
	m.applyBitness()
	if m.rt != nil {
		m.rt.Reset()
	}
	m.log.Info("machine reset")
}

// Close 释放客户机内存
func (m *Machine) Close() error {
	return m.ram.Close()
}
