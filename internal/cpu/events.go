// events.go - 待决事件状态
//
// 每个 vCPU 核心一份：外部中断的有界队列、在途中断/异常投递帧的
// 有界栈，以及 STI/MOV SS 的中断阴影计数。两个容器都是"满了就丢 +
// 丢弃计数"的失败关闭策略：队列满时丢中断，帧栈满时升级为三重
// 故障，绝不无界增长、绝不 panic。

package cpu

// 有界容量。超出队列容量的注入被丢弃并计数；超出帧栈容量的投递
// 返回三重故障。
const (
	MaxExternalInterrupts = 256
	MaxInterruptFrames    = 64
)

// EventKind 待决事件类别
type EventKind uint8

const (
	EventException EventKind = iota
	EventSoftwareInt
)

// PendingEvent 待投递的异常或软件中断
type PendingEvent struct {
	Kind      EventKind
	Exception Exception
	// NextRIP 软件中断（INT n）压栈的返回地址
	NextRIP uint64
}

// FrameKind 投递帧类别
type FrameKind uint8

const (
	FrameReal16 FrameKind = iota
	FrameProtected32
	FrameLong64
)

// InterruptFrame 一次投递的簿记帧
type InterruptFrame struct {
	Kind          FrameKind
	Vector        uint8
	StackSwitched bool
}

// PendingEventState 待决事件状态机
type PendingEventState struct {
	// Event 待投递的异常/软件中断（优先于外部中断）
	Event *PendingEvent

	// 外部中断向量 FIFO，有界
	externals    []uint8
	DroppedInts  uint64
	DroppedFrame uint64

	// 在途投递帧，有界
	frames []InterruptFrame

	// 中断阴影：STI / MOV SS 之后的一条指令内禁止外部中断
	inhibit uint8

	// 投递中状态（双重故障判定）
	Delivering       bool
	DeliveringVector uint8
}

// NewPendingEventState 创建空的事件状态
func NewPendingEventState() *PendingEventState {
	return &PendingEventState{
		externals: make([]uint8, 0, MaxExternalInterrupts),
		frames:    make([]InterruptFrame, 0, MaxInterruptFrames),
	}
}

// Reset 复位（CPU reset 时调用）
func (p *PendingEventState) Reset() {
	p.Event = nil
	p.externals = p.externals[:0]
	p.frames = p.frames[:0]
	p.inhibit = 0
	p.Delivering = false
	p.DroppedInts = 0
	p.DroppedFrame = 0
}

// RaiseException 记录一个待投递的异常故障
func (p *PendingEventState) RaiseException(e Exception) {
	p.Event = &PendingEvent{Kind: EventException, Exception: e}
}

// RaiseSoftwareInterrupt 记录一个 INT n，nextRIP 是其下一条指令地址
func (p *PendingEventState) RaiseSoftwareInterrupt(vector uint8, nextRIP uint64) {
	p.Event = &PendingEvent{
		Kind:      EventSoftwareInt,
		Exception: Exception{Vector: vector},
		NextRIP:   nextRIP,
	}
}

// InjectExternalInterrupt 外部中断入队。队列满时丢弃并计数。
func (p *PendingEventState) InjectExternalInterrupt(vector uint8) {
	if len(p.externals) >= MaxExternalInterrupts {
		p.DroppedInts++
		return
	}
	p.externals = append(p.externals, vector)
}

// PendingExternalCount 排队中的外部中断数
func (p *PendingEventState) PendingExternalCount() int { return len(p.externals) }

// popExternal 取出队首外部中断
func (p *PendingEventState) popExternal() (uint8, bool) {
	if len(p.externals) == 0 {
		return 0, false
	}
	v := p.externals[0]
	copy(p.externals, p.externals[1:])
	p.externals = p.externals[:len(p.externals)-1]
	return v, true
}

// InhibitInterruptsForOneInstruction STI/MOV SS 的中断阴影
func (p *PendingEventState) InhibitInterruptsForOneInstruction() {
	p.inhibit = 2 // 当前指令退役时减到 1，下一条退役后清零
}

// RetireInstruction 指令退役，推进中断阴影
func (p *PendingEventState) RetireInstruction() {
	if p.inhibit > 0 {
		p.inhibit--
	}
}

// InterruptsInhibited 当前是否处于中断阴影内
func (p *PendingEventState) InterruptsInhibited() bool { return p.inhibit > 0 }

// pushFrame 压入投递帧。超过上限返回 false（触发三重故障路径）。
func (p *PendingEventState) pushFrame(f InterruptFrame) bool {
	if len(p.frames) >= MaxInterruptFrames {
		p.DroppedFrame++
		return false
	}
	p.frames = append(p.frames, f)
	return true
}

// popFrame IRET 时弹出投递帧
func (p *PendingEventState) popFrame() (InterruptFrame, bool) {
	if len(p.frames) == 0 {
		return InterruptFrame{}, false
	}
	f := p.frames[len(p.frames)-1]
	p.frames = p.frames[:len(p.frames)-1]
	return f, true
}

// FrameDepth 在途投递帧深度
func (p *PendingEventState) FrameDepth() int { return len(p.frames) }
