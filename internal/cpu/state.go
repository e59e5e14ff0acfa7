// state.go - CPU 架构状态
//
// CpuState 是一个 vCPU 核心的完整架构寄存器文件：通用寄存器、指令
// 指针、RFLAGS（急切位 + 惰性标志位快照）、段寄存器、描述符表、
// 控制寄存器、MSR 和 SSE 状态。每个核心独占一份，只由解释器/JIT
// 执行路径和显式的快照恢复修改。

package cpu

// ============================================================================
// 通用寄存器编号
// ============================================================================

const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15

	GPRCount = 16
	XMMCount = 16
)

// ============================================================================
// RFLAGS 位定义
// ============================================================================

const (
	FlagCF       uint64 = 1 << 0
	FlagReserved uint64 = 1 << 1 // 恒为 1
	FlagPF       uint64 = 1 << 2
	FlagAF       uint64 = 1 << 4
	FlagZF       uint64 = 1 << 6
	FlagSF       uint64 = 1 << 7
	FlagTF       uint64 = 1 << 8
	FlagIF       uint64 = 1 << 9
	FlagDF       uint64 = 1 << 10
	FlagOF       uint64 = 1 << 11
	FlagIOPL     uint64 = 3 << 12
	FlagNT       uint64 = 1 << 14
	FlagRF       uint64 = 1 << 16
	FlagVM       uint64 = 1 << 17
	FlagAC       uint64 = 1 << 18
	FlagID       uint64 = 1 << 21

	// 惰性计算覆盖的算术标志位
	arithFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// ============================================================================
// CR0/CR4/EFER 位定义
// ============================================================================

const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0WP uint64 = 1 << 16
	CR0PG uint64 = 1 << 31

	CR4PAE        uint64 = 1 << 5
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10

	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// ============================================================================
// MXCSR 位定义
// ============================================================================

const (
	MxcsrIE uint32 = 1 << 0 // 无效操作（粘滞）
	MxcsrDE uint32 = 1 << 1 // 非规格化（粘滞）
	MxcsrZE uint32 = 1 << 2 // 除零（粘滞）
	MxcsrOE uint32 = 1 << 3 // 上溢（粘滞）
	MxcsrUE uint32 = 1 << 4 // 下溢（粘滞）
	MxcsrPE uint32 = 1 << 5 // 精度（粘滞）
	MxcsrIM uint32 = 1 << 7 // 无效操作屏蔽
	MxcsrDM uint32 = 1 << 8
	MxcsrZM uint32 = 1 << 9
	MxcsrOM uint32 = 1 << 10
	MxcsrUM uint32 = 1 << 11
	MxcsrPM uint32 = 1 << 12

	MxcsrDefault uint32 = 0x1f80 // 全部屏蔽
)

// ============================================================================
// CPU 模式
// ============================================================================

// Mode CPU 运行模式
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
	ModeVm86
)

// Bitness 返回默认操作数位宽
func (m Mode) Bitness() uint8 {
	switch m {
	case ModeLong:
		return 64
	case ModeProtected:
		return 32
	default:
		return 16
	}
}

// IPMask 返回指令指针的有效位掩码
func (m Mode) IPMask() uint64 {
	switch m {
	case ModeLong:
		return ^uint64(0)
	case ModeProtected:
		return 0xffff_ffff
	default:
		return 0xffff
	}
}

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	case ModeVm86:
		return "vm86"
	default:
		return "unknown"
	}
}

// ============================================================================
// 段与描述符表
// ============================================================================

// 段寄存器编号
const (
	SegES = 0
	SegCS = 1
	SegSS = 2
	SegDS = 3
	SegFS = 4
	SegGS = 5

	SegCount = 6
)

// Segment 段寄存器（选择子 + 缓存的描述符内容）
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint16 // 描述符属性位（P/DPL/S/Type/D/L/G）
}

// DPL 返回段描述符特权级
func (s Segment) DPL() uint8 { return uint8(s.Attr>>5) & 3 }

// DescriptorTable GDT/IDT 基址与界限
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// TaskRegister TR / LDTR
type TaskRegister struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint16
}

// ============================================================================
// CpuState
// ============================================================================

// CpuState 单个 vCPU 核心的架构状态
type CpuState struct {
	GPR    [GPRCount]uint64
	RIP    uint64
	RFLAGS uint64
	Lazy   LazyFlags

	Mode   Mode
	Halted bool

	Segments [SegCount]Segment
	GDT      DescriptorTable
	IDT      DescriptorTable
	LDTR     TaskRegister
	TR       TaskRegister

	CR0 uint64
	CR2 uint64
	CR3 uint64
	CR4 uint64

	EFER         uint64
	KernelGSBase uint64
	LSTAR        uint64
	STAR         uint64
	FMASK        uint64

	XMM   [XMMCount][2]uint64
	MXCSR uint32

	A20Enabled bool
}

// NewState 创建复位状态的 CpuState
func NewState() *CpuState {
	s := &CpuState{}
	s.Reset()
	return s
}

// Reset 复位到上电状态
func (s *CpuState) Reset() {
	*s = CpuState{
		RFLAGS:     FlagReserved,
		RIP:        0xfff0,
		Mode:       ModeReal,
		MXCSR:      MxcsrDefault,
		A20Enabled: true,
	}
	s.Segments[SegCS] = Segment{Selector: 0xf000, Base: 0xf0000, Limit: 0xffff, Attr: 0x93}
	for i := 0; i < SegCount; i++ {
		if i == SegCS {
			continue
		}
		s.Segments[i] = Segment{Limit: 0xffff, Attr: 0x93}
	}
}

// CPL 当前特权级
func (s *CpuState) CPL() uint8 {
	if s.Mode == ModeReal {
		return 0
	}
	if s.Mode == ModeVm86 {
		return 3
	}
	return uint8(s.Segments[SegCS].Selector) & 3
}

// ============================================================================
// 标志位访问
// ============================================================================

// GetFlag 查询单个标志位，算术标志位走惰性计算
func (s *CpuState) GetFlag(flag uint64) bool {
	if s.Lazy.Op != LazyNone && flag&arithFlags != 0 {
		switch flag {
		case FlagCF:
			return s.Lazy.CF()
		case FlagPF:
			return s.Lazy.PF()
		case FlagAF:
			return s.Lazy.AF()
		case FlagZF:
			return s.Lazy.ZF()
		case FlagSF:
			return s.Lazy.SF()
		case FlagOF:
			return s.Lazy.OF()
		}
	}
	return s.RFLAGS&flag != 0
}

// SetFlag 设置单个标志位。写算术标志位前必须先落实惰性状态，
// 否则后续的落实会覆盖这次写入。
func (s *CpuState) SetFlag(flag uint64, v bool) {
	if flag&arithFlags != 0 {
		s.CommitLazyFlags()
	}
	if v {
		s.RFLAGS |= flag
	} else {
		s.RFLAGS &^= flag
	}
}

// CommitLazyFlags 把惰性标志位落实到 RFLAGS
func (s *CpuState) CommitLazyFlags() {
	if s.Lazy.Op == LazyNone {
		return
	}
	s.RFLAGS = (s.RFLAGS &^ arithFlags) | s.Lazy.Materialize() | FlagReserved
	s.Lazy.Op = LazyNone
}

// RFlagsSnapshot 返回完整的 RFLAGS（含落实后的算术标志位）
func (s *CpuState) RFlagsSnapshot() uint64 {
	s.CommitLazyFlags()
	return s.RFLAGS | FlagReserved
}

// SetRFlags 整体写入 RFLAGS，使任何惰性状态失效
func (s *CpuState) SetRFlags(v uint64) {
	s.RFLAGS = (v | FlagReserved) &^ (FlagRF)
	s.Lazy.Op = LazyNone
}

// ConditionMet 求值 x86 条件码（0x0-0xf 编码）
func (s *CpuState) ConditionMet(cc uint8) bool {
	var v bool
	switch cc >> 1 {
	case 0:
		v = s.GetFlag(FlagOF)
	case 1:
		v = s.GetFlag(FlagCF)
	case 2:
		v = s.GetFlag(FlagZF)
	case 3:
		v = s.GetFlag(FlagCF) || s.GetFlag(FlagZF)
	case 4:
		v = s.GetFlag(FlagSF)
	case 5:
		v = s.GetFlag(FlagPF)
	case 6:
		v = s.GetFlag(FlagSF) != s.GetFlag(FlagOF)
	default:
		v = s.GetFlag(FlagZF) || s.GetFlag(FlagSF) != s.GetFlag(FlagOF)
	}
	if cc&1 == 1 {
		return !v
	}
	return v
}

// ============================================================================
// 寄存器读写
// ============================================================================

// Gpr8Mapping 8 位寄存器编码到 (寄存器号, 是否高字节) 的映射。
// 无 REX 前缀时 4..7 编码 AH/CH/DH/BH；有 REX 时编码 SPL/BPL/SIL/DIL。
func Gpr8Mapping(reg uint8, rexPresent bool) (idx uint8, high bool) {
	if !rexPresent && reg >= 4 && reg < 8 {
		return reg - 4, true
	}
	return reg, false
}

// ReadReg 按宽度读寄存器。size 为 8 时 high 指定高字节视图。
func (s *CpuState) ReadReg(idx uint8, size uint8, high bool) uint64 {
	v := s.GPR[idx]
	switch size {
	case 8:
		if high {
			return (v >> 8) & 0xff
		}
		return v & 0xff
	case 16:
		return v & 0xffff
	case 32:
		return v & 0xffff_ffff
	case 64:
		return v
	default:
		panic("cpu: unsupported register width")
	}
}

// WriteReg 按宽度写寄存器。32 位写零扩展，8/16 位写保留高位。
func (s *CpuState) WriteReg(idx uint8, size uint8, high bool, v uint64) {
	switch size {
	case 8:
		if high {
			s.GPR[idx] = (s.GPR[idx] &^ 0xff00) | ((v & 0xff) << 8)
		} else {
			s.GPR[idx] = (s.GPR[idx] &^ 0xff) | (v & 0xff)
		}
	case 16:
		s.GPR[idx] = (s.GPR[idx] &^ 0xffff) | (v & 0xffff)
	case 32:
		s.GPR[idx] = v & 0xffff_ffff
	case 64:
		s.GPR[idx] = v
	default:
		panic("cpu: unsupported register width")
	}
}

// ============================================================================
// 模式与地址
// ============================================================================

// UpdateMode 根据 CR0/EFER/RFLAGS 重新推导运行模式
func (s *CpuState) UpdateMode() {
	switch {
	case s.CR0&CR0PE == 0:
		s.Mode = ModeReal
	case s.EFER&EFERLMA != 0:
		s.Mode = ModeLong
	case s.RFLAGS&FlagVM != 0:
		s.Mode = ModeVm86
	default:
		s.Mode = ModeProtected
	}
}

// ApplyA20 应用 A20 门掩码
func (s *CpuState) ApplyA20(addr uint64) uint64 {
	if !s.A20Enabled {
		return addr &^ (1 << 20)
	}
	return addr
}

// LinearAddr 段基址 + 偏移（实模式/平坦保护模式下的线性地址）
func (s *CpuState) LinearAddr(seg int, off uint64) uint64 {
	if s.Mode == ModeLong && seg != SegFS && seg != SegGS {
		return s.ApplyA20(off)
	}
	return s.ApplyA20(s.Segments[seg].Base + off)
}
