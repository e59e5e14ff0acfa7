// decoder.go - 指令解码器
//
// 从原始字节流解码单条指令：前缀（含 REX）、操作码、ModRM/SIB、
// 位移和立即数。不支持的编码返回 ErrUnsupported —— 上层将其分类为
// #UD 或交还 Tier-0，绝不猜测长度。

package x86

import (
	"errors"
	"fmt"
)

// ErrTruncated 字节流在指令结束前耗尽
var ErrTruncated = errors.New("x86: truncated instruction")

// ErrUnsupported 超出支持子集的编码
type ErrUnsupported struct {
	Opcode byte
	Escape bool // 0F 扩展操作码
}

func (e *ErrUnsupported) Error() string {
	if e.Escape {
		return fmt.Sprintf("x86: unsupported opcode 0f %02x", e.Opcode)
	}
	return fmt.Sprintf("x86: unsupported opcode %02x", e.Opcode)
}

// MaxInstLen 指令最大长度
const MaxInstLen = 15

// 段寄存器编号（与 cpu 包的 Seg* 对应）
const (
	segES = 0
	segCS = 1
	segSS = 2
	segDS = 3
	segFS = 4
	segGS = 5
)

type decoder struct {
	code []byte
	pos  int

	bitness uint8
	opSize  uint8
	adSize  uint8

	seg    int8
	rex    byte
	hasRex bool
	p66    bool
	p67    bool
	pF2    bool
	pF3    bool
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.code) || d.pos >= MaxInstLen {
		return 0, ErrTruncated
	}
	return d.code[d.pos], nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.peek()
	if err != nil {
		return 0, err
	}
	d.pos++
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	lo, err := d.u8()
	if err != nil {
		return 0, err
	}
	hi, err := d.u8()
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (d *decoder) u32() (uint32, error) {
	lo, err := d.u16()
	if err != nil {
		return 0, err
	}
	hi, err := d.u16()
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func (d *decoder) u64() (uint64, error) {
	lo, err := d.u32()
	if err != nil {
		return 0, err
	}
	hi, err := d.u32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (d *decoder) rexR() uint8 { return (d.rex >> 2) & 1 }
func (d *decoder) rexX() uint8 { return (d.rex >> 1) & 1 }
func (d *decoder) rexB() uint8 { return d.rex & 1 }
func (d *decoder) rexW() bool  { return d.rex&8 != 0 }

// immz 按操作数宽度读取立即数（16 位读 imm16，其余读 imm32 符号扩展）
func (d *decoder) immz() (int64, error) {
	if d.opSize == 16 {
		v, err := d.u16()
		return int64(int16(v)), err
	}
	v, err := d.u32()
	return int64(int32(v)), err
}

// Decode 解码 code 起始处的一条指令。bitness ∈ {16,32,64}。
func Decode(code []byte, bitness uint8) (Inst, error) {
	d := &decoder{code: code, bitness: bitness, seg: -1}

	// 前缀
prefixes:
	for {
		b, err := d.peek()
		if err != nil {
			return Inst{}, err
		}
		switch b {
		case 0x66:
			d.p66 = true
		case 0x67:
			d.p67 = true
		case 0xf0: // lock：单核模型下忽略
		case 0xf2:
			d.pF2 = true
		case 0xf3:
			d.pF3 = true
		case 0x26:
			d.seg = segES
		case 0x2e:
			d.seg = segCS
		case 0x36:
			d.seg = segSS
		case 0x3e:
			d.seg = segDS
		case 0x64:
			d.seg = segFS
		case 0x65:
			d.seg = segGS
		default:
			break prefixes
		}
		d.pos++
	}

	if bitness == 64 {
		if b, err := d.peek(); err == nil && b >= 0x40 && b <= 0x4f {
			d.rex = b & 0xf
			d.hasRex = true
			d.pos++
		}
	}

	// 有效操作数/地址宽度
	switch bitness {
	case 64:
		d.opSize = 32
		if d.p66 {
			d.opSize = 16
		}
		if d.rexW() {
			d.opSize = 64
		}
		d.adSize = 64
		if d.p67 {
			d.adSize = 32
		}
	case 32:
		d.opSize = 32
		if d.p66 {
			d.opSize = 16
		}
		d.adSize = 32
		if d.p67 {
			d.adSize = 16
		}
	default:
		d.opSize = 16
		if d.p66 {
			d.opSize = 32
		}
		d.adSize = 16
		if d.p67 {
			d.adSize = 32
		}
	}

	inst, err := d.opcode()
	if err != nil {
		return Inst{}, err
	}
	inst.Len = uint8(d.pos)
	inst.AddrSize = d.adSize
	inst.Rex = d.hasRex
	return inst, nil
}

// ============================================================================
// ModRM / SIB
// ============================================================================

func (d *decoder) modrm() (mod, reg, rm byte, err error) {
	b, err := d.u8()
	if err != nil {
		return 0, 0, 0, err
	}
	return b >> 6, (b >> 3) & 7, b & 7, nil
}

// rmOperand 把 ModRM 的 mod/rm 解析为寄存器或内存操作数
func (d *decoder) rmOperand(mod, rm byte, size uint8) (Operand, error) {
	if mod == 3 {
		reg := rm | d.rexB()<<3
		idx, high := gpr8View(reg, size, d.hasRex)
		return Operand{Kind: OperReg, Reg: idx, High: high}, nil
	}
	if d.adSize == 16 {
		return d.mem16(mod, rm)
	}
	return d.mem3264(mod, rm)
}

func gpr8View(reg uint8, size uint8, rex bool) (uint8, bool) {
	if size != 8 {
		return reg, false
	}
	if !rex && reg >= 4 && reg < 8 {
		return reg - 4, true
	}
	return reg, false
}

func (d *decoder) regOperand(reg byte, size uint8) Operand {
	r := reg | d.rexR()<<3
	idx, high := gpr8View(r, size, d.hasRex)
	return Operand{Kind: OperReg, Reg: idx, High: high}
}

var mem16Base = [8][2]int8{
	{3, 6},   // BX+SI
	{3, 7},   // BX+DI
	{5, 6},   // BP+SI
	{5, 7},   // BP+DI
	{6, -1},  // SI
	{7, -1},  // DI
	{5, -1},  // BP（mod=0 时为 disp16）
	{3, -1},  // BX
}

func (d *decoder) mem16(mod, rm byte) (Operand, error) {
	op := Operand{Kind: OperMem, Seg: d.seg, Base: -1, Index: -1, Scale: 1}
	pair := mem16Base[rm]
	op.Base, op.Index = pair[0], pair[1]
	if mod == 0 && rm == 6 {
		op.Base = -1
		v, err := d.u16()
		if err != nil {
			return op, err
		}
		op.Disp = int64(v)
	}
	switch mod {
	case 1:
		v, err := d.u8()
		if err != nil {
			return op, err
		}
		op.Disp = int64(int8(v))
	case 2:
		v, err := d.u16()
		if err != nil {
			return op, err
		}
		op.Disp = int64(int16(v))
	}
	if op.Seg < 0 {
		if op.Base == 5 { // BP 基址默认 SS
			op.Seg = segSS
		} else {
			op.Seg = segDS
		}
	}
	return op, nil
}

func (d *decoder) mem3264(mod, rm byte) (Operand, error) {
	op := Operand{Kind: OperMem, Seg: d.seg, Base: -1, Index: -1, Scale: 1}

	if rm == 4 {
		sib, err := d.u8()
		if err != nil {
			return op, err
		}
		scale := sib >> 6
		index := (sib>>3)&7 | d.rexX()<<3
		base := sib&7 | d.rexB()<<3
		op.Scale = 1 << scale
		if index != 4 { // RSP 不能作索引
			op.Index = int8(index)
		}
		if sib&7 == 5 && mod == 0 {
			v, err := d.u32()
			if err != nil {
				return op, err
			}
			op.Disp = int64(int32(v))
		} else {
			op.Base = int8(base)
		}
	} else if rm == 5 && mod == 0 {
		v, err := d.u32()
		if err != nil {
			return op, err
		}
		op.Disp = int64(int32(v))
		if d.bitness == 64 {
			op.RipRel = true
		}
	} else {
		op.Base = int8(rm | d.rexB()<<3)
	}

	switch mod {
	case 1:
		v, err := d.u8()
		if err != nil {
			return op, err
		}
		op.Disp += int64(int8(v))
	case 2:
		v, err := d.u32()
		if err != nil {
			return op, err
		}
		op.Disp += int64(int32(v))
	}

	if op.Seg < 0 {
		if op.Base == 4 || op.Base == 5 { // RSP/RBP 基址默认 SS
			op.Seg = segSS
		} else {
			op.Seg = segDS
		}
	}
	return op, nil
}

// ============================================================================
// 操作码分派
// ============================================================================

var group1Ops = [8]Op{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp}

func (d *decoder) opcode() (Inst, error) {
	b, err := d.u8()
	if err != nil {
		return Inst{}, err
	}

	// ALU 主组：00-3D（跳过 0x26 等前缀，已在前面消费）
	if b < 0x40 && b&7 <= 5 {
		op := group1Ops[b>>3]
		return d.aluForm(op, b&7)
	}

	switch {
	case d.bitness != 64 && b >= 0x40 && b <= 0x4f: // inc/dec r16/r32（64 位下是 REX）
		op := OpInc
		if b >= 0x48 {
			op = OpDec
		}
		return Inst{Op: op, OpSize: d.opSize,
			Dst: Operand{Kind: OperReg, Reg: b & 7}}, nil
	case b >= 0x50 && b <= 0x57: // push r
		return d.pushPopReg(OpPush, b-0x50)
	case b >= 0x58 && b <= 0x5f: // pop r
		return d.pushPopReg(OpPop, b-0x58)
	case b >= 0x70 && b <= 0x7f: // jcc rel8
		return d.jccRel8(Cond(b & 0xf))
	case b >= 0x91 && b <= 0x97: // xchg eAX, r
		reg := (b - 0x90) | d.rexB()<<3
		return Inst{Op: OpXchg, OpSize: d.opSize,
			Dst: Operand{Kind: OperReg, Reg: 0},
			Src: Operand{Kind: OperReg, Reg: reg}}, nil
	case b >= 0xb0 && b <= 0xb7: // mov r8, imm8
		reg := (b - 0xb0) | d.rexB()<<3
		idx, high := gpr8View(reg, 8, d.hasRex)
		v, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMov, OpSize: 8,
			Dst: Operand{Kind: OperReg, Reg: idx, High: high},
			Src: Operand{Kind: OperImm, Imm: int64(v)}}, nil
	case b >= 0xb8 && b <= 0xbf: // mov r, imm
		reg := (b - 0xb8) | d.rexB()<<3
		var imm int64
		if d.opSize == 64 {
			v, err := d.u64()
			if err != nil {
				return Inst{}, err
			}
			imm = int64(v)
		} else {
			v, err := d.immz()
			if err != nil {
				return Inst{}, err
			}
			imm = v
		}
		return Inst{Op: OpMov, OpSize: d.opSize,
			Dst: Operand{Kind: OperReg, Reg: reg},
			Src: Operand{Kind: OperImm, Imm: imm}}, nil
	}

	switch b {
	case 0x0f:
		return d.opcode0F()

	case 0x63: // movsxd Gv, Ed（仅 64 位模式）
		if d.bitness != 64 {
			return Inst{}, &ErrUnsupported{Opcode: b}
		}
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		src, err := d.rmOperand(mod, rm, 32)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMovsxd, OpSize: d.opSize, Dst: d.regOperand(reg, d.opSize), Src: src}, nil

	case 0x68: // push imm
		v, err := d.immz()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpPush, OpSize: d.stackSize(), Src: Operand{Kind: OperImm, Imm: v}}, nil

	case 0x69, 0x6b: // imul Gv, Ev, imm
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		src, err := d.rmOperand(mod, rm, d.opSize)
		if err != nil {
			return Inst{}, err
		}
		var imm int64
		if b == 0x6b {
			v, err := d.u8()
			if err != nil {
				return Inst{}, err
			}
			imm = int64(int8(v))
		} else {
			imm, err = d.immz()
			if err != nil {
				return Inst{}, err
			}
		}
		inst := Inst{Op: OpImul3, OpSize: d.opSize, Dst: d.regOperand(reg, d.opSize), Src: src}
		inst.Src.Imm = imm // 立即数附加在 Src 上（仅 OpImul3 如此使用）
		return inst, nil

	case 0x6a: // push imm8
		v, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpPush, OpSize: d.stackSize(), Src: Operand{Kind: OperImm, Imm: int64(int8(v))}}, nil

	case 0x80, 0x81, 0x83: // grp1
		size := d.opSize
		if b == 0x80 {
			size = 8
		}
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		dst, err := d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
		var imm int64
		switch b {
		case 0x80:
			v, err := d.u8()
			if err != nil {
				return Inst{}, err
			}
			imm = int64(v)
		case 0x81:
			imm, err = d.immz()
			if err != nil {
				return Inst{}, err
			}
		default: // 0x83 符号扩展 imm8
			v, err := d.u8()
			if err != nil {
				return Inst{}, err
			}
			imm = int64(int8(v))
		}
		return Inst{Op: group1Ops[reg], OpSize: size, Dst: dst, Src: Operand{Kind: OperImm, Imm: imm}}, nil

	case 0x84, 0x85: // test E,G
		size := d.opSize
		if b == 0x84 {
			size = 8
		}
		return d.modrmEG(OpTest, size)

	case 0x86, 0x87: // xchg E,G
		size := d.opSize
		if b == 0x86 {
			size = 8
		}
		return d.modrmEG(OpXchg, size)

	case 0x88: // mov Eb, Gb
		return d.modrmEG(OpMov, 8)
	case 0x89: // mov Ev, Gv
		return d.modrmEG(OpMov, d.opSize)
	case 0x8a: // mov Gb, Eb
		return d.modrmGE(OpMov, 8)
	case 0x8b: // mov Gv, Ev
		return d.modrmGE(OpMov, d.opSize)

	case 0x8d: // lea Gv, M
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		if mod == 3 {
			return Inst{}, &ErrUnsupported{Opcode: b}
		}
		src, err := d.rmOperand(mod, rm, d.opSize)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpLea, OpSize: d.opSize, Dst: d.regOperand(reg, d.opSize), Src: src}, nil

	case 0x8f: // pop Ev
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		if reg != 0 {
			return Inst{}, &ErrUnsupported{Opcode: b}
		}
		dst, err := d.rmOperand(mod, rm, d.stackSize())
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpPop, OpSize: d.stackSize(), Dst: dst}, nil

	case 0x90:
		return Inst{Op: OpNop, OpSize: d.opSize}, nil

	case 0x98:
		return Inst{Op: OpCbw, OpSize: d.opSize}, nil
	case 0x99:
		return Inst{Op: OpCwd, OpSize: d.opSize}, nil

	case 0x9c:
		return Inst{Op: OpPushf, OpSize: d.stackSize()}, nil
	case 0x9d:
		return Inst{Op: OpPopf, OpSize: d.stackSize()}, nil

	case 0xa8: // test al, imm8
		v, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpTest, OpSize: 8,
			Dst: Operand{Kind: OperReg, Reg: 0},
			Src: Operand{Kind: OperImm, Imm: int64(v)}}, nil
	case 0xa9: // test eAX, imm
		v, err := d.immz()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpTest, OpSize: d.opSize,
			Dst: Operand{Kind: OperReg, Reg: 0},
			Src: Operand{Kind: OperImm, Imm: v}}, nil

	case 0xc0, 0xc1, 0xd0, 0xd1, 0xd2, 0xd3: // grp2 移位
		size := d.opSize
		if b == 0xc0 || b == 0xd0 || b == 0xd2 {
			size = 8
		}
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		var op Op
		switch reg {
		case 4:
			op = OpShl
		case 5:
			op = OpShr
		case 7:
			op = OpSar
		default:
			return Inst{}, &ErrUnsupported{Opcode: b}
		}
		dst, err := d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
		var src Operand
		switch b {
		case 0xc0, 0xc1:
			v, err := d.u8()
			if err != nil {
				return Inst{}, err
			}
			src = Operand{Kind: OperImm, Imm: int64(v)}
		case 0xd0, 0xd1:
			src = Operand{Kind: OperImm, Imm: 1}
		default: // CL
			src = Operand{Kind: OperReg, Reg: 1}
		}
		return Inst{Op: op, OpSize: size, Dst: dst, Src: src}, nil

	case 0xc2: // ret imm16
		v, err := d.u16()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpRetImm, OpSize: d.stackSize(), Src: Operand{Kind: OperImm, Imm: int64(v)}}, nil
	case 0xc3:
		return Inst{Op: OpRet, OpSize: d.stackSize()}, nil

	case 0xc6, 0xc7: // mov E, imm
		size := d.opSize
		if b == 0xc6 {
			size = 8
		}
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		if reg != 0 {
			return Inst{}, &ErrUnsupported{Opcode: b}
		}
		dst, err := d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
		var imm int64
		if b == 0xc6 {
			v, err := d.u8()
			if err != nil {
				return Inst{}, err
			}
			imm = int64(v)
		} else {
			imm, err = d.immz()
			if err != nil {
				return Inst{}, err
			}
		}
		return Inst{Op: OpMov, OpSize: size, Dst: dst, Src: Operand{Kind: OperImm, Imm: imm}}, nil

	case 0xcc:
		return Inst{Op: OpInt3, OpSize: d.opSize}, nil
	case 0xcd:
		v, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpInt, OpSize: d.opSize, Src: Operand{Kind: OperImm, Imm: int64(v)}}, nil
	case 0xcf:
		return Inst{Op: OpIret, OpSize: d.opSize}, nil

	case 0xe4, 0xe5, 0xe6, 0xe7: // in/out imm8
		port, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		size := d.opSize
		if b == 0xe4 || b == 0xe6 {
			size = 8
		}
		op := OpIn
		if b >= 0xe6 {
			op = OpOut
		}
		return Inst{Op: op, OpSize: size, Src: Operand{Kind: OperImm, Imm: int64(port)}}, nil

	case 0xe8: // call rel
		v, err := d.relz()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpCall, OpSize: d.stackSize(), Src: Operand{Kind: OperImm, Imm: v}}, nil
	case 0xe9: // jmp rel
		v, err := d.relz()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpJmp, OpSize: d.opSize, Src: Operand{Kind: OperImm, Imm: v}}, nil
	case 0xeb: // jmp rel8
		v, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpJmp, OpSize: d.opSize, Src: Operand{Kind: OperImm, Imm: int64(int8(v))}}, nil

	case 0xec, 0xed, 0xee, 0xef: // in/out dx
		size := d.opSize
		if b == 0xec || b == 0xee {
			size = 8
		}
		op := OpIn
		if b >= 0xee {
			op = OpOut
		}
		return Inst{Op: op, OpSize: size, Src: Operand{Kind: OperReg, Reg: 2}}, nil

	case 0xf4:
		return Inst{Op: OpHlt, OpSize: d.opSize}, nil
	case 0xf5:
		return Inst{Op: OpCmc, OpSize: d.opSize}, nil
	case 0xf8:
		return Inst{Op: OpClc, OpSize: d.opSize}, nil
	case 0xf9:
		return Inst{Op: OpStc, OpSize: d.opSize}, nil
	case 0xfa:
		return Inst{Op: OpCli, OpSize: d.opSize}, nil
	case 0xfb:
		return Inst{Op: OpSti, OpSize: d.opSize}, nil
	case 0xfc:
		return Inst{Op: OpCld, OpSize: d.opSize}, nil
	case 0xfd:
		return Inst{Op: OpStd, OpSize: d.opSize}, nil

	case 0xf6, 0xf7: // grp3
		size := d.opSize
		if b == 0xf6 {
			size = 8
		}
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		operand, err := d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
		switch reg {
		case 0, 1: // test E, imm
			var imm int64
			if b == 0xf6 {
				v, err := d.u8()
				if err != nil {
					return Inst{}, err
				}
				imm = int64(v)
			} else {
				imm, err = d.immz()
				if err != nil {
					return Inst{}, err
				}
			}
			return Inst{Op: OpTest, OpSize: size, Dst: operand, Src: Operand{Kind: OperImm, Imm: imm}}, nil
		case 2:
			return Inst{Op: OpNot, OpSize: size, Dst: operand}, nil
		case 3:
			return Inst{Op: OpNeg, OpSize: size, Dst: operand}, nil
		case 4:
			return Inst{Op: OpMul, OpSize: size, Src: operand}, nil
		case 5:
			return Inst{Op: OpImul, OpSize: size, Src: operand}, nil
		case 6:
			return Inst{Op: OpDiv, OpSize: size, Src: operand}, nil
		default:
			return Inst{Op: OpIdiv, OpSize: size, Src: operand}, nil
		}

	case 0xfe: // grp4
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		operand, err := d.rmOperand(mod, rm, 8)
		if err != nil {
			return Inst{}, err
		}
		switch reg {
		case 0:
			return Inst{Op: OpInc, OpSize: 8, Dst: operand}, nil
		case 1:
			return Inst{Op: OpDec, OpSize: 8, Dst: operand}, nil
		default:
			return Inst{}, &ErrUnsupported{Opcode: b}
		}

	case 0xff: // grp5
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		switch reg {
		case 0, 1:
			operand, err := d.rmOperand(mod, rm, d.opSize)
			if err != nil {
				return Inst{}, err
			}
			op := OpInc
			if reg == 1 {
				op = OpDec
			}
			return Inst{Op: op, OpSize: d.opSize, Dst: operand}, nil
		case 2:
			operand, err := d.rmOperand(mod, rm, d.stackSize())
			if err != nil {
				return Inst{}, err
			}
			return Inst{Op: OpCallInd, OpSize: d.stackSize(), Src: operand}, nil
		case 4:
			operand, err := d.rmOperand(mod, rm, d.stackSize())
			if err != nil {
				return Inst{}, err
			}
			return Inst{Op: OpJmpInd, OpSize: d.stackSize(), Src: operand}, nil
		case 6:
			operand, err := d.rmOperand(mod, rm, d.stackSize())
			if err != nil {
				return Inst{}, err
			}
			return Inst{Op: OpPush, OpSize: d.stackSize(), Src: operand}, nil
		default:
			return Inst{}, &ErrUnsupported{Opcode: b}
		}
	}

	return Inst{}, &ErrUnsupported{Opcode: b}
}

// stackSize 压栈操作的有效宽度
func (d *decoder) stackSize() uint8 {
	if d.bitness == 64 {
		if d.p66 {
			return 16
		}
		return 64
	}
	return d.opSize
}

// relz 按操作数宽度读取相对位移
func (d *decoder) relz() (int64, error) {
	if d.opSize == 16 && d.bitness != 64 {
		v, err := d.u16()
		return int64(int16(v)), err
	}
	v, err := d.u32()
	return int64(int32(v)), err
}

func (d *decoder) aluForm(op Op, form byte) (Inst, error) {
	switch form {
	case 0:
		return d.modrmEG(op, 8)
	case 1:
		return d.modrmEG(op, d.opSize)
	case 2:
		return d.modrmGE(op, 8)
	case 3:
		return d.modrmGE(op, d.opSize)
	case 4: // AL, imm8
		v, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: op, OpSize: 8,
			Dst: Operand{Kind: OperReg, Reg: 0},
			Src: Operand{Kind: OperImm, Imm: int64(v)}}, nil
	default: // eAX, immz
		v, err := d.immz()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: op, OpSize: d.opSize,
			Dst: Operand{Kind: OperReg, Reg: 0},
			Src: Operand{Kind: OperImm, Imm: v}}, nil
	}
}

func (d *decoder) modrmEG(op Op, size uint8) (Inst, error) {
	mod, reg, rm, err := d.modrm()
	if err != nil {
		return Inst{}, err
	}
	dst, err := d.rmOperand(mod, rm, size)
	if err != nil {
		return Inst{}, err
	}
	return Inst{Op: op, OpSize: size, Dst: dst, Src: d.regOperand(reg, size)}, nil
}

func (d *decoder) modrmGE(op Op, size uint8) (Inst, error) {
	mod, reg, rm, err := d.modrm()
	if err != nil {
		return Inst{}, err
	}
	src, err := d.rmOperand(mod, rm, size)
	if err != nil {
		return Inst{}, err
	}
	return Inst{Op: op, OpSize: size, Dst: d.regOperand(reg, size), Src: src}, nil
}

func (d *decoder) pushPopReg(op Op, low byte) (Inst, error) {
	reg := low | d.rexB()<<3
	operand := Operand{Kind: OperReg, Reg: reg}
	if op == OpPush {
		return Inst{Op: op, OpSize: d.stackSize(), Src: operand}, nil
	}
	return Inst{Op: op, OpSize: d.stackSize(), Dst: operand}, nil
}

func (d *decoder) jccRel8(cc Cond) (Inst, error) {
	v, err := d.u8()
	if err != nil {
		return Inst{}, err
	}
	return Inst{Op: OpJcc, Cond: cc, OpSize: d.opSize, Src: Operand{Kind: OperImm, Imm: int64(int8(v))}}, nil
}

// ============================================================================
// 0F 扩展操作码
// ============================================================================

func (d *decoder) opcode0F() (Inst, error) {
	b, err := d.u8()
	if err != nil {
		return Inst{}, err
	}

	switch {
	case b >= 0x40 && b <= 0x4f: // cmovcc Gv, Ev
		inst, err := d.modrmGE(OpCmovcc, d.opSize)
		if err != nil {
			return Inst{}, err
		}
		inst.Cond = Cond(b & 0xf)
		return inst, nil

	case b >= 0x80 && b <= 0x8f: // jcc relz
		v, err := d.relz()
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpJcc, Cond: Cond(b & 0xf), OpSize: d.opSize,
			Src: Operand{Kind: OperImm, Imm: v}}, nil

	case b >= 0x90 && b <= 0x9f: // setcc Eb
		mod, _, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		dst, err := d.rmOperand(mod, rm, 8)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpSetcc, Cond: Cond(b & 0xf), OpSize: 8, Dst: dst}, nil
	}

	switch b {
	case 0x10, 0x11: // movss/movsd xmm, m / m, xmm
		op, err := d.sseScalarOp(OpMovss, OpMovsd, b)
		if err != nil {
			return Inst{}, err
		}
		return d.xmmMove(op, b == 0x11)
	case 0x51:
		op, err := d.sseScalarOp(OpSqrtss, OpSqrtsd, b)
		if err != nil {
			return Inst{}, err
		}
		return d.xmmGE(op)
	case 0x58:
		op, err := d.sseScalarOp(OpAddss, OpAddsd, b)
		if err != nil {
			return Inst{}, err
		}
		return d.xmmGE(op)
	case 0x59:
		op, err := d.sseScalarOp(OpMulss, OpMulsd, b)
		if err != nil {
			return Inst{}, err
		}
		return d.xmmGE(op)
	case 0x5c:
		op, err := d.sseScalarOp(OpSubss, OpSubsd, b)
		if err != nil {
			return Inst{}, err
		}
		return d.xmmGE(op)
	case 0x5e:
		op, err := d.sseScalarOp(OpDivss, OpDivsd, b)
		if err != nil {
			return Inst{}, err
		}
		return d.xmmGE(op)

	case 0x6e, 0x7e: // movd/movq xmm, Ev / Ev, xmm（需要 66 前缀）
		if !d.p66 {
			return Inst{}, &ErrUnsupported{Opcode: b, Escape: true}
		}
		size := uint8(32)
		if d.rexW() {
			size = 64
		}
		mod, reg, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		gp, err := d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
		xmm := Operand{Kind: OperXmm, Reg: reg | d.rexR()<<3}
		if b == 0x6e {
			return Inst{Op: OpMovq, OpSize: size, Dst: xmm, Src: gp}, nil
		}
		return Inst{Op: OpMovq, OpSize: size, Dst: gp, Src: xmm}, nil

	case 0xaf: // imul Gv, Ev
		return d.modrmGE(OpImul2, d.opSize)

	case 0xb6: // movzx Gv, Eb
		return d.extendForm(OpMovzx, 8)
	case 0xb7: // movzx Gv, Ew
		return d.extendForm(OpMovzx, 16)
	case 0xbe: // movsx Gv, Eb
		return d.extendForm(OpMovsx, 8)
	case 0xbf: // movsx Gv, Ew
		return d.extendForm(OpMovsx, 16)

	case 0x1f: // 多字节 NOP
		mod, _, rm, err := d.modrm()
		if err != nil {
			return Inst{}, err
		}
		if _, err := d.rmOperand(mod, rm, d.opSize); err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpNop, OpSize: d.opSize}, nil
	}

	return Inst{}, &ErrUnsupported{Opcode: b, Escape: true}
}

// sseScalarOp 根据 F3/F2 前缀选择 ss/sd 变体
func (d *decoder) sseScalarOp(ss, sd Op, opcode byte) (Op, error) {
	switch {
	case d.pF3:
		return ss, nil
	case d.pF2:
		return sd, nil
	default:
		return OpInvalid, &ErrUnsupported{Opcode: opcode, Escape: true}
	}
}

// xmmGE 标量 SSE 运算：xmm, xmm/m
func (d *decoder) xmmGE(op Op) (Inst, error) {
	size := uint8(32)
	if d.pF2 {
		size = 64
	}
	mod, reg, rm, err := d.modrm()
	if err != nil {
		return Inst{}, err
	}
	var src Operand
	if mod == 3 {
		src = Operand{Kind: OperXmm, Reg: rm | d.rexB()<<3}
	} else {
		src, err = d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
	}
	return Inst{Op: op, OpSize: size,
		Dst: Operand{Kind: OperXmm, Reg: reg | d.rexR()<<3}, Src: src}, nil
}

// xmmMove movss/movsd 的加载/存储两个方向
func (d *decoder) xmmMove(op Op, store bool) (Inst, error) {
	size := uint8(32)
	if op == OpMovsd {
		size = 64
	}
	mod, reg, rm, err := d.modrm()
	if err != nil {
		return Inst{}, err
	}
	xmm := Operand{Kind: OperXmm, Reg: reg | d.rexR()<<3}
	var other Operand
	if mod == 3 {
		other = Operand{Kind: OperXmm, Reg: rm | d.rexB()<<3}
	} else {
		other, err = d.rmOperand(mod, rm, size)
		if err != nil {
			return Inst{}, err
		}
	}
	if store {
		return Inst{Op: op, OpSize: size, Dst: other, Src: xmm}, nil
	}
	return Inst{Op: op, OpSize: size, Dst: xmm, Src: other}, nil
}

// extendForm movzx/movsx：目标为 opSize 宽，源为 srcSize 宽
func (d *decoder) extendForm(op Op, srcSize uint8) (Inst, error) {
	mod, reg, rm, err := d.modrm()
	if err != nil {
		return Inst{}, err
	}
	src, err := d.rmOperand(mod, rm, srcSize)
	if err != nil {
		return Inst{}, err
	}
	inst := Inst{Op: op, OpSize: d.opSize, Dst: d.regOperand(reg, d.opSize), Src: src}
	// 源宽度编码在 Cond 字段（8→0，16→1），执行器按此区分
	if srcSize == 16 {
		inst.Cond = 1
	}
	return inst, nil
}
