// decoder_test.go - 解码器测试

package x86

import (
	"errors"
	"testing"
)

// TestDecode64Basic 测试 64 位模式常见编码
func TestDecode64Basic(t *testing.T) {
	cases := []struct {
		name  string
		code  []byte
		op    Op
		size  uint8
		ilen  uint8
		check func(t *testing.T, in Inst)
	}{
		{
			name: "mov eax, imm32",
			code: []byte{0xb8, 0x05, 0x00, 0x00, 0x00},
			op:   OpMov, size: 32, ilen: 5,
			check: func(t *testing.T, in Inst) {
				if in.Dst.Kind != OperReg || in.Dst.Reg != 0 {
					t.Errorf("dst = %+v, want eax", in.Dst)
				}
				if in.Src.Kind != OperImm || in.Src.Imm != 5 {
					t.Errorf("src = %+v, want imm 5", in.Src)
				}
			},
		},
		{
			name: "add eax, imm8 sign-extended",
			code: []byte{0x83, 0xc0, 0x07},
			op:   OpAdd, size: 32, ilen: 3,
			check: func(t *testing.T, in Inst) {
				if in.Src.Imm != 7 {
					t.Errorf("imm = %d, want 7", in.Src.Imm)
				}
			},
		},
		{
			name: "mov rax, rbx",
			code: []byte{0x48, 0x89, 0xd8},
			op:   OpMov, size: 64, ilen: 3,
			check: func(t *testing.T, in Inst) {
				if in.Dst.Reg != 0 || in.Src.Reg != 3 {
					t.Errorf("regs = %d,%d, want rax,rbx", in.Dst.Reg, in.Src.Reg)
				}
			},
		},
		{
			name: "mov r8, r9 (REX.RB)",
			code: []byte{0x4d, 0x89, 0xc8},
			op:   OpMov, size: 64, ilen: 3,
			check: func(t *testing.T, in Inst) {
				if in.Dst.Reg != 8 || in.Src.Reg != 9 {
					t.Errorf("regs = %d,%d, want r8,r9", in.Dst.Reg, in.Src.Reg)
				}
			},
		},
		{
			name: "mov ax, bx (66 prefix)",
			code: []byte{0x66, 0x89, 0xd8},
			op:   OpMov, size: 16, ilen: 3,
		},
		{
			name: "mov [rbx+8], rax",
			code: []byte{0x48, 0x89, 0x43, 0x08},
			op:   OpMov, size: 64, ilen: 4,
			check: func(t *testing.T, in Inst) {
				d := in.Dst
				if d.Kind != OperMem || d.Base != 3 || d.Index != -1 || d.Disp != 8 {
					t.Errorf("mem = %+v, want [rbx+8]", d)
				}
			},
		},
		{
			name: "mov rax, [rip+0x10]",
			code: []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00},
			op:   OpMov, size: 64, ilen: 7,
			check: func(t *testing.T, in Inst) {
				if !in.Src.RipRel || in.Src.Disp != 0x10 {
					t.Errorf("src = %+v, want rip-relative +0x10", in.Src)
				}
			},
		},
		{
			name: "lea rax, [rbx+rcx*4+0x20]",
			code: []byte{0x48, 0x8d, 0x44, 0x8b, 0x20},
			op:   OpLea, size: 64, ilen: 5,
			check: func(t *testing.T, in Inst) {
				s := in.Src
				if s.Base != 3 || s.Index != 1 || s.Scale != 4 || s.Disp != 0x20 {
					t.Errorf("mem = %+v, want [rbx+rcx*4+0x20]", s)
				}
			},
		},
		{
			name: "movzx eax, byte [rbx]",
			code: []byte{0x0f, 0xb6, 0x03},
			op:   OpMovzx, size: 32, ilen: 3,
		},
		{
			name: "jne rel8",
			code: []byte{0x75, 0xfe},
			op:   OpJcc, size: 32, ilen: 2,
			check: func(t *testing.T, in Inst) {
				if in.Cond != CondNE {
					t.Errorf("cond = %v, want ne", in.Cond)
				}
				if tgt, ok := in.BranchTarget(0x1000); !ok || tgt != 0x1000 {
					t.Errorf("target = %#x, want 0x1000 (self)", tgt)
				}
			},
		},
		{
			name: "jmp rel32",
			code: []byte{0xe9, 0x00, 0x01, 0x00, 0x00},
			op:   OpJmp, size: 32, ilen: 5,
			check: func(t *testing.T, in Inst) {
				if tgt, _ := in.BranchTarget(0x400); tgt != 0x400+5+0x100 {
					t.Errorf("target = %#x", tgt)
				}
			},
		},
		{
			name: "call rel32",
			code: []byte{0xe8, 0x10, 0x00, 0x00, 0x00},
			op:   OpCall, size: 64, ilen: 5,
		},
		{name: "ret", code: []byte{0xc3}, op: OpRet, size: 64, ilen: 1},
		{name: "push rbx", code: []byte{0x53}, op: OpPush, size: 64, ilen: 1},
		{name: "pop rbx", code: []byte{0x5b}, op: OpPop, size: 64, ilen: 1},
		{name: "hlt", code: []byte{0xf4}, op: OpHlt, size: 32, ilen: 1},
		{name: "int3", code: []byte{0xcc}, op: OpInt3, size: 32, ilen: 1},
		{name: "int 0x80", code: []byte{0xcd, 0x80}, op: OpInt, size: 32, ilen: 2},
		{name: "nop", code: []byte{0x90}, op: OpNop, size: 32, ilen: 1},
		{
			name: "setne al",
			code: []byte{0x0f, 0x95, 0xc0},
			op:   OpSetcc, size: 8, ilen: 3,
			check: func(t *testing.T, in Inst) {
				if in.Cond != CondNE {
					t.Errorf("cond = %v, want ne", in.Cond)
				}
			},
		},
		{
			name: "cmove rax, rbx",
			code: []byte{0x48, 0x0f, 0x44, 0xc3},
			op:   OpCmovcc, size: 64, ilen: 4,
		},
		{
			name: "addsd xmm0, xmm1",
			code: []byte{0xf2, 0x0f, 0x58, 0xc1},
			op:   OpAddsd, size: 64, ilen: 4,
			check: func(t *testing.T, in Inst) {
				if in.Dst.Kind != OperXmm || in.Src.Kind != OperXmm {
					t.Errorf("operands = %+v / %+v, want xmm regs", in.Dst, in.Src)
				}
			},
		},
	}

	for _, c := range cases {
		in, err := Decode(c.code, 64)
		if err != nil {
			t.Errorf("%s: decode error %v", c.name, err)
			continue
		}
		if in.Op != c.op {
			t.Errorf("%s: op = %d, want %d", c.name, in.Op, c.op)
		}
		if in.OpSize != c.size {
			t.Errorf("%s: size = %d, want %d", c.name, in.OpSize, c.size)
		}
		if in.Len != c.ilen {
			t.Errorf("%s: len = %d, want %d", c.name, in.Len, c.ilen)
		}
		if c.check != nil {
			c.check(t, in)
		}
	}
}

// TestDecode16 测试 16 位模式默认宽度
func TestDecode16(t *testing.T) {
	// mov ax, imm16
	in, err := Decode([]byte{0xb8, 0x34, 0x12}, 16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Op != OpMov || in.OpSize != 16 || in.Len != 3 {
		t.Errorf("inst = %+v", in)
	}
	if in.Src.Imm != 0x1234 {
		t.Errorf("imm = %#x, want 0x1234", in.Src.Imm)
	}

	// 66 前缀切换到 32 位
	in, err = Decode([]byte{0x66, 0xb8, 0x78, 0x56, 0x34, 0x12}, 16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.OpSize != 32 || in.Src.Imm != 0x12345678 {
		t.Errorf("66-prefixed inst = %+v", in)
	}
}

// TestShortIncDec 测试 40-4F 在 16/32 位模式下是 inc/dec r，而非 REX
func TestShortIncDec(t *testing.T) {
	// inc ax
	in, err := Decode([]byte{0x40}, 16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Op != OpInc || in.OpSize != 16 || in.Len != 1 || in.Dst.Reg != 0 {
		t.Errorf("inst = %+v, want inc ax", in)
	}

	// dec ebx（32 位模式）
	in, err = Decode([]byte{0x4b}, 32)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Op != OpDec || in.OpSize != 32 || in.Dst.Reg != 3 {
		t.Errorf("inst = %+v, want dec ebx", in)
	}

	// 66 前缀在 16 位模式下给出 32 位 inc
	in, err = Decode([]byte{0x66, 0x41}, 16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Op != OpInc || in.OpSize != 32 || in.Dst.Reg != 1 {
		t.Errorf("inst = %+v, want inc ecx", in)
	}

	// 64 位模式下同一字节是 REX 前缀
	in, err = Decode([]byte{0x48, 0xff, 0xc0}, 64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Op != OpInc || in.OpSize != 64 {
		t.Errorf("inst = %+v, want inc rax", in)
	}
}

// TestHighByteRegs 测试无 REX 时 4-7 号 8 位寄存器是 AH/CH/DH/BH
func TestHighByteRegs(t *testing.T) {
	// mov ah, cl
	in, err := Decode([]byte{0x88, 0xcc}, 64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !in.Dst.High || in.Dst.Reg != 0 {
		t.Errorf("dst = %+v, want AH", in.Dst)
	}

	// REX 前缀下 4 号是 SPL，不是 AH
	in, err = Decode([]byte{0x40, 0x88, 0xcc}, 64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Dst.High || in.Dst.Reg != 4 {
		t.Errorf("dst = %+v, want SPL", in.Dst)
	}
}

// TestDecodeErrors 测试截断与不支持编码的错误分类
func TestDecodeErrors(t *testing.T) {
	// 截断：立即数不完整
	if _, err := Decode([]byte{0xb8, 0x01}, 64); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated imm: err = %v, want ErrTruncated", err)
	}
	// 截断：空输入
	if _, err := Decode(nil, 64); !errors.Is(err, ErrTruncated) {
		t.Errorf("empty: err = %v, want ErrTruncated", err)
	}
	// 不支持的操作码
	_, err := Decode([]byte{0x0f, 0xff}, 64)
	var uns *ErrUnsupported
	if !errors.As(err, &uns) {
		t.Errorf("unsupported: err = %v, want *ErrUnsupported", err)
	}
}

// TestFlowClass 测试控制流分类
func TestFlowClass(t *testing.T) {
	cases := []struct {
		code []byte
		cls  Class
	}{
		{[]byte{0x90}, ClassSequential},
		{[]byte{0xe9, 0, 0, 0, 0}, ClassJmp},
		{[]byte{0xff, 0xe0}, ClassJmp}, // jmp rax
		{[]byte{0x74, 0x00}, ClassJcc},
		{[]byte{0xe8, 0, 0, 0, 0}, ClassCall},
		{[]byte{0xc3}, ClassRet},
		{[]byte{0xcf}, ClassRet}, // iret
		{[]byte{0xf4}, ClassAssist},
		{[]byte{0xcd, 0x21}, ClassAssist},
	}
	for _, c := range cases {
		in, err := Decode(c.code, 64)
		if err != nil {
			t.Errorf("% x: decode error %v", c.code, err)
			continue
		}
		if got := in.FlowClass(); got != c.cls {
			t.Errorf("% x: class = %d, want %d", c.code, got, c.cls)
		}
	}
}
