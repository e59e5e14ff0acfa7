// discover_test.go - 基本块发现测试

package jit

import (
	"testing"

	"github.com/tangzhangming/vcore/internal/mem"
)

func codeRAM(t *testing.T, at uint64, code []byte) *mem.RAM {
	t.Helper()
	ram, err := mem.NewRAM(0x10000)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	if err := ram.WriteBytes(at, code); err != nil {
		t.Fatalf("load code: %v", err)
	}
	return ram
}

// TestDiscoverJmp 测试以相对跳转结束的块
func TestDiscoverJmp(t *testing.T) {
	ram := codeRAM(t, 0x1000, []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x83, 0xc0, 0x07, //             add eax, 7
		0xeb, 0x10, //                   jmp +0x10
	})
	blk := DiscoverBlock(ram, 0x1000, DefaultBlockLimits(), 64)

	if blk.End != EndJmp {
		t.Fatalf("End = %v, want jmp", blk.End)
	}
	if len(blk.Instrs) != 3 {
		t.Errorf("instr count = %d, want 3", len(blk.Instrs))
	}
	if blk.ByteLen != 10 {
		t.Errorf("ByteLen = %d, want 10", blk.ByteLen)
	}
	if !blk.HasTarget || blk.Target != 0x1000+10+0x10 {
		t.Errorf("target = %#x hasTarget=%v", blk.Target, blk.HasTarget)
	}
}

// TestDiscoverJcc 测试条件跳转的两个出口
func TestDiscoverJcc(t *testing.T) {
	ram := codeRAM(t, 0x2000, []byte{
		0xff, 0xc9, //  dec ecx
		0x75, 0xfc, //  jnz -4
	})
	blk := DiscoverBlock(ram, 0x2000, DefaultBlockLimits(), 64)

	if blk.End != EndJcc {
		t.Fatalf("End = %v, want jcc", blk.End)
	}
	if !blk.HasTarget || blk.Target != 0x2000 {
		t.Errorf("taken target = %#x, want 0x2000", blk.Target)
	}
	if blk.NextRIP != 0x2004 {
		t.Errorf("fallthrough = %#x, want 0x2004", blk.NextRIP)
	}
}

// TestDiscoverRet 测试 ret 结束且无目标
func TestDiscoverRet(t *testing.T) {
	ram := codeRAM(t, 0x3000, []byte{0x90, 0xc3})
	blk := DiscoverBlock(ram, 0x3000, DefaultBlockLimits(), 64)

	if blk.End != EndRet {
		t.Fatalf("End = %v, want ret", blk.End)
	}
	if blk.HasTarget {
		t.Error("ret should have no static target")
	}
}

// TestDiscoverAssist 测试慢路径指令换回解释器
func TestDiscoverAssist(t *testing.T) {
	ram := codeRAM(t, 0x4000, []byte{
		0x90, // nop
		0xf4, // hlt
	})
	blk := DiscoverBlock(ram, 0x4000, DefaultBlockLimits(), 64)

	if blk.End != EndExitToInterpreter {
		t.Fatalf("End = %v, want exit-to-interpreter", blk.End)
	}
	// hlt 本身不进块
	if len(blk.Instrs) != 1 {
		t.Errorf("instr count = %d, want 1 (nop only)", len(blk.Instrs))
	}
	if blk.NextRIP != 0x4001 {
		t.Errorf("NextRIP = %#x, want hlt address 0x4001", blk.NextRIP)
	}
	if blk.ByteLen != 1 {
		t.Errorf("ByteLen = %d, want 1", blk.ByteLen)
	}
}

// TestDiscoverUndecodable 测试无法解码的尾部不计入块
func TestDiscoverUndecodable(t *testing.T) {
	ram := codeRAM(t, 0x5000, []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x0f, 0xff, //                   不支持的编码
	})
	blk := DiscoverBlock(ram, 0x5000, DefaultBlockLimits(), 64)

	if blk.End != EndExitToInterpreter {
		t.Fatalf("End = %v, want exit-to-interpreter", blk.End)
	}
	if blk.ByteLen != 5 {
		t.Errorf("ByteLen = %d, want 5 (undecodable tail excluded)", blk.ByteLen)
	}
	if blk.NextRIP != 0x5005 {
		t.Errorf("NextRIP = %#x, want 0x5005", blk.NextRIP)
	}
}

// TestDiscoverInstrLimit 测试指令数上限截断
func TestDiscoverInstrLimit(t *testing.T) {
	code := make([]byte, 32)
	for i := range code {
		code[i] = 0x90 // nop
	}
	ram := codeRAM(t, 0x6000, code)

	limits := BlockLimits{MaxInstructions: 8, MaxBytes: 512}
	blk := DiscoverBlock(ram, 0x6000, limits, 64)

	if blk.End != EndLimit {
		t.Fatalf("End = %v, want limit", blk.End)
	}
	if len(blk.Instrs) != 8 {
		t.Errorf("instr count = %d, want 8", len(blk.Instrs))
	}
	if blk.NextRIP != 0x6008 {
		t.Errorf("NextRIP = %#x, want 0x6008", blk.NextRIP)
	}
}

// TestDiscoverByteLimit 测试字节数上限截断
func TestDiscoverByteLimit(t *testing.T) {
	var code []byte
	for i := 0; i < 8; i++ {
		code = append(code, 0xb8, 0x01, 0x00, 0x00, 0x00) // mov eax,1 ×8
	}
	ram := codeRAM(t, 0x7000, code)

	limits := BlockLimits{MaxInstructions: 64, MaxBytes: 12}
	blk := DiscoverBlock(ram, 0x7000, limits, 64)

	if blk.End != EndLimit {
		t.Fatalf("End = %v, want limit", blk.End)
	}
	if blk.ByteLen > 12 {
		t.Errorf("ByteLen = %d exceeds byte limit", blk.ByteLen)
	}
	if len(blk.Instrs) != 2 {
		t.Errorf("instr count = %d, want 2", len(blk.Instrs))
	}
}

// TestDiscoverOutsideRAM 测试入口在内存外
func TestDiscoverOutsideRAM(t *testing.T) {
	ram, err := mem.NewRAM(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	blk := DiscoverBlock(ram, 0x10_0000, DefaultBlockLimits(), 64)
	if blk.End != EndExitToInterpreter {
		t.Errorf("End = %v, want exit-to-interpreter", blk.End)
	}
	if len(blk.Instrs) != 0 {
		t.Error("no instructions should decode outside RAM")
	}
}
