// machine_test.go - 虚拟机执行循环与快照测试

package machine

import (
	"bytes"
	"testing"

	"go.uber.org/zap"

	"github.com/tangzhangming/vcore/internal/config"
	"github.com/tangzhangming/vcore/internal/cpu"
)

// sumLoop 1 加到 100，结果在 RAX，算完停机
//
//	0x00: mov rax, 0
//	0x07: mov rcx, 100
//	0x0e: add rax, rcx
//	0x11: dec rcx
//	0x14: jnz 0x0e
//	0x16: hlt
var sumLoop = []byte{
	0x48, 0xc7, 0xc0, 0x00, 0x00, 0x00, 0x00,
	0x48, 0xc7, 0xc1, 0x64, 0x00, 0x00, 0x00,
	0x48, 0x01, 0xc8,
	0x48, 0xff, 0xc9,
	0x75, 0xf8,
	0xf4,
}

func testConfig(jitEnabled bool) *config.Config {
	cfg := config.Default()
	cfg.Machine.RAMSize = 1 << 20
	cfg.Jit.Enabled = jitEnabled
	return cfg
}

func newTestMachine(t *testing.T, cfg *config.Config) *Machine {
	t.Helper()
	m, err := New(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestSumLoopInterpOnly 测试纯解释执行跑完求和循环
func TestSumLoopInterpOnly(t *testing.T) {
	m := newTestMachine(t, testConfig(false))
	if err := m.LoadImage(0, sumLoop); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	res := m.Run(100000)
	if res.Exit != ExitHalted {
		t.Fatalf("Exit = %v, want halted", res.Exit)
	}
	if got := m.State().GPR[cpu.RAX]; got != 5050 {
		t.Errorf("RAX = %d, want 5050", got)
	}
	if m.State().RIP != 0x17 {
		t.Errorf("RIP = %#x, want past the hlt", m.State().RIP)
	}
}

// TestJitMatchesInterpreter 测试 JIT 开关不改变架构终态
func TestJitMatchesInterpreter(t *testing.T) {
	ref := newTestMachine(t, testConfig(false))
	jm := newTestMachine(t, testConfig(true))
	for _, m := range []*Machine{ref, jm} {
		if err := m.LoadImage(0, sumLoop); err != nil {
			t.Fatalf("LoadImage: %v", err)
		}
		if res := m.Run(1000000); res.Exit != ExitHalted {
			t.Fatalf("Exit = %v, want halted", res.Exit)
		}
	}

	rs, js := ref.State(), jm.State()
	for i := 0; i < cpu.GPRCount; i++ {
		if rs.GPR[i] != js.GPR[i] {
			t.Errorf("GPR[%d]: interp %#x, jit %#x", i, rs.GPR[i], js.GPR[i])
		}
	}
	if rs.RIP != js.RIP {
		t.Errorf("RIP: interp %#x, jit %#x", rs.RIP, js.RIP)
	}
	for _, f := range []struct {
		name string
		bit  uint64
	}{{"CF", cpu.FlagCF}, {"ZF", cpu.FlagZF}, {"SF", cpu.FlagSF}, {"OF", cpu.FlagOF}} {
		if rs.GetFlag(f.bit) != js.GetFlag(f.bit) {
			t.Errorf("flag %s: interp %v, jit %v", f.name, rs.GetFlag(f.bit), js.GetFlag(f.bit))
		}
	}

	if jm.Runtime().Stats.Translations.Load() == 0 {
		t.Error("jit machine never compiled anything, the comparison is vacuous")
	}
}

// realModeSetup 平坦实模式：代码放 0x400，IVT 在 0
func realModeSetup(t *testing.T, m *Machine) {
	t.Helper()
	st := m.State()
	st.Segments[cpu.SegCS] = cpu.Segment{Selector: 0, Base: 0, Limit: 0xffff, Attr: 0x93}
	st.RIP = 0x400
	st.GPR[cpu.RSP] = 0x8000
	st.IDT = cpu.DescriptorTable{Base: 0, Limit: 0x3ff}
	st.UpdateMode()
}

// TestInterruptWakesHalt 测试外部中断唤醒停机核并走完处理程序
func TestInterruptWakesHalt(t *testing.T) {
	cfg := testConfig(false)
	cfg.Machine.Bitness = 16
	m := newTestMachine(t, cfg)
	realModeSetup(t, m)

	// sti ; hlt ; hlt
	if err := m.LoadImage(0x400, []byte{0xfb, 0xf4, 0xf4}); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	// 处理程序：inc ax ; iret
	if err := m.LoadImage(0x500, []byte{0x40, 0xcf}); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	// IVT 0x21 → 0000:0500
	if err := m.RAM().WriteU16(0x21*4, 0x500); err != nil {
		t.Fatalf("write ivt: %v", err)
	}
	if err := m.RAM().WriteU16(0x21*4+2, 0); err != nil {
		t.Fatalf("write ivt: %v", err)
	}

	if res := m.Run(100); res.Exit != ExitHalted {
		t.Fatalf("Exit = %v before the interrupt, want halted", res.Exit)
	}
	if m.State().GPR[cpu.RAX] != 0 {
		t.Fatal("handler ran before any interrupt was injected")
	}

	m.InjectInterrupt(0x21)
	if res := m.Run(100); res.Exit != ExitHalted {
		t.Fatalf("Exit = %v after the interrupt, want halted again", res.Exit)
	}
	if got := m.State().GPR[cpu.RAX] & 0xffff; got != 1 {
		t.Errorf("AX = %d, want the handler's increment", got)
	}
	if m.State().RIP != 0x403 {
		t.Errorf("RIP = %#x, want past the second hlt", m.State().RIP)
	}
}

// TestTripleFaultStopsMachine 测试 IDT 不可读时执行循环以三重故障退出
func TestTripleFaultStopsMachine(t *testing.T) {
	cfg := testConfig(false)
	cfg.Machine.Bitness = 16
	m := newTestMachine(t, cfg)
	realModeSetup(t, m)
	m.State().IDT.Base = 0xf000_0000 // 超出客户机内存

	// int 0x21
	if err := m.LoadImage(0x400, []byte{0xcd, 0x21}); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	res := m.Run(100)
	if res.Exit != ExitTripleFault {
		t.Fatalf("Exit = %v, want triple_fault", res.Exit)
	}
}

// TestSnapshotDeterministic 测试无执行间隔的两次快照逐字节一致
func TestSnapshotDeterministic(t *testing.T) {
	m := newTestMachine(t, testConfig(true))
	if err := m.LoadImage(0, sumLoop); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	m.Run(50)

	var a, b bytes.Buffer
	if err := m.SaveSnapshot(&a); err != nil {
		t.Fatalf("first SaveSnapshot: %v", err)
	}
	if err := m.SaveSnapshot(&b); err != nil {
		t.Fatalf("second SaveSnapshot: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("back-to-back snapshots differ")
	}
}

// TestSnapshotReplay 测试恢复后继续执行得到相同终态
func TestSnapshotReplay(t *testing.T) {
	src := newTestMachine(t, testConfig(true))
	if err := src.LoadImage(0, sumLoop); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	src.Run(50) // 停在循环中段

	var snap bytes.Buffer
	if err := src.SaveSnapshot(&snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	dst := newTestMachine(t, testConfig(true))
	if err := dst.LoadSnapshot(bytes.NewReader(snap.Bytes())); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if res := src.Run(1000000); res.Exit != ExitHalted {
		t.Fatalf("source Exit = %v, want halted", res.Exit)
	}
	if res := dst.Run(1000000); res.Exit != ExitHalted {
		t.Fatalf("restored Exit = %v, want halted", res.Exit)
	}

	ss, ds := src.State(), dst.State()
	for i := 0; i < cpu.GPRCount; i++ {
		if ss.GPR[i] != ds.GPR[i] {
			t.Errorf("GPR[%d]: source %#x, restored %#x", i, ss.GPR[i], ds.GPR[i])
		}
	}
	if ss.RIP != ds.RIP {
		t.Errorf("RIP: source %#x, restored %#x", ss.RIP, ds.RIP)
	}
	if ss.GPR[cpu.RAX] != 5050 {
		t.Errorf("RAX = %d, want 5050", ss.GPR[cpu.RAX])
	}
}

// TestSnapshotRejectsCorrupt 测试摘要失配与截断快照被拒绝
func TestSnapshotRejectsCorrupt(t *testing.T) {
	m := newTestMachine(t, testConfig(false))
	var snap bytes.Buffer
	if err := m.SaveSnapshot(&snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	corrupt := append([]byte(nil), snap.Bytes()...)
	corrupt[40] ^= 0xff
	if err := m.LoadSnapshot(bytes.NewReader(corrupt)); err == nil {
		t.Error("corrupted snapshot accepted")
	}

	if err := m.LoadSnapshot(bytes.NewReader(snap.Bytes()[:16])); err == nil {
		t.Error("truncated snapshot accepted")
	}

	// 完好快照仍可恢复
	if err := m.LoadSnapshot(bytes.NewReader(snap.Bytes())); err != nil {
		t.Errorf("pristine snapshot rejected: %v", err)
	}
}

// TestSnapshotSizeMismatch 测试内存布局不同的机器拒绝恢复
func TestSnapshotSizeMismatch(t *testing.T) {
	small := newTestMachine(t, testConfig(false))
	var snap bytes.Buffer
	if err := small.SaveSnapshot(&snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	cfg := testConfig(false)
	cfg.Machine.RAMSize = 2 << 20
	big := newTestMachine(t, cfg)
	if err := big.LoadSnapshot(bytes.NewReader(snap.Bytes())); err == nil {
		t.Error("snapshot restored onto a machine with a different ram size")
	}
}

// TestMachineReset 测试复位回到上电初始态
func TestMachineReset(t *testing.T) {
	m := newTestMachine(t, testConfig(true))
	if err := m.LoadImage(0, sumLoop); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if res := m.Run(100000); res.Exit != ExitHalted {
		t.Fatalf("Exit = %v, want halted", res.Exit)
	}

	m.Reset()
	st := m.State()
	if st.Halted {
		t.Error("machine still halted after Reset")
	}
	if st.RIP != 0 {
		t.Errorf("RIP = %#x after Reset, want 0", st.RIP)
	}
	if st.GPR[cpu.RAX] != 0 {
		t.Errorf("RAX = %#x after Reset, want cleared", st.GPR[cpu.RAX])
	}
}

// TestLoadImageBounds 测试镜像越界写被拒绝
func TestLoadImageBounds(t *testing.T) {
	m := newTestMachine(t, testConfig(false))
	size := m.RAM().Size()
	if err := m.LoadImage(size-1, []byte{1, 2}); err == nil {
		t.Error("image crossing the end of ram accepted")
	}
	if err := m.LoadImage(size-2, []byte{1, 2}); err != nil {
		t.Errorf("image ending exactly at the ram boundary rejected: %v", err)
	}
}
