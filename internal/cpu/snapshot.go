// snapshot.go - 架构状态序列化
//
// 固定字段顺序的小端序列化。同一状态连续两次序列化必须逐字节相同，
// 恢复后从同一点继续执行必须得到相同的轨迹（确定性回放）。

package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// snapshotMagic 状态快照格式标识与版本
const (
	snapshotMagic   uint32 = 0x56435055 // "VCPU"
	snapshotVersion uint32 = 1
)

// SaveState 序列化 CpuState
func (s *CpuState) SaveState() []byte {
	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, binary.LittleEndian, v) }

	w(snapshotMagic)
	w(snapshotVersion)

	for i := 0; i < GPRCount; i++ {
		w(s.GPR[i])
	}
	w(s.RIP)
	// 序列化前落实惰性标志位，保证快照内容只依赖架构状态
	w(s.RFlagsSnapshot())

	w(uint8(s.Mode))
	w(boolByte(s.Halted))
	w(boolByte(s.A20Enabled))
	w(uint8(0)) // 对齐填充

	for i := 0; i < SegCount; i++ {
		seg := s.Segments[i]
		w(seg.Selector)
		w(seg.Attr)
		w(seg.Limit)
		w(seg.Base)
	}
	w(s.GDT.Base)
	w(uint32(s.GDT.Limit))
	w(s.IDT.Base)
	w(uint32(s.IDT.Limit))
	w(s.LDTR.Selector)
	w(s.LDTR.Attr)
	w(s.LDTR.Limit)
	w(s.LDTR.Base)
	w(s.TR.Selector)
	w(s.TR.Attr)
	w(s.TR.Limit)
	w(s.TR.Base)

	w(s.CR0)
	w(s.CR2)
	w(s.CR3)
	w(s.CR4)
	w(s.EFER)
	w(s.KernelGSBase)
	w(s.LSTAR)
	w(s.STAR)
	w(s.FMASK)

	w(s.MXCSR)
	for i := 0; i < XMMCount; i++ {
		w(s.XMM[i][0])
		w(s.XMM[i][1])
	}

	return buf.Bytes()
}

// LoadState 从快照恢复 CpuState
func (s *CpuState) LoadState(data []byte) error {
	r := bytes.NewReader(data)
	rd := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var magic, version uint32
	if err := rd(&magic); err != nil {
		return fmt.Errorf("cpu snapshot: %w", err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("cpu snapshot: bad magic %#x", magic)
	}
	if err := rd(&version); err != nil {
		return err
	}
	if version != snapshotVersion {
		return fmt.Errorf("cpu snapshot: unsupported version %d", version)
	}

	for i := 0; i < GPRCount; i++ {
		if err := rd(&s.GPR[i]); err != nil {
			return err
		}
	}
	if err := rd(&s.RIP); err != nil {
		return err
	}
	var rflags uint64
	if err := rd(&rflags); err != nil {
		return err
	}
	s.SetRFlags(rflags)

	var mode, halted, a20, pad uint8
	if err := rd(&mode); err != nil {
		return err
	}
	if err := rd(&halted); err != nil {
		return err
	}
	if err := rd(&a20); err != nil {
		return err
	}
	if err := rd(&pad); err != nil {
		return err
	}
	s.Mode = Mode(mode)
	s.Halted = halted != 0
	s.A20Enabled = a20 != 0

	for i := 0; i < SegCount; i++ {
		seg := &s.Segments[i]
		if err := rd(&seg.Selector); err != nil {
			return err
		}
		if err := rd(&seg.Attr); err != nil {
			return err
		}
		if err := rd(&seg.Limit); err != nil {
			return err
		}
		if err := rd(&seg.Base); err != nil {
			return err
		}
	}

	var limit32 uint32
	if err := rd(&s.GDT.Base); err != nil {
		return err
	}
	if err := rd(&limit32); err != nil {
		return err
	}
	s.GDT.Limit = uint16(limit32)
	if err := rd(&s.IDT.Base); err != nil {
		return err
	}
	if err := rd(&limit32); err != nil {
		return err
	}
	s.IDT.Limit = uint16(limit32)

	for _, tr := range []*TaskRegister{&s.LDTR, &s.TR} {
		if err := rd(&tr.Selector); err != nil {
			return err
		}
		if err := rd(&tr.Attr); err != nil {
			return err
		}
		if err := rd(&tr.Limit); err != nil {
			return err
		}
		if err := rd(&tr.Base); err != nil {
			return err
		}
	}

	for _, p := range []*uint64{&s.CR0, &s.CR2, &s.CR3, &s.CR4,
		&s.EFER, &s.KernelGSBase, &s.LSTAR, &s.STAR, &s.FMASK} {
		if err := rd(p); err != nil {
			return err
		}
	}

	if err := rd(&s.MXCSR); err != nil {
		return err
	}
	for i := 0; i < XMMCount; i++ {
		if err := rd(&s.XMM[i][0]); err != nil {
			return err
		}
		if err := rd(&s.XMM[i][1]); err != nil {
			return err
		}
	}
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
