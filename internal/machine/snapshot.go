// snapshot.go - 整机快照
//
// 确定性序列化：固定字段顺序、小端、末尾挂 BLAKE2b-256 摘要。
// 无执行间隔的两次快照逐字节一致；恢复后从同一状态继续执行
// 得到相同轨迹。编译产物不入快照，恢复端按需重编。

package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

const (
	snapMagic   = 0x564d534e // "VMSN"
	snapVersion = 1
)

// SaveSnapshot 把整机状态写入 w
func (m *Machine) SaveSnapshot(w io.Writer) error {
	var body bytes.Buffer
	le := binary.LittleEndian

	put32 := func(v uint32) { _ = binary.Write(&body, le, v) }
	put64 := func(v uint64) { _ = binary.Write(&body, le, v) }

	put32(snapMagic)
	put32(snapVersion)

	cpuBlob := m.state.SaveState()
	put32(uint32(len(cpuBlob)))
	body.Write(cpuBlob)

	// 待决事件里的计数器属于可观测状态
	put64(m.events.DroppedInts)
	put64(m.events.DroppedFrame)

	table := m.track.Table()
	put32(uint32(len(table)))
	for _, v := range table {
		put32(v)
	}

	ramBytes := m.ram.Bytes()
	put64(uint64(len(ramBytes)))
	body.Write(ramBytes)

	digest := blake2b.Sum256(body.Bytes())
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := w.Write(digest[:]); err != nil {
		return fmt.Errorf("write snapshot digest: %w", err)
	}
	return nil
}

// LoadSnapshot 从 r 恢复整机状态
func (m *Machine) LoadSnapshot(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) < 32 {
		return fmt.Errorf("snapshot truncated: %d bytes", len(data))
	}

	body, digest := data[:len(data)-32], data[len(data)-32:]
	sum := blake2b.Sum256(body)
	if !bytes.Equal(sum[:], digest) {
		return fmt.Errorf("snapshot digest mismatch")
	}

	rd := bytes.NewReader(body)
	le := binary.LittleEndian

	var magic, version uint32
	if err := binary.Read(rd, le, &magic); err != nil {
		return err
	}
	if magic != snapMagic {
		return fmt.Errorf("bad snapshot magic %#x", magic)
	}
	if err := binary.Read(rd, le, &version); err != nil {
		return err
	}
	if version != snapVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}

	var cpuLen uint32
	if err := binary.Read(rd, le, &cpuLen); err != nil {
		return err
	}
	cpuBlob := make([]byte, cpuLen)
	if _, err := io.ReadFull(rd, cpuBlob); err != nil {
		return err
	}
	if err := m.state.LoadState(cpuBlob); err != nil {
		return fmt.Errorf("restore cpu state: %w", err)
	}

	m.events.Reset()
	if err := binary.Read(rd, le, &m.events.DroppedInts); err != nil {
		return err
	}
	if err := binary.Read(rd, le, &m.events.DroppedFrame); err != nil {
		return err
	}

	var pageCount uint32
	if err := binary.Read(rd, le, &pageCount); err != nil {
		return err
	}
	if int(pageCount) != m.track.PageCount() {
		return fmt.Errorf("snapshot page count %d does not match machine (%d pages)", pageCount, m.track.PageCount())
	}
	for page := uint64(0); page < uint64(pageCount); page++ {
		var v uint32
		if err := binary.Read(rd, le, &v); err != nil {
			return err
		}
		m.track.SetVersion(page, v)
	}

	var ramLen uint64
	if err := binary.Read(rd, le, &ramLen); err != nil {
		return err
	}
	if ramLen != m.ram.Size() {
		return fmt.Errorf("snapshot ram size %d does not match machine (%d)", ramLen, m.ram.Size())
	}
	if _, err := io.ReadFull(rd, m.ram.Bytes()); err != nil {
		return err
	}

	// 旧编译产物对恢复后的内存不再可信
	if m.rt != nil {
		m.rt.Reset()
	}
	return nil
}
