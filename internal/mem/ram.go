// ram.go - 客户机物理内存
//
// 一块连续的客户机 RAM，实现 MemoryBus。在支持的平台上用页对齐的
// 匿名映射分配（见 alloc_unix.go / alloc_windows.go），失败时退回到
// 普通堆分配。WriteHook 在每次成功写入后触发，供页版本跟踪使用。

package mem

import "encoding/binary"

// RAM 连续客户机内存
type RAM struct {
	data    []byte
	release func() error

	// WriteHook 在每次成功写入后调用，参数是写入的物理地址和长度。
	// 非自修改代码检测路径可以保持为 nil。
	WriteHook func(addr uint64, n int)
}

// NewRAM 分配 size 字节的客户机内存
func NewRAM(size uint64) (*RAM, error) {
	data, release, err := allocRegion(size)
	if err != nil {
		// 平台分配失败时退回堆分配
		data = make([]byte, size)
		release = nil
	}
	return &RAM{data: data, release: release}, nil
}

// Size 内存大小（字节）
func (r *RAM) Size() uint64 { return uint64(len(r.data)) }

// Bytes 底层字节切片（快照/加载镜像用）
func (r *RAM) Bytes() []byte { return r.data }

// Close 释放底层映射
func (r *RAM) Close() error {
	if r.release != nil {
		err := r.release()
		r.release = nil
		r.data = nil
		return err
	}
	r.data = nil
	return nil
}

func (r *RAM) check(addr uint64, n int, write bool) error {
	if addr >= uint64(len(r.data)) || uint64(n) > uint64(len(r.data))-addr {
		return &Fault{Addr: addr, Len: n, Write: write}
	}
	return nil
}

func (r *RAM) ReadU8(addr uint64) (uint8, error) {
	if err := r.check(addr, 1, false); err != nil {
		return 0, err
	}
	return r.data[addr], nil
}

func (r *RAM) ReadU16(addr uint64) (uint16, error) {
	if err := r.check(addr, 2, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.data[addr:]), nil
}

func (r *RAM) ReadU32(addr uint64) (uint32, error) {
	if err := r.check(addr, 4, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[addr:]), nil
}

func (r *RAM) ReadU64(addr uint64) (uint64, error) {
	if err := r.check(addr, 8, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.data[addr:]), nil
}

func (r *RAM) WriteU8(addr uint64, v uint8) error {
	if err := r.check(addr, 1, true); err != nil {
		return err
	}
	r.data[addr] = v
	r.wrote(addr, 1)
	return nil
}

func (r *RAM) WriteU16(addr uint64, v uint16) error {
	if err := r.check(addr, 2, true); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.data[addr:], v)
	r.wrote(addr, 2)
	return nil
}

func (r *RAM) WriteU32(addr uint64, v uint32) error {
	if err := r.check(addr, 4, true); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.data[addr:], v)
	r.wrote(addr, 4)
	return nil
}

func (r *RAM) WriteU64(addr uint64, v uint64) error {
	if err := r.check(addr, 8, true); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.data[addr:], v)
	r.wrote(addr, 8)
	return nil
}

func (r *RAM) ReadBytes(addr uint64, p []byte) error {
	if err := r.check(addr, len(p), false); err != nil {
		return err
	}
	copy(p, r.data[addr:])
	return nil
}

func (r *RAM) WriteBytes(addr uint64, p []byte) error {
	if err := r.check(addr, len(p), true); err != nil {
		return err
	}
	copy(r.data[addr:], p)
	r.wrote(addr, len(p))
	return nil
}

func (r *RAM) wrote(addr uint64, n int) {
	if r.WriteHook != nil {
		r.WriteHook(addr, n)
	}
}
