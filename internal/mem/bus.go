// bus.go - 内存与端口 I/O 总线接口
//
// 执行引擎通过这两个接口访问客户机物理内存和端口空间。实现由外部
// 提供（本包自带一个 RAM 实现），所有访问都是同步函数调用，越界
// 访问返回携带 {addr, len} 的 Fault。

package mem

import "fmt"

// Fault 物理内存访问越界
type Fault struct {
	Addr  uint64
	Len   int
	Write bool
}

func (f *Fault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}
	return fmt.Sprintf("memory fault: %s %d bytes at %#x", kind, f.Len, f.Addr)
}

// MemoryBus 字节寻址的客户机物理内存
type MemoryBus interface {
	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)

	WriteU8(addr uint64, v uint8) error
	WriteU16(addr uint64, v uint16) error
	WriteU32(addr uint64, v uint32) error
	WriteU64(addr uint64, v uint64) error

	ReadBytes(addr uint64, p []byte) error
	WriteBytes(addr uint64, p []byte) error
}

// Port8 最小的端口 I/O 原语（按字节）
type Port8 interface {
	InU8(port uint16) uint8
	OutU8(port uint16, v uint8)
}

// PortIO 完整的端口 I/O 接口
type PortIO interface {
	Port8
	InU16(port uint16) uint16
	InU32(port uint16) uint32
	OutU16(port uint16, v uint16)
	OutU32(port uint16, v uint32)
}

// ComposedPorts 用 8 位原语组合出宽访问（小端、端口号递增）
type ComposedPorts struct {
	Port8
}

func (c ComposedPorts) InU16(port uint16) uint16 {
	lo := uint16(c.InU8(port))
	hi := uint16(c.InU8(port + 1))
	return lo | hi<<8
}

func (c ComposedPorts) InU32(port uint16) uint32 {
	lo := uint32(c.InU16(port))
	hi := uint32(c.InU16(port + 2))
	return lo | hi<<16
}

func (c ComposedPorts) OutU16(port uint16, v uint16) {
	c.OutU8(port, uint8(v))
	c.OutU8(port+1, uint8(v>>8))
}

func (c ComposedPorts) OutU32(port uint16, v uint32) {
	c.OutU16(port, uint16(v))
	c.OutU16(port+2, uint16(v>>16))
}

// NullPorts 悬空端口：读返回全 1，写丢弃
type NullPorts struct{}

func (NullPorts) InU8(port uint16) uint8     { return 0xff }
func (NullPorts) OutU8(port uint16, v uint8) {}
