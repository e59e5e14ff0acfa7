// abi.go - 状态布局 ABI 偏移表
//
// 后端代码生成器通过固定的字节偏移直接访问 CpuState 的序列化布局。
// 这张表是可移植 IR/代码生成与状态布局之间的硬兼容契约：通用寄存器
// 偏移 8 字节对齐，XMM 偏移 16 字节对齐，总大小是对齐值的整数倍。
// 任何改动都等于换了一个不兼容的 ABI 版本。

package cpu

const (
	// ABIVersion 布局版本号，后端必须与之一致
	ABIVersion = 1

	// 通用寄存器：16 个，每个 8 字节，从 0 开始
	ABIGprOff    = 0
	ABIGprStride = 8

	ABIRipOff    = 128
	ABIRflagsOff = 136

	// XMM 寄存器：16 个，每个 16 字节
	ABIXmmOff    = 784
	ABIXmmStride = 16

	ABIStateSize  = 1072
	ABIStateAlign = 16
)

// ABIGprOffset 第 idx 个通用寄存器的偏移
func ABIGprOffset(idx int) int {
	if idx < 0 || idx >= GPRCount {
		panic("cpu: gpr index out of range")
	}
	return ABIGprOff + idx*ABIGprStride
}

// ABIXmmOffset 第 idx 个 XMM 寄存器的偏移
func ABIXmmOffset(idx int) int {
	if idx < 0 || idx >= XMMCount {
		panic("cpu: xmm index out of range")
	}
	return ABIXmmOff + idx*ABIXmmStride
}
