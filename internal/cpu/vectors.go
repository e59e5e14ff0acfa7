// vectors.go - 异常向量定义
//
// 异常向量号、名称表和双重故障分类矩阵。

package cpu

import "fmt"

// 架构异常向量
const (
	VecDE  uint8 = 0  // 除法错误
	VecDB  uint8 = 1  // 调试
	VecNMI uint8 = 2  // 不可屏蔽中断
	VecBP  uint8 = 3  // 断点
	VecOF  uint8 = 4  // 溢出
	VecBR  uint8 = 5  // 边界检查
	VecUD  uint8 = 6  // 无效操作码
	VecNM  uint8 = 7  // 设备不可用
	VecDF  uint8 = 8  // 双重故障
	VecTS  uint8 = 10 // 无效 TSS
	VecNP  uint8 = 11 // 段不存在
	VecSS  uint8 = 12 // 栈段故障
	VecGP  uint8 = 13 // 通用保护
	VecPF  uint8 = 14 // 页故障
	VecMF  uint8 = 16 // x87 浮点
	VecAC  uint8 = 17 // 对齐检查
	VecMC  uint8 = 18 // 机器检查
	VecXM  uint8 = 19 // SIMD 浮点
)

var vectorNames = map[uint8]string{
	VecDE:  "#DE",
	VecDB:  "#DB",
	VecNMI: "NMI",
	VecBP:  "#BP",
	VecOF:  "#OF",
	VecBR:  "#BR",
	VecUD:  "#UD",
	VecNM:  "#NM",
	VecDF:  "#DF",
	VecTS:  "#TS",
	VecNP:  "#NP",
	VecSS:  "#SS",
	VecGP:  "#GP",
	VecPF:  "#PF",
	VecMF:  "#MF",
	VecAC:  "#AC",
	VecMC:  "#MC",
	VecXM:  "#XM",
}

// VectorName 异常向量的助记名
func VectorName(v uint8) string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("INT%d", v)
}

// Exception 客户机可见的架构异常
type Exception struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	CR2          uint64 // 仅 #PF 有效
}

func (e Exception) Error() string {
	if e.HasErrorCode {
		return fmt.Sprintf("%s (error code %#x)", VectorName(e.Vector), e.ErrorCode)
	}
	return VectorName(e.Vector)
}

// NewFault 无错误码的异常
func NewFault(vector uint8) Exception {
	return Exception{Vector: vector}
}

// NewFaultWithCode 带错误码的异常
func NewFaultWithCode(vector uint8, code uint32) Exception {
	return Exception{Vector: vector, ErrorCode: code, HasErrorCode: true}
}

// NewPageFault 页故障
func NewPageFault(code uint32, cr2 uint64) Exception {
	return Exception{Vector: VecPF, ErrorCode: code, HasErrorCode: true, CR2: cr2}
}

// ============================================================================
// 双重故障分类
// ============================================================================

// ExceptionClass 双重故障矩阵中的异常类别
type ExceptionClass uint8

const (
	ClassBenign ExceptionClass = iota
	ClassContributory
	ClassPageFault
)

// ClassOf 返回向量所属的类别
func ClassOf(vector uint8) ExceptionClass {
	switch vector {
	case VecDE, VecTS, VecNP, VecSS, VecGP:
		return ClassContributory
	case VecPF:
		return ClassPageFault
	default:
		return ClassBenign
	}
}

// EscalatesToDoubleFault 判断"投递 first 期间发生 second"是否升级为 #DF
func EscalatesToDoubleFault(first, second uint8) bool {
	fc, sc := ClassOf(first), ClassOf(second)
	switch fc {
	case ClassContributory:
		return sc == ClassContributory
	case ClassPageFault:
		return sc == ClassContributory || sc == ClassPageFault
	default:
		return false
	}
}
