//go:build windows

// alloc_windows.go - Windows 平台客户机内存分配
//
// 使用 VirtualAlloc/VirtualFree 分配客户机 RAM。

package mem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	memCommit  = 0x1000
	memReserve = 0x2000
	memRelease = 0x8000

	pageReadwrite = 0x04
)

var (
	kernel32     = windows.NewLazySystemDLL("kernel32.dll")
	virtualAlloc = kernel32.NewProc("VirtualAlloc")
	virtualFree  = kernel32.NewProc("VirtualFree")
)

// allocRegion 分配 size 字节的页对齐内存区域
func allocRegion(size uint64) ([]byte, func() error, error) {
	if size == 0 {
		size = 4096
	}

	pageSize := uint64(4096)
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	addr, _, err := virtualAlloc.Call(
		0,
		uintptr(alignedSize),
		memCommit|memReserve,
		pageReadwrite,
	)
	if addr == 0 {
		return nil, nil, err
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), alignedSize)
	region := data[:size]
	release := func() error {
		r, _, err := virtualFree.Call(addr, 0, memRelease)
		if r == 0 {
			return err
		}
		return nil
	}
	return region, release, nil
}
