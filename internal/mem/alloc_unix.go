//go:build !windows

// alloc_unix.go - Unix/Linux/macOS 平台客户机内存分配
//
// 使用匿名 mmap 分配页对齐的客户机 RAM，由内核按需提交。

package mem

import "golang.org/x/sys/unix"

// allocRegion 分配 size 字节的页对齐内存区域
func allocRegion(size uint64) ([]byte, func() error, error) {
	if size == 0 {
		size = uint64(unix.Getpagesize())
	}

	pageSize := uint64(unix.Getpagesize())
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	data, err := unix.Mmap(
		-1, // fd
		0,  // offset
		int(alignedSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, nil, err
	}

	// 客户机看到的大小保持为请求值
	region := data[:size]
	release := func() error { return unix.Munmap(data) }
	return region, release, nil
}
