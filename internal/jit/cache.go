// cache.go - 编译块缓存
//
// 以入口 RIP 为键的 LRU 缓存。容量按块数和字节数双重限制，
// 插入后从最久未用端逐出并把被逐出的键返回给调用方，
// 由调用方撤销外层的派发表槽位。
//
// 句柄有效性（页版本比对）由 JIT 运行时负责，缓存本身不做。

package jit

import (
	"container/list"

	"github.com/tangzhangming/vcore/internal/mem"
)

// CompiledBlockMeta 编译块元数据
type CompiledBlockMeta struct {
	EntryRIP     uint64
	ByteLen      uint32            // 覆盖的客户机代码字节数
	PageVersions []mem.PageVersion // 编译时捕获的页版本
	UnitIndex    int               // 后端单元表下标
	Tier         uint8             // 1 或 2
}

// Clone 深拷贝，调用方可以脱离缓存持有
func (m *CompiledBlockMeta) Clone() CompiledBlockMeta {
	c := *m
	c.PageVersions = append([]mem.PageVersion(nil), m.PageVersions...)
	return c
}

// CodeCacheConfig 缓存容量配置
type CodeCacheConfig struct {
	MaxBlocks int    // 最大块数
	MaxBytes  uint64 // 最大客户机字节数，0 表示不限
}

// CodeCache 编译块 LRU 缓存
type CodeCache struct {
	cfg     CodeCacheConfig
	entries map[uint64]*list.Element
	lru     *list.List // Front 最近使用，Back 待逐出
	bytes   uint64
}

// NewCodeCache 创建缓存
func NewCodeCache(cfg CodeCacheConfig) *CodeCache {
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = 1024
	}
	return &CodeCache{
		cfg:     cfg,
		entries: make(map[uint64]*list.Element),
		lru:     list.New(),
	}
}

// Len 当前块数
func (cc *CodeCache) Len() int { return len(cc.entries) }

// Bytes 当前字节总量
func (cc *CodeCache) Bytes() uint64 { return cc.bytes }

// GetCloned 查找并提升为最近使用，返回元数据副本
func (cc *CodeCache) GetCloned(entryRIP uint64) (CompiledBlockMeta, bool) {
	el, ok := cc.entries[entryRIP]
	if !ok {
		return CompiledBlockMeta{}, false
	}
	cc.lru.MoveToFront(el)
	return el.Value.(*CompiledBlockMeta).Clone(), true
}

// Insert 插入或替换。返回为腾出容量而逐出的所有键。
func (cc *CodeCache) Insert(meta CompiledBlockMeta) []uint64 {
	if el, ok := cc.entries[meta.EntryRIP]; ok {
		old := el.Value.(*CompiledBlockMeta)
		cc.subBytes(uint64(old.ByteLen))
		cc.bytes += uint64(meta.ByteLen)
		*old = meta
		cc.lru.MoveToFront(el)
	} else {
		m := meta
		cc.entries[meta.EntryRIP] = cc.lru.PushFront(&m)
		cc.bytes += uint64(meta.ByteLen)
	}

	var evicted []uint64
	for cc.lru.Len() > cc.cfg.MaxBlocks || (cc.cfg.MaxBytes != 0 && cc.bytes > cc.cfg.MaxBytes) {
		tail := cc.lru.Back()
		if tail == nil {
			break
		}
		victim := tail.Value.(*CompiledBlockMeta)
		cc.removeElement(tail)
		evicted = append(evicted, victim.EntryRIP)
	}
	return evicted
}

// Remove 移除指定键
func (cc *CodeCache) Remove(entryRIP uint64) bool {
	el, ok := cc.entries[entryRIP]
	if !ok {
		return false
	}
	cc.removeElement(el)
	return true
}

func (cc *CodeCache) removeElement(el *list.Element) {
	meta := el.Value.(*CompiledBlockMeta)
	cc.lru.Remove(el)
	delete(cc.entries, meta.EntryRIP)
	cc.subBytes(uint64(meta.ByteLen))
}

// subBytes 饱和减法，字节账目永不下溢
func (cc *CodeCache) subBytes(n uint64) {
	if n > cc.bytes {
		cc.bytes = 0
		return
	}
	cc.bytes -= n
}
