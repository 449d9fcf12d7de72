// codecache.go - 并发代码缓存
//
// 两层结构：
//   - 主层：按地址哈希分片，每个分片一个 map + 读写锁
//   - 快速探测层：直接映射的原子指针槽，主层命中次数达到阈值的条目被提升到这里，
//     命中时不需要任何锁
//
// 容量按机器码字节数计算，超出时按配置的策略（LRU/LFU/FIFO）淘汰。
// 每个离开缓存的条目（淘汰、替换、删除、清空）都会同步调用 OnEvict 回调，
// 引擎在回调中解除链接并回收代码内存。

package jit

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
	stdatomic "sync/atomic"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ============================================================================
// 配置
// ============================================================================

// EvictionPolicy 淘汰策略
type EvictionPolicy int

const (
	EvictLRU  EvictionPolicy = iota // 最近最少使用
	EvictLFU                        // 最不经常使用
	EvictFIFO                       // 先进先出
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictLRU:
		return "lru"
	case EvictLFU:
		return "lfu"
	case EvictFIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// ParseEvictionPolicy 解析策略名称
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(s) {
	case "lru", "":
		return EvictLRU, nil
	case "lfu":
		return EvictLFU, nil
	case "fifo":
		return EvictFIFO, nil
	}
	return 0, fmt.Errorf("unknown eviction policy %q", s)
}

// CodeCacheConfig 代码缓存配置
type CodeCacheConfig struct {
	CapacityBytes  int            // 机器码总字节数上限
	EvictionPolicy EvictionPolicy // 淘汰策略
	Shards         int            // 主层分片数（2 的幂）
	HotSlots       int            // 快速探测层槽数（2 的幂，0 表示不使用）
	PromoteAfter   int64          // 主层命中多少次后提升到快速探测层
}

// DefaultCodeCacheConfig 默认缓存配置
func DefaultCodeCacheConfig() CodeCacheConfig {
	return CodeCacheConfig{
		CapacityBytes:  16 << 20,
		EvictionPolicy: EvictLRU,
		Shards:         16,
		HotSlots:       256,
		PromoteAfter:   8,
	}
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate 检查缓存配置
func (c CodeCacheConfig) Validate() error {
	var err error
	if c.CapacityBytes <= 0 {
		err = multierr.Append(err, fmt.Errorf("cache capacity must be positive, got %d", c.CapacityBytes))
	}
	if c.EvictionPolicy < EvictLRU || c.EvictionPolicy > EvictFIFO {
		err = multierr.Append(err, fmt.Errorf("unknown eviction policy %d", c.EvictionPolicy))
	}
	if !isPow2(c.Shards) {
		err = multierr.Append(err, fmt.Errorf("shard count must be a power of two, got %d", c.Shards))
	}
	if c.HotSlots != 0 && !isPow2(c.HotSlots) {
		err = multierr.Append(err, fmt.Errorf("hot slot count must be zero or a power of two, got %d", c.HotSlots))
	}
	if c.PromoteAfter < 1 {
		err = multierr.Append(err, fmt.Errorf("promote-after must be positive, got %d", c.PromoteAfter))
	}
	return err
}

// ============================================================================
// 条目
// ============================================================================

// EvictReason 条目离开缓存的原因
type EvictReason int

const (
	EvictCapacity   EvictReason = iota // 容量淘汰
	EvictSuperseded                    // 被同地址的新结果替换
	EvictRemoved                       // 显式删除（失效）
	EvictCleared                       // 清空
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictSuperseded:
		return "superseded"
	case EvictRemoved:
		return "removed"
	case EvictCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	block    *CompiledBlock
	seq      uint64 // 安装顺序
	hits     atomic.Int64
	lastUsed atomic.Uint64 // 逻辑时钟
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
}

type departure struct {
	block  *CompiledBlock
	reason EvictReason
}

// CacheStats 缓存统计
type CacheStats struct {
	Entries   int
	UsedBytes int64
	Capacity  int
	Hits      int64
	HotHits   int64
	Misses    int64
	Installs  int64
	Evictions int64
}

// ============================================================================
// 代码缓存
// ============================================================================

// CodeCache 代码缓存
type CodeCache struct {
	cfg       CodeCacheConfig
	shards    []cacheShard
	shardBits int
	hot       []stdatomic.Pointer[cacheEntry]

	// mu 串行化容量记账与淘汰，查找不需要它
	mu    sync.Mutex
	used  atomic.Int64
	count atomic.Int64
	clock atomic.Uint64

	onEvict func(cb *CompiledBlock, reason EvictReason)

	hits      atomic.Int64
	hotHits   atomic.Int64
	misses    atomic.Int64
	installs  atomic.Int64
	evictions atomic.Int64
}

// NewCodeCache 创建代码缓存
func NewCodeCache(cfg CodeCacheConfig) *CodeCache {
	c := &CodeCache{
		cfg:    cfg,
		shards: make([]cacheShard, cfg.Shards),
		hot:    make([]stdatomic.Pointer[cacheEntry], cfg.HotSlots),
	}
	c.shardBits = bits.TrailingZeros(uint(cfg.Shards))
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]*cacheEntry)
	}
	return c
}

// SetOnEvict 设置条目离开缓存时的回调（在缓存锁之外同步调用）
func (c *CodeCache) SetOnEvict(fn func(cb *CompiledBlock, reason EvictReason)) {
	c.onEvict = fn
}

func hashAddr(addr uint64) uint64 {
	return addr * 0x9E3779B97F4A7C15
}

func (c *CodeCache) shard(addr uint64) *cacheShard {
	if c.shardBits == 0 {
		return &c.shards[0]
	}
	return &c.shards[hashAddr(addr)>>(64-c.shardBits)]
}

func (c *CodeCache) hotSlot(addr uint64) *stdatomic.Pointer[cacheEntry] {
	if len(c.hot) == 0 {
		return nil
	}
	return &c.hot[hashAddr(addr)&uint64(len(c.hot)-1)]
}

// Lookup 查找地址的编译结果
func (c *CodeCache) Lookup(addr uint64) (*CompiledBlock, bool) {
	slot := c.hotSlot(addr)
	if slot != nil {
		if e := slot.Load(); e != nil && e.block.Addr == addr {
			c.touch(e)
			c.hotHits.Inc()
			return e.block, true
		}
	}

	sh := c.shard(addr)
	sh.mu.RLock()
	e, ok := sh.entries[addr]
	if ok {
		// 在读锁内提升，删除操作持有写锁，不会把已删除的条目放回快速层
		if c.touch(e) >= c.cfg.PromoteAfter && slot != nil {
			slot.Store(e)
		}
	}
	sh.mu.RUnlock()

	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return e.block, true
}

// Contains 纯查询，不更新访问统计
func (c *CodeCache) Contains(addr uint64) bool {
	sh := c.shard(addr)
	sh.mu.RLock()
	_, ok := sh.entries[addr]
	sh.mu.RUnlock()
	return ok
}

// Peek 纯查询，返回当前条目但不更新访问统计
func (c *CodeCache) Peek(addr uint64) (*CompiledBlock, bool) {
	sh := c.shard(addr)
	sh.mu.RLock()
	e, ok := sh.entries[addr]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.block, true
}

func (c *CodeCache) touch(e *cacheEntry) int64 {
	e.lastUsed.Store(c.clock.Inc())
	return e.hits.Inc()
}

// Put 安装编译结果
//
// 同地址已有条目时替换之。空间不足时淘汰其他条目；
// 块本身超过总容量时返回 CacheError{CapacityExceeded}。
func (c *CodeCache) Put(cb *CompiledBlock) error {
	if cb.Size > c.cfg.CapacityBytes {
		return &CacheError{Kind: CapacityExceeded, Need: cb.Size, Cap: c.cfg.CapacityBytes}
	}

	var gone []departure
	c.mu.Lock()
	sh := c.shard(cb.Addr)
	sh.mu.RLock()
	prev := sh.entries[cb.Addr]
	sh.mu.RUnlock()
	need := int64(cb.Size)
	if prev != nil {
		need -= int64(prev.block.Size)
	}
	for c.used.Load()+need > int64(c.cfg.CapacityBytes) {
		victim := c.pickVictim(cb.Addr)
		if victim == nil {
			break
		}
		c.removeLocked(victim.block.Addr)
		c.evictions.Inc()
		gone = append(gone, departure{victim.block, EvictCapacity})
	}

	e := &cacheEntry{block: cb, seq: c.clock.Inc()}
	e.lastUsed.Store(e.seq)
	sh.mu.Lock()
	old := sh.entries[cb.Addr]
	sh.entries[cb.Addr] = e
	if old != nil {
		c.used.Sub(int64(old.block.Size))
		c.count.Dec()
		if slot := c.hotSlot(cb.Addr); slot != nil {
			slot.CompareAndSwap(old, nil)
		}
	}
	sh.mu.Unlock()
	c.used.Add(int64(cb.Size))
	c.count.Inc()
	c.installs.Inc()
	c.mu.Unlock()

	if old != nil && old.block != cb {
		gone = append(gone, departure{old.block, EvictSuperseded})
	}
	c.notify(gone)
	return nil
}

// pickVictim 按策略选择淘汰对象，不选择 keep
func (c *CodeCache) pickVictim(keep uint64) *cacheEntry {
	var victim *cacheEntry
	better := func(e *cacheEntry) bool {
		if victim == nil {
			return true
		}
		switch c.cfg.EvictionPolicy {
		case EvictLFU:
			if h1, h2 := e.hits.Load(), victim.hits.Load(); h1 != h2 {
				return h1 < h2
			}
			fallthrough
		case EvictLRU:
			if t1, t2 := e.lastUsed.Load(), victim.lastUsed.Load(); t1 != t2 {
				return t1 < t2
			}
		case EvictFIFO:
			if e.seq != victim.seq {
				return e.seq < victim.seq
			}
		}
		return e.block.Addr < victim.block.Addr
	}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for addr, e := range sh.entries {
			if addr != keep && better(e) {
				victim = e
			}
		}
		sh.mu.RUnlock()
	}
	return victim
}

// removeLocked 删除条目，调用者持有 c.mu
func (c *CodeCache) removeLocked(addr uint64) *cacheEntry {
	sh := c.shard(addr)
	sh.mu.Lock()
	e, ok := sh.entries[addr]
	if ok {
		delete(sh.entries, addr)
		if slot := c.hotSlot(addr); slot != nil {
			slot.CompareAndSwap(e, nil)
		}
	}
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	c.used.Sub(int64(e.block.Size))
	c.count.Dec()
	return e
}

// Remove 删除地址的条目，返回被删除的编译结果
func (c *CodeCache) Remove(addr uint64) (*CompiledBlock, bool) {
	c.mu.Lock()
	e := c.removeLocked(addr)
	c.mu.Unlock()
	if e == nil {
		return nil, false
	}
	c.notify([]departure{{e.block, EvictRemoved}})
	return e.block, true
}

// EvictOne 按策略淘汰一个条目
func (c *CodeCache) EvictOne() (*CompiledBlock, bool) {
	c.mu.Lock()
	victim := c.pickVictim(^uint64(0))
	if victim != nil {
		c.removeLocked(victim.block.Addr)
		c.evictions.Inc()
	}
	c.mu.Unlock()
	if victim == nil {
		return nil, false
	}
	c.notify([]departure{{victim.block, EvictCapacity}})
	return victim.block, true
}

// Clear 清空缓存
func (c *CodeCache) Clear() {
	var gone []departure
	c.mu.Lock()
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for addr, e := range sh.entries {
			gone = append(gone, departure{e.block, EvictCleared})
			delete(sh.entries, addr)
		}
		sh.mu.Unlock()
	}
	for i := range c.hot {
		c.hot[i].Store(nil)
	}
	c.used.Store(0)
	c.count.Store(0)
	c.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].block.Addr < gone[j].block.Addr })
	c.notify(gone)
}

func (c *CodeCache) notify(gone []departure) {
	if c.onEvict == nil {
		return
	}
	for _, d := range gone {
		c.onEvict(d.block, d.reason)
	}
}

// Len 条目数
func (c *CodeCache) Len() int {
	return int(c.count.Load())
}

// UsedBytes 已用字节数
func (c *CodeCache) UsedBytes() int64 {
	return c.used.Load()
}

// Snapshot 按地址排序的所有编译结果
func (c *CodeCache) Snapshot() []*CompiledBlock {
	var all []*CompiledBlock
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			all = append(all, e.block)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Addr < all[j].Addr })
	return all
}

// Stats 统计信息
func (c *CodeCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		UsedBytes: c.used.Load(),
		Capacity:  c.cfg.CapacityBytes,
		Hits:      c.hits.Load(),
		HotHits:   c.hotHits.Load(),
		Misses:    c.misses.Load(),
		Installs:  c.installs.Load(),
		Evictions: c.evictions.Load(),
	}
}
