// stats.go - 编译统计

package jit

import (
	"time"

	"go.uber.org/atomic"
)

// engineCounters 引擎计数器
type engineCounters struct {
	totalCompiles atomic.Int64
	tier1Compiles atomic.Int64
	compileOnly   atomic.Int64
	failures      atomic.Int64
	staleDiscards atomic.Int64
	rejected      atomic.Int64
	compileTime   atomic.Int64 // 纳秒
	codeBytes     atomic.Int64

	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	interpreted   atomic.Int64
	nativeBlocks  atomic.Int64
	chained       atomic.Int64
	icHits        atomic.Int64
	patches       atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
	reclaimed     atomic.Int64
	seeded        atomic.Int64
}

// CompileStats 编译与执行统计
type CompileStats struct {
	TotalCompiles    int64 // 成功安装的编译次数
	Tier0Compiles    int64
	Tier1Compiles    int64
	CompileOnly      int64 // 只编译不安装的次数
	Failures         int64 // 编译失败次数（地址回退到解释执行）
	StaleDiscards    int64 // 因地址失效或已有更新结果而丢弃的结果
	Rejected         int64 // 队列已满未能提交的后台编译
	SeededBlocks     int64 // 从 AOT 镜像装载的块
	TotalCompileTime time.Duration
	CodeBytes        int64 // 累计安装的机器码字节数

	CacheHits         int64
	CacheMisses       int64
	InterpretedBlocks int64
	NativeBlocks      int64
	ChainedBlocks     int64
	InlineCacheHits   int64
	Patches           int64
	Evictions         int64
	Invalidations     int64
	Reclaimed         int64

	Thresholds AdaptiveThresholdState
	Cache      CacheStats
	Linker     LinkerStats
	Profiler   ProfilerStats
}

// GetCompileStats 统计快照
func (e *Engine) GetCompileStats() CompileStats {
	s := &e.stats
	total := s.totalCompiles.Load()
	t1 := s.tier1Compiles.Load()
	return CompileStats{
		TotalCompiles:     total,
		Tier0Compiles:     total - t1,
		Tier1Compiles:     t1,
		CompileOnly:       s.compileOnly.Load(),
		Failures:          s.failures.Load(),
		StaleDiscards:     s.staleDiscards.Load(),
		Rejected:          s.rejected.Load(),
		SeededBlocks:      s.seeded.Load(),
		TotalCompileTime:  time.Duration(s.compileTime.Load()),
		CodeBytes:         s.codeBytes.Load(),
		CacheHits:         s.cacheHits.Load(),
		CacheMisses:       s.cacheMisses.Load(),
		InterpretedBlocks: s.interpreted.Load(),
		NativeBlocks:      s.nativeBlocks.Load(),
		ChainedBlocks:     s.chained.Load(),
		InlineCacheHits:   s.icHits.Load(),
		Patches:           s.patches.Load(),
		Evictions:         s.evictions.Load(),
		Invalidations:     s.invalidations.Load(),
		Reclaimed:         s.reclaimed.Load(),
		Thresholds:        e.thresholds.State(),
		Cache:             e.cache.Stats(),
		Linker:            e.linker.Stats(),
		Profiler:          e.profiler.Stats(),
	}
}
