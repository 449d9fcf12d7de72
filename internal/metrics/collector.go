// collector.go - 引擎统计导出为 Prometheus 指标
//
// 采集时读取一次 GetCompileStats 快照，全部指标来自同一快照。

// Package metrics 把 JIT 引擎统计导出为 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tangzhangming/vmjit/internal/jit"
)

const namespace = "vmjit"

// StatsSource 统计来源
type StatsSource interface {
	GetCompileStats() jit.CompileStats
}

// Collector 实现 prometheus.Collector
type Collector struct {
	src StatsSource

	compiles      *prometheus.Desc
	failures      *prometheus.Desc
	compileTime   *prometheus.Desc
	codeBytes     *prometheus.Desc
	cacheLookups  *prometheus.Desc
	blocks        *prometheus.Desc
	chained       *prometheus.Desc
	icHits        *prometheus.Desc
	patches       *prometheus.Desc
	evictions     *prometheus.Desc
	invalidations *prometheus.Desc
	cacheEntries  *prometheus.Desc
	cacheBytes    *prometheus.Desc
	thresholds    *prometheus.Desc
	compileEWMA   *prometheus.Desc
}

// NewCollector 创建采集器，constLabels 附加到所有指标（例如引擎 ID）
func NewCollector(src StatsSource, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		src:           src,
		compiles:      desc("compiles_total", "Installed block compilations by tier.", "tier"),
		failures:      desc("compile_failures_total", "Block compilations that failed."),
		compileTime:   desc("compile_seconds_total", "Time spent compiling blocks."),
		codeBytes:     desc("code_bytes_total", "Machine code bytes installed."),
		cacheLookups:  desc("cache_lookups_total", "Code cache lookups by result.", "result"),
		blocks:        desc("blocks_executed_total", "Guest blocks executed by execution mode.", "mode"),
		chained:       desc("chained_blocks_total", "Blocks entered through a patched chain."),
		icHits:        desc("inline_cache_hits_total", "Indirect branch targets resolved by an inline cache."),
		patches:       desc("patches_total", "Direct exits patched into chains."),
		evictions:     desc("evictions_total", "Compiled blocks evicted for capacity."),
		invalidations: desc("invalidations_total", "Compiled blocks invalidated."),
		cacheEntries:  desc("cache_entries", "Compiled blocks currently cached."),
		cacheBytes:    desc("cache_used_bytes", "Code cache bytes in use."),
		thresholds:    desc("threshold", "Current adaptive thresholds.", "kind"),
		compileEWMA:   desc("compile_time_ewma_seconds", "Smoothed compile time per block."),
	}
}

// Describe 实现 prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.compiles, c.failures, c.compileTime, c.codeBytes, c.cacheLookups,
		c.blocks, c.chained, c.icHits, c.patches, c.evictions, c.invalidations,
		c.cacheEntries, c.cacheBytes, c.thresholds, c.compileEWMA,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.GetCompileStats()

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.compiles, float64(s.Tier0Compiles), "0")
	counter(c.compiles, float64(s.Tier1Compiles), "1")
	counter(c.failures, float64(s.Failures))
	counter(c.compileTime, s.TotalCompileTime.Seconds())
	counter(c.codeBytes, float64(s.CodeBytes))
	counter(c.cacheLookups, float64(s.CacheHits), "hit")
	counter(c.cacheLookups, float64(s.CacheMisses), "miss")
	counter(c.blocks, float64(s.NativeBlocks), "native")
	counter(c.blocks, float64(s.InterpretedBlocks), "interpreted")
	counter(c.chained, float64(s.ChainedBlocks))
	counter(c.icHits, float64(s.InlineCacheHits))
	counter(c.patches, float64(s.Patches))
	counter(c.evictions, float64(s.Evictions))
	counter(c.invalidations, float64(s.Invalidations))

	gauge(c.cacheEntries, float64(s.Cache.Entries))
	gauge(c.cacheBytes, float64(s.Cache.UsedBytes))
	gauge(c.thresholds, float64(s.Thresholds.HotThreshold), "hot")
	gauge(c.thresholds, float64(s.Thresholds.ColdThreshold), "cold")
	gauge(c.compileEWMA, s.Thresholds.CompileTimeEWMA.Seconds())
}
