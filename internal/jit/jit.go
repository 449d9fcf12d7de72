// Package jit 实现虚拟机的即时编译执行核心
//
// 组成（自底向上）：
//   - Profiler:            按地址的执行计数，驱动分层提升
//   - ThresholdController: 根据编译开销与执行收益调整冷/热阈值
//   - RegisterAllocator:   线性扫描与图着色两种寄存器分配
//   - Compiler:            Tier 0 基线编译与 Tier 1 优化编译，支持 x86-64/ARM64/RISC-V64
//   - CodeCache:           分片 + 快速探测层的并发代码缓存
//   - Linker:              块链接（直接跳转补丁）与调用点内联缓存
//
// 每个虚拟机实例拥有一个 Engine，所有共享可变状态都是 Engine 的字段，
// 多个虚拟机实例之间互不干扰。
package jit

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// CompileMode 编译请求方式
type CompileMode int

const (
	CompileSync  CompileMode = iota // 请求线程阻塞直到安装完成
	CompileAsync                    // 提交到后台线程池，vCPU 继续解释执行
)

func (m CompileMode) String() string {
	if m == CompileAsync {
		return "async"
	}
	return "sync"
}

// UnrollConfig Tier 1 循环展开参数
type UnrollConfig struct {
	FullUnrollMax   uint32 // 次数不超过该值时完全展开
	MaxUnrollFactor int    // 部分展开的最大倍数
	GrowthFactor    int    // 最大代码膨胀倍数
	MaxUnrollOps    int    // 超过该操作数的循环体不展开
}

// Config JIT 配置
type Config struct {
	Enabled           bool        // 是否启用 JIT
	OptimizationLevel int         // 0: 只用 Tier 0; >=1: 允许 Tier 1
	ISA               ISA         // 目标指令集
	Mode              CompileMode // 编译请求方式
	Workers           int         // 后台编译线程数（0 表示 CPU 核心数）
	QueueSize         int         // 后台编译队列长度

	Threshold AdaptiveThresholdConfig
	Cache     CodeCacheConfig
	Unroll    UnrollConfig

	EnableChaining bool // 是否做块链接
	ChainBudget    int  // Loop 中单次进入本机代码最多执行的块数
	ICFanout       int  // 内联缓存多态上限
	SampleEvery    int  // 每个地址每隔多少次执行采样一次耗时

	// ArenaSize 可执行内存大小（0 表示按缓存容量推导）
	ArenaSize int

	// Safepoint 在每次回到分发循环时调用，此时所有客户机寄存器都已写回
	Safepoint func(regs *[ir.NumRegs]uint64)

	Logger *zap.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		OptimizationLevel: 1,
		ISA:               HostISA(),
		Mode:              CompileSync,
		QueueSize:         256,
		Threshold:         DefaultThresholdConfig(),
		Cache:             DefaultCodeCacheConfig(),
		Unroll: UnrollConfig{
			FullUnrollMax:   3,
			MaxUnrollFactor: 4,
			GrowthFactor:    4,
			MaxUnrollOps:    32,
		},
		EnableChaining: true,
		ChainBudget:    64,
		ICFanout:       MaxPolymorphicEntries,
		SampleEvery:    64,
	}
}

// InterpretOnlyConfig 纯解释模式配置
func InterpretOnlyConfig() *Config {
	cfg := DefaultConfig()
	cfg.Enabled = false
	return cfg
}

// Validate 检查配置
func (c *Config) Validate() error {
	var err error
	if c.OptimizationLevel < 0 || c.OptimizationLevel > 3 {
		err = multierr.Append(err, fmt.Errorf("optimization level %d out of range 0-3", c.OptimizationLevel))
	}
	if _, ok := isaNames[c.ISA]; !ok {
		err = multierr.Append(err, fmt.Errorf("unknown isa %d", c.ISA))
	}
	if c.ChainBudget < 1 {
		err = multierr.Append(err, fmt.Errorf("chain budget must be positive, got %d", c.ChainBudget))
	}
	if c.ICFanout < 1 {
		err = multierr.Append(err, fmt.Errorf("inline cache fan-out must be positive, got %d", c.ICFanout))
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		err = multierr.Append(err, fmt.Errorf("workers and queue size must not be negative"))
	}
	err = multierr.Append(err, c.Threshold.Validate())
	err = multierr.Append(err, c.Cache.Validate())
	return err
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c *Config) arenaSize() int {
	if c.ArenaSize > 0 {
		return c.ArenaSize
	}
	// 被替换/淘汰的代码在回收前仍占用内存，预留一倍余量
	return 2*c.Cache.CapacityBytes + 64*1024
}

func (c *Config) sampleEvery() int64 {
	if c.SampleEvery <= 0 {
		return 0
	}
	return int64(c.SampleEvery)
}

// compileTimeout 同步编译不会无限阻塞
const compileTimeout = 5 * time.Second
