// Package config 读取 vmjit 的 TOML 配置文件
//
// 配置文件示例（未出现的键保持默认值）：
//
//	[jit]
//	isa = "x86_64"
//	mode = "async"
//
//	[threshold]
//	hot = 200
//	compile_budget = "5ms"
//
//	[cache]
//	capacity_bytes = 8388608
//	eviction_policy = "lfu"
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/vmjit/internal/jit"
)

// 常量定义
const (
	ConfigFileName = "vmjit.toml" // 默认配置文件名
)

// File 配置文件
type File struct {
	JIT       JITSection       `toml:"jit"`
	Threshold ThresholdSection `toml:"threshold"`
	Cache     CacheSection     `toml:"cache"`
	Unroll    UnrollSection    `toml:"unroll"`
	Log       LogSection       `toml:"log"`
	AOT       AOTSection       `toml:"aot"`
}

// JITSection [jit]
type JITSection struct {
	Enabled           bool   `toml:"enabled"`
	OptimizationLevel int    `toml:"optimization_level"`
	ISA               string `toml:"isa"`
	Mode              string `toml:"mode"` // sync | async
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
	EnableChaining    bool   `toml:"enable_chaining"`
	ChainBudget       int    `toml:"chain_budget"`
	ICFanout          int    `toml:"ic_fanout"`
	SampleEvery       int    `toml:"sample_every"`
	ArenaSize         int    `toml:"arena_size"`
}

// ThresholdSection [threshold]
type ThresholdSection struct {
	Cold              int64   `toml:"cold"`
	Hot               int64   `toml:"hot"`
	Adaptive          bool    `toml:"adaptive"`
	Min               int64   `toml:"min"`
	Max               int64   `toml:"max"`
	CompileCostWeight float64 `toml:"compile_cost_weight"`
	BenefitWeight     float64 `toml:"benefit_weight"`
	Alpha             float64 `toml:"alpha"`
	AdjustInterval    uint64  `toml:"adjust_interval"`
	CompileBudget     string  `toml:"compile_budget"`
	BenefitScale      string  `toml:"benefit_scale"`
	Tier1Multiplier   int64   `toml:"tier1_multiplier"`
}

// CacheSection [cache]
type CacheSection struct {
	CapacityBytes  int    `toml:"capacity_bytes"`
	EvictionPolicy string `toml:"eviction_policy"`
	Shards         int    `toml:"shards"`
	HotSlots       int    `toml:"hot_slots"`
	PromoteAfter   int64  `toml:"promote_after"`
}

// UnrollSection [unroll]
type UnrollSection struct {
	FullUnrollMax   uint32 `toml:"full_unroll_max"`
	MaxUnrollFactor int    `toml:"max_factor"`
	GrowthFactor    int    `toml:"growth_factor"`
	MaxUnrollOps    int    `toml:"max_ops"`
}

// LogSection [log]
type LogSection struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// AOTSection [aot]
type AOTSection struct {
	// Store 镜像存储目录，为空时使用内存存储
	Store string `toml:"store"`
}

// Default 返回与 jit.DefaultConfig 一致的默认配置
func Default() *File {
	d := jit.DefaultConfig()
	return &File{
		JIT: JITSection{
			Enabled:           d.Enabled,
			OptimizationLevel: d.OptimizationLevel,
			ISA:               d.ISA.String(),
			Mode:              d.Mode.String(),
			Workers:           d.Workers,
			QueueSize:         d.QueueSize,
			EnableChaining:    d.EnableChaining,
			ChainBudget:       d.ChainBudget,
			ICFanout:          d.ICFanout,
			SampleEvery:       d.SampleEvery,
			ArenaSize:         d.ArenaSize,
		},
		Threshold: ThresholdSection{
			Cold:              d.Threshold.ColdThreshold,
			Hot:               d.Threshold.HotThreshold,
			Adaptive:          d.Threshold.EnableAdaptive,
			Min:               d.Threshold.MinThreshold,
			Max:               d.Threshold.MaxThreshold,
			CompileCostWeight: d.Threshold.CompileCostWeight,
			BenefitWeight:     d.Threshold.BenefitWeight,
			Alpha:             d.Threshold.Alpha,
			AdjustInterval:    d.Threshold.AdjustInterval,
			CompileBudget:     d.Threshold.CompileBudget.String(),
			BenefitScale:      d.Threshold.BenefitScale.String(),
			Tier1Multiplier:   d.Threshold.Tier1Multiplier,
		},
		Cache: CacheSection{
			CapacityBytes:  d.Cache.CapacityBytes,
			EvictionPolicy: d.Cache.EvictionPolicy.String(),
			Shards:         d.Cache.Shards,
			HotSlots:       d.Cache.HotSlots,
			PromoteAfter:   d.Cache.PromoteAfter,
		},
		Unroll: UnrollSection{
			FullUnrollMax:   d.Unroll.FullUnrollMax,
			MaxUnrollFactor: d.Unroll.MaxUnrollFactor,
			GrowthFactor:    d.Unroll.GrowthFactor,
			MaxUnrollOps:    d.Unroll.MaxUnrollOps,
		},
		Log: LogSection{Level: "info"},
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return f, nil
}

// Parse 解析配置内容，未出现的键保持默认值
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Save 保存配置到文件
func (f *File) Save(path string) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 检查配置，返回所有问题
func (f *File) Validate() error {
	_, err := f.JITConfig(nil)
	return err
}

func parseMode(s string) (jit.CompileMode, error) {
	switch strings.ToLower(s) {
	case "sync", "":
		return jit.CompileSync, nil
	case "async":
		return jit.CompileAsync, nil
	}
	return 0, fmt.Errorf("unknown compile mode %q", s)
}

// JITConfig 转换为引擎配置
func (f *File) JITConfig(logger *zap.Logger) (*jit.Config, error) {
	cfg := jit.DefaultConfig()
	var errs error

	isa, err := jit.ParseISA(f.JIT.ISA)
	errs = multierr.Append(errs, err)
	mode, err := parseMode(f.JIT.Mode)
	errs = multierr.Append(errs, err)
	policy, err := jit.ParseEvictionPolicy(f.Cache.EvictionPolicy)
	errs = multierr.Append(errs, err)
	budget, err := time.ParseDuration(f.Threshold.CompileBudget)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("threshold.compile_budget: %w", err))
	}
	scale, err := time.ParseDuration(f.Threshold.BenefitScale)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("threshold.benefit_scale: %w", err))
	}
	if errs != nil {
		return nil, errs
	}

	cfg.Enabled = f.JIT.Enabled
	cfg.OptimizationLevel = f.JIT.OptimizationLevel
	cfg.ISA = isa
	cfg.Mode = mode
	cfg.Workers = f.JIT.Workers
	cfg.QueueSize = f.JIT.QueueSize
	cfg.EnableChaining = f.JIT.EnableChaining
	cfg.ChainBudget = f.JIT.ChainBudget
	cfg.ICFanout = f.JIT.ICFanout
	cfg.SampleEvery = f.JIT.SampleEvery
	cfg.ArenaSize = f.JIT.ArenaSize

	cfg.Threshold = jit.AdaptiveThresholdConfig{
		ColdThreshold:     f.Threshold.Cold,
		HotThreshold:      f.Threshold.Hot,
		EnableAdaptive:    f.Threshold.Adaptive,
		MinThreshold:      f.Threshold.Min,
		MaxThreshold:      f.Threshold.Max,
		CompileCostWeight: f.Threshold.CompileCostWeight,
		BenefitWeight:     f.Threshold.BenefitWeight,
		Alpha:             f.Threshold.Alpha,
		AdjustInterval:    f.Threshold.AdjustInterval,
		CompileBudget:     budget,
		BenefitScale:      scale,
		Tier1Multiplier:   f.Threshold.Tier1Multiplier,
	}
	cfg.Cache = jit.CodeCacheConfig{
		CapacityBytes:  f.Cache.CapacityBytes,
		EvictionPolicy: policy,
		Shards:         f.Cache.Shards,
		HotSlots:       f.Cache.HotSlots,
		PromoteAfter:   f.Cache.PromoteAfter,
	}
	cfg.Unroll = jit.UnrollConfig{
		FullUnrollMax:   f.Unroll.FullUnrollMax,
		MaxUnrollFactor: f.Unroll.MaxUnrollFactor,
		GrowthFactor:    f.Unroll.GrowthFactor,
		MaxUnrollOps:    f.Unroll.MaxUnrollOps,
	}
	cfg.Logger = logger

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger 按 [log] 段创建日志器
func (f *File) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(f.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if f.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
