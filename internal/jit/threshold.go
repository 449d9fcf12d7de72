// threshold.go - 自适应阈值控制
//
// 维护两个指数加权移动平均：
//   - 编译耗时（每次成功编译观测一次）
//   - 执行收益（同一地址解释执行与本机执行的单次耗时差）
//
// adjust() 重新计算热阈值：
//
//   hot = clamp(base * (1 + wc*nc) / (1 + wb*nb), min, max)
//
// 其中 nc = 编译耗时 / 编译预算，nb = 执行收益 / 收益尺度。
// 编译越贵阈值越高（编译得越保守），收益越大阈值越低（编译得越积极）。
// 冷阈值跟随热阈值取其十分之一。

package jit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// AdaptiveThresholdConfig 阈值配置
type AdaptiveThresholdConfig struct {
	ColdThreshold  int64 // 进入 Warm 的执行次数
	HotThreshold   int64 // Tier 0 提升的执行次数（adjust 的基准值）
	EnableAdaptive bool

	MinThreshold      int64
	MaxThreshold      int64
	CompileCostWeight float64
	BenefitWeight     float64
	Alpha             float64       // EWMA 平滑系数
	AdjustInterval    uint64        // 每隔多少次记录事件调整一次
	CompileBudget     time.Duration // 编译耗时的归一化基准
	BenefitScale      time.Duration // 执行收益的归一化基准
	Tier1Multiplier   int64         // Tier 1 阈值 = 热阈值 * 倍数
}

// DefaultThresholdConfig 默认阈值配置
func DefaultThresholdConfig() AdaptiveThresholdConfig {
	return AdaptiveThresholdConfig{
		ColdThreshold:     10,
		HotThreshold:      100,
		EnableAdaptive:    true,
		MinThreshold:      10,
		MaxThreshold:      1000,
		CompileCostWeight: 0.3,
		BenefitWeight:     0.7,
		Alpha:             0.2,
		AdjustInterval:    1000,
		CompileBudget:     10 * time.Millisecond,
		BenefitScale:      time.Microsecond,
		Tier1Multiplier:   10,
	}
}

// Validate 检查阈值配置
func (c AdaptiveThresholdConfig) Validate() error {
	var err error
	if c.HotThreshold < 1 {
		err = multierr.Append(err, fmt.Errorf("hot threshold must be positive, got %d", c.HotThreshold))
	}
	if c.ColdThreshold < 0 || c.ColdThreshold > c.HotThreshold {
		err = multierr.Append(err, fmt.Errorf("cold threshold %d must be in [0, hot threshold]", c.ColdThreshold))
	}
	if c.EnableAdaptive {
		if c.MinThreshold < 1 || c.MinThreshold > c.MaxThreshold {
			err = multierr.Append(err, fmt.Errorf("invalid threshold bounds [%d, %d]", c.MinThreshold, c.MaxThreshold))
		}
		if c.Alpha <= 0 || c.Alpha > 1 {
			err = multierr.Append(err, fmt.Errorf("ewma alpha %v out of (0, 1]", c.Alpha))
		}
		if c.CompileBudget <= 0 || c.BenefitScale <= 0 {
			err = multierr.Append(err, fmt.Errorf("compile budget and benefit scale must be positive"))
		}
		if c.AdjustInterval == 0 {
			err = multierr.Append(err, fmt.Errorf("adjust interval must be positive"))
		}
	}
	if c.Tier1Multiplier < 1 {
		err = multierr.Append(err, fmt.Errorf("tier1 multiplier must be at least 1, got %d", c.Tier1Multiplier))
	}
	return err
}

// AdaptiveThresholdState 阈值控制器状态快照
type AdaptiveThresholdState struct {
	ColdThreshold        int64
	HotThreshold         int64
	CompileTimeEWMA      time.Duration
	ExecutionBenefitEWMA float64 // 纳秒，可以为负
	Adjustments          uint64
}

// ThresholdController 自适应阈值控制器
type ThresholdController struct {
	cfg AdaptiveThresholdConfig

	cold atomic.Int64
	hot  atomic.Int64

	events      atomic.Uint64
	adjustments atomic.Uint64

	mu             sync.Mutex
	compileEWMA    float64 // 纳秒
	benefitEWMA    float64 // 纳秒
	compileSamples uint64
	benefitSamples uint64
}

// NewThresholdController 创建控制器
func NewThresholdController(cfg AdaptiveThresholdConfig) *ThresholdController {
	tc := &ThresholdController{cfg: cfg}
	tc.hot.Store(cfg.HotThreshold)
	tc.cold.Store(cfg.ColdThreshold)
	return tc
}

// Hot 当前热阈值
func (tc *ThresholdController) Hot() int64 { return tc.hot.Load() }

// Cold 当前冷阈值
func (tc *ThresholdController) Cold() int64 { return tc.cold.Load() }

// Tier1 当前 Tier 1 阈值
func (tc *ThresholdController) Tier1() int64 {
	return tc.hot.Load() * tc.cfg.Tier1Multiplier
}

// Enabled 是否启用自适应
func (tc *ThresholdController) Enabled() bool { return tc.cfg.EnableAdaptive }

func ewma(prev float64, samples uint64, v, alpha float64) float64 {
	if samples == 0 {
		return v
	}
	return alpha*v + (1-alpha)*prev
}

// ObserveCompile 记录一次编译耗时
func (tc *ThresholdController) ObserveCompile(d time.Duration) {
	tc.mu.Lock()
	tc.compileEWMA = ewma(tc.compileEWMA, tc.compileSamples, float64(d), tc.cfg.Alpha)
	tc.compileSamples++
	tc.mu.Unlock()
}

// ObserveBenefit 记录一次执行收益（解释耗时 - 本机耗时，纳秒）
func (tc *ThresholdController) ObserveBenefit(ns float64) {
	tc.mu.Lock()
	tc.benefitEWMA = ewma(tc.benefitEWMA, tc.benefitSamples, ns, tc.cfg.Alpha)
	tc.benefitSamples++
	tc.mu.Unlock()
}

// Due 记录一次事件，返回是否到了调整周期
func (tc *ThresholdController) Due() bool {
	if !tc.cfg.EnableAdaptive {
		return false
	}
	return tc.events.Inc()%tc.cfg.AdjustInterval == 0
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Adjust 重新计算阈值，返回新的热阈值。未启用自适应时不做任何改变。
func (tc *ThresholdController) Adjust() int64 {
	if !tc.cfg.EnableAdaptive {
		return tc.hot.Load()
	}
	tc.mu.Lock()
	nc := clampFloat(tc.compileEWMA/float64(tc.cfg.CompileBudget), 0, 10)
	nb := clampFloat(tc.benefitEWMA/float64(tc.cfg.BenefitScale), -0.5, 10)
	tc.mu.Unlock()

	denom := math.Max(1+tc.cfg.BenefitWeight*nb, 0.05)
	f := (1 + tc.cfg.CompileCostWeight*nc) / denom
	scaled := clampFloat(float64(tc.cfg.HotThreshold)*f, 0, float64(math.MaxInt32))
	hot := int64(math.Round(scaled))
	if hot < tc.cfg.MinThreshold {
		hot = tc.cfg.MinThreshold
	}
	if hot > tc.cfg.MaxThreshold {
		hot = tc.cfg.MaxThreshold
	}
	cold := hot / 10
	if cold < 1 {
		cold = 1
	}
	tc.hot.Store(hot)
	tc.cold.Store(cold)
	tc.adjustments.Inc()
	return hot
}

// State 返回状态快照
func (tc *ThresholdController) State() AdaptiveThresholdState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return AdaptiveThresholdState{
		ColdThreshold:        tc.cold.Load(),
		HotThreshold:         tc.hot.Load(),
		CompileTimeEWMA:      time.Duration(tc.compileEWMA),
		ExecutionBenefitEWMA: tc.benefitEWMA,
		Adjustments:          tc.adjustments.Load(),
	}
}
