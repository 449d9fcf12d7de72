// worker_pool.go - 后台编译线程池
//
// 异步编译模式下，热点提升产生的编译任务提交到这里执行，
// 请求的 vCPU 不等待，继续解释执行。
//
// 队列有界：队列满时 Submit 立即返回 false，由调用者回退
// （热点状态回到 Warm，下一次执行会再次触发）。

package jit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ============================================================================
// 任务
// ============================================================================

// Task 后台任务
type Task interface {
	Run()
}

// TaskFunc 函数适配器
type TaskFunc func()

// Run 实现 Task
func (f TaskFunc) Run() { f() }

// ============================================================================
// 工作线程池
// ============================================================================

// WorkerPool 工作线程池
type WorkerPool struct {
	numWorkers int
	queue      chan Task
	logger     *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}

	// inflight 已提交但尚未完成的任务
	inflight sync.WaitGroup

	stats WorkerPoolStats
}

// WorkerPoolStats 线程池统计信息
type WorkerPoolStats struct {
	Submitted atomic.Int64
	Executed  atomic.Int64
	Rejected  atomic.Int64
	Panics    atomic.Int64
}

// NewWorkerPool 创建线程池
//
// 参数:
//   - numWorkers: 工作线程数量
//   - queueSize: 队列长度
func NewWorkerPool(numWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > 256 {
		numWorkers = 256
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		queue:      make(chan Task, queueSize),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start 启动工作线程
func (p *WorkerPool) Start() {
	if !p.running.CAS(false, true) {
		return
	}
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop 停止线程池，队列中尚未开始的任务被丢弃
func (p *WorkerPool) Stop() {
	if !p.running.CAS(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	for {
		select {
		case <-p.queue:
			p.inflight.Done()
		default:
			return
		}
	}
}

// Submit 提交任务，队列满或线程池已停止时返回 false
func (p *WorkerPool) Submit(t Task) bool {
	if !p.running.Load() {
		p.stats.Rejected.Inc()
		return false
	}
	p.inflight.Add(1)
	select {
	case p.queue <- t:
		p.stats.Submitted.Inc()
		return true
	default:
		p.inflight.Done()
		p.stats.Rejected.Inc()
		return false
	}
}

// Drain 等待所有已提交的任务完成
func (p *WorkerPool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NumWorkers 工作线程数量
func (p *WorkerPool) NumWorkers() int {
	return p.numWorkers
}

// IsRunning 检查线程池是否运行中
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.queue:
			p.run(id, t)
		}
	}
}

// run 执行单个任务，任务 panic 不会终止工作线程
func (p *WorkerPool) run(id int, t Task) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			p.stats.Panics.Inc()
			p.logger.Error("background task panicked",
				zap.Int("worker", id), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	t.Run()
	p.stats.Executed.Inc()
}
