package jit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, workers, queue int) *WorkerPool {
	p := NewWorkerPool(workers, queue, zaptest.NewLogger(t))
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

// TestWorkerPoolRuns 提交的任务全部执行，Drain 等待它们完成
func TestWorkerPoolRuns(t *testing.T) {
	p := newTestPool(t, 4, 128)
	var n atomic.Int64
	for i := 0; i < 100; i++ {
		if !p.Submit(TaskFunc(func() { n.Add(1) })) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if err := p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 100 || p.stats.Executed.Load() != 100 || p.stats.Submitted.Load() != 100 {
		t.Errorf("ran %d, executed %d, submitted %d", n.Load(), p.stats.Executed.Load(), p.stats.Submitted.Load())
	}
}

// TestWorkerPoolQueueFull 队列满时立即拒绝
func TestWorkerPoolQueueFull(t *testing.T) {
	p := newTestPool(t, 1, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(TaskFunc(func() {
		close(started)
		<-release
	}))
	<-started

	if !p.Submit(TaskFunc(func() {})) {
		t.Fatal("queued task rejected")
	}
	if p.Submit(TaskFunc(func() {})) {
		t.Error("task accepted with a full queue")
	}
	if p.stats.Rejected.Load() != 1 {
		t.Errorf("rejected = %d, want 1", p.stats.Rejected.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain with a blocked worker = %v", err)
	}

	close(release)
	if err := p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestWorkerPoolPanic 任务 panic 不影响后续任务
func TestWorkerPoolPanic(t *testing.T) {
	p := newTestPool(t, 1, 4)
	var ran atomic.Bool
	p.Submit(TaskFunc(func() { panic("boom") }))
	p.Submit(TaskFunc(func() { ran.Store(true) }))
	if err := p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran.Load() {
		t.Error("task after panic did not run")
	}
	if p.stats.Panics.Load() != 1 || p.stats.Executed.Load() != 1 {
		t.Errorf("panics %d executed %d", p.stats.Panics.Load(), p.stats.Executed.Load())
	}
}

// TestWorkerPoolStop 停止后拒绝提交，丢弃的任务不会让 Drain 卡住
func TestWorkerPoolStop(t *testing.T) {
	p := NewWorkerPool(1, 4, zaptest.NewLogger(t))
	if p.Submit(TaskFunc(func() {})) {
		t.Error("submit accepted before Start")
	}
	p.Start()
	p.Start()
	if !p.IsRunning() || p.NumWorkers() != 1 {
		t.Fatalf("running %v workers %d", p.IsRunning(), p.NumWorkers())
	}

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(TaskFunc(func() {
		close(started)
		<-release
	}))
	<-started
	p.Submit(TaskFunc(func() {}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	p.Stop()
	p.Stop()

	if p.IsRunning() || p.Submit(TaskFunc(func() {})) {
		t.Error("stopped pool accepted work")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Errorf("Drain after Stop: %v", err)
	}
}
