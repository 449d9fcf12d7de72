package jit

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// 编译错误
// ============================================================================

// CompileErrorKind 编译错误类型
type CompileErrorKind int

const (
	// UnsupportedOp 没有该操作的代码模板，地址永久解释执行
	UnsupportedOp CompileErrorKind = iota + 1
	// EncodingOverflow 输出缓冲区不足，扩容重试一次后仍不足
	EncodingOverflow
	// InternalInvariantViolation 内部一致性检查失败（如分配结果缺少寄存器）
	InternalInvariantViolation
)

func (k CompileErrorKind) String() string {
	switch k {
	case UnsupportedOp:
		return "unsupported op"
	case EncodingOverflow:
		return "encoding overflow"
	case InternalInvariantViolation:
		return "internal invariant violation"
	default:
		return "unknown"
	}
}

// CompileError 编译错误
type CompileError struct {
	Kind CompileErrorKind
	Addr uint64
	ISA  ISA
	Op   ir.OpKind // UnsupportedOp 时有效
	Msg  string
}

func (e *CompileError) Error() string {
	s := fmt.Sprintf("compile %#x for %s: %s", e.Addr, e.ISA, e.Kind)
	if e.Kind == UnsupportedOp {
		s += " " + e.Op.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is 按错误类型匹配，errors.Is(err, ErrUnsupportedOp) 可用
func (e *CompileError) Is(target error) bool {
	t, ok := target.(*CompileError)
	return ok && t.Addr == 0 && t.Msg == "" && t.Kind == e.Kind
}

// 用于 errors.Is 的哨兵
var (
	ErrUnsupportedOp      = &CompileError{Kind: UnsupportedOp}
	ErrEncodingOverflow   = &CompileError{Kind: EncodingOverflow}
	ErrInvariantViolation = &CompileError{Kind: InternalInvariantViolation}
)

// ============================================================================
// 缓存错误
// ============================================================================

// CacheErrorKind 缓存错误类型
type CacheErrorKind int

const (
	CapacityExceeded CacheErrorKind = iota + 1
)

// CacheError 缓存错误，只触发淘汰，不会传播给用户
type CacheError struct {
	Kind CacheErrorKind
	Need int
	Cap  int
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("code cache: capacity exceeded (need %d bytes, capacity %d)", e.Need, e.Cap)
}

func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	return ok && t.Kind == e.Kind
}

// ErrCapacityExceeded 缓存容量不足
var ErrCapacityExceeded = &CacheError{Kind: CapacityExceeded}

// ============================================================================
// 补丁错误
// ============================================================================

// PatchErrorKind 链接补丁错误类型
type PatchErrorKind int

const (
	// StaleTarget 目标地址没有已安装的编译块
	StaleTarget PatchErrorKind = iota + 1
	// ConcurrentExecution 有 vCPU 正在执行本机代码，补丁延后
	ConcurrentExecution
	// OutOfRange 跳转距离超出指令编码范围
	OutOfRange
)

func (k PatchErrorKind) String() string {
	switch k {
	case StaleTarget:
		return "stale target"
	case ConcurrentExecution:
		return "concurrent execution"
	case OutOfRange:
		return "out of range"
	default:
		return "unknown"
	}
}

// PatchError 链接补丁错误，非致命，跳过链接即可
type PatchError struct {
	Kind     PatchErrorKind
	From, To uint64
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("chain %#x -> %#x: %s", e.From, e.To, e.Kind)
}

func (e *PatchError) Is(target error) bool {
	t, ok := target.(*PatchError)
	return ok && t.Kind == e.Kind
}

var (
	ErrStaleTarget         = &PatchError{Kind: StaleTarget}
	ErrConcurrentExecution = &PatchError{Kind: ConcurrentExecution}
	ErrOutOfRange          = &PatchError{Kind: OutOfRange}
)

// ErrClosed 引擎已关闭
var ErrClosed = errors.New("jit: engine closed")
