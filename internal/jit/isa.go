package jit

import (
	"fmt"
	"runtime"
	"strings"
)

// ISA 目标指令集
type ISA uint8

const (
	ISAX86_64 ISA = iota
	ISAARM64
	ISARISCV64
)

var isaNames = map[ISA]string{
	ISAX86_64:  "x86_64",
	ISAARM64:   "arm64",
	ISARISCV64: "riscv64",
}

func (i ISA) String() string {
	if s, ok := isaNames[i]; ok {
		return s
	}
	return "unknown"
}

// ParseISA 解析指令集名称
func ParseISA(s string) (ISA, error) {
	switch strings.ToLower(s) {
	case "x86_64", "x86-64", "amd64", "x64":
		return ISAX86_64, nil
	case "arm64", "aarch64":
		return ISAARM64, nil
	case "riscv64", "riscv", "rv64":
		return ISARISCV64, nil
	}
	return 0, fmt.Errorf("unknown isa %q", s)
}

// HostISA 当前宿主机的指令集（不支持的宿主默认 x86-64）
func HostISA() ISA {
	switch runtime.GOARCH {
	case "arm64":
		return ISAARM64
	case "riscv64":
		return ISARISCV64
	}
	return ISAX86_64
}

// Tier 编译层级
type Tier uint8

const (
	Tier0 Tier = iota // 基线编译
	Tier1             // 优化编译
)

func (t Tier) String() string {
	if t == Tier1 {
		return "tier1"
	}
	return "tier0"
}
