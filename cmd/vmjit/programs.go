package main

import (
	"fmt"
	"sort"

	"github.com/tangzhangming/vmjit/internal/ir"
	"github.com/tangzhangming/vmjit/internal/jit"
)

// program 演示程序
type program struct {
	name   string
	desc   string
	entry  uint64
	blocks jit.BlockMap
	setup  func(regs *[ir.NumRegs]uint64)
}

func (p *program) sortedBlocks() []*ir.Block {
	blocks := make([]*ir.Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Addr < blocks[j].Addr })
	return blocks
}

func blockMap(blocks ...*ir.Block) jit.BlockMap {
	m := make(jit.BlockMap, len(blocks))
	for _, b := range blocks {
		m[b.Addr] = b
	}
	return m
}

// programs 内置演示程序
var programs = map[string]func(n uint64) *program{
	// 基本块返回自身，每次分发执行同一个块
	"add": func(n uint64) *program {
		return &program{
			name:  "add",
			desc:  "r3 = 10 + 20, returning to itself",
			entry: 0x1000,
			blocks: blockMap(
				ir.NewBuilder(0x1000).MovImm(1, 10).MovImm(2, 20).Add(3, 1, 2).Ret(),
			),
			setup: func(regs *[ir.NumRegs]uint64) { regs[ir.LinkReg] = 0x1000 },
		}
	},

	// 1 + 2 + ... + n，结果写入内存 0x10
	"sum": func(n uint64) *program {
		return &program{
			name:  "sum",
			desc:  fmt.Sprintf("sum of 1..%d stored at 0x10", n),
			entry: 0x100,
			blocks: blockMap(
				ir.NewBuilder(0x100).MovImm(1, 0).MovImm(2, n).MovImm(3, 1).MovImm(4, 0).Jmp(0x200),
				ir.NewBuilder(0x200).Add(1, 1, 2).Sub(2, 2, 3).Loop(uint32(n), true).CondJmp(2, 0x200, 0x300),
				ir.NewBuilder(0x300).Store(1, 4, 0x10, 8).Halt(),
			),
		}
	},

	// 调用两个函数 n 次，返回点经过内联缓存
	"calls": func(n uint64) *program {
		return &program{
			name:  "calls",
			desc:  fmt.Sprintf("%d rounds of two calls through a shared counter", n),
			entry: 0x400,
			blocks: blockMap(
				ir.NewBuilder(0x400).MovImm(10, n).MovImm(11, 1).MovImm(12, 0).Jmp(0x410),
				ir.NewBuilder(0x410).Call(0x500, 0x420),
				ir.NewBuilder(0x420).Call(0x600, 0x430),
				ir.NewBuilder(0x430).Sub(10, 10, 11).CondJmp(10, 0x410, 0x440),
				ir.NewBuilder(0x440).Store(12, 14, 0x20, 8).Halt(),
				ir.NewBuilder(0x500).Add(12, 12, 11).Ret(),
				ir.NewBuilder(0x600).Shl(13, 12, 11).Xor(12, 12, 13).Ret(),
			),
		}
	},
}

func programNames() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
