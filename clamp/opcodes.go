package clamp

import (
	"tinygo.org/x/go-llvm"
)

// tinygo.org/x/go-llvm does not export Opcode constants for these four
// instructions. The values are the LLVMOpcode enum from llvm-c/Core.h,
// which is a stable part of the LLVM-C ABI.
const (
	opFence         llvm.Opcode = 55 // LLVMFence
	opAtomicCmpXchg llvm.Opcode = 56 // LLVMAtomicCmpXchg
	opAtomicRMW     llvm.Opcode = 57 // LLVMAtomicRMW
	opAddrSpaceCast llvm.Opcode = 60 // LLVMAddrSpaceCast
)
