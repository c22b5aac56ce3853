package clamp

import (
	"tinygo.org/x/go-llvm"
)

// instKind is the closed set of IR node shapes the engine distinguishes.
// Every analysis switch in this package matches over instKind rather than
// probing llvm.Value with open-ended IsA* casts, so a new instruction kind
// shows up as kindOther exactly once, in classifyValue.
type instKind int

const (
	kindAddr      instKind = iota // getelementptr address computation
	kindCast                      // pointer cast (bitcast / addrspacecast)
	kindLoad                      // load instruction
	kindStore                     // store instruction
	kindCall                      // call instruction
	kindAlloca                    // stack allocation
	kindConstExpr                 // constant address expression
	kindBad                       // instructions the engine refuses (atomics, fences, va_arg)
	kindOther                     // anything the analysis never traces through
)

// classifyValue maps an arbitrary IR value onto instKind.
func classifyValue(v llvm.Value) instKind {
	if !v.IsAInstruction().IsNil() {
		switch v.InstructionOpcode() {
		case llvm.GetElementPtr:
			return kindAddr
		case llvm.BitCast, opAddrSpaceCast:
			return kindCast
		case llvm.Load:
			return kindLoad
		case llvm.Store:
			return kindStore
		case llvm.Call:
			return kindCall
		case llvm.Alloca:
			return kindAlloca
		case opAtomicRMW, opAtomicCmpXchg, opFence, llvm.VAArg:
			return kindBad
		default:
			return kindOther
		}
	}
	if !v.IsAConstantExpr().IsNil() {
		return kindConstExpr
	}
	return kindOther
}

// constExprKind refines a kindConstExpr value by its expression opcode, reusing
// the same closed set. Address computations and pointer casts are the only
// constant expression forms the derivation walk follows.
func constExprKind(v llvm.Value) instKind {
	switch v.Opcode() {
	case llvm.GetElementPtr:
		return kindAddr
	case llvm.BitCast, opAddrSpaceCast:
		return kindCast
	default:
		return kindOther
	}
}

// isPointer reports whether t is a pointer type.
func isPointer(t llvm.Type) bool {
	return t.TypeKind() == llvm.PointerTypeKind
}

// sameSpaceCast reports whether cast is a pointer-to-pointer cast that stays
// inside one address space. Only such casts preserve region bounds.
func sameSpaceCast(cast llvm.Value) bool {
	from := cast.Operand(0).Type()
	to := cast.Type()
	if !isPointer(from) || !isPointer(to) {
		return false
	}
	return from.PointerAddressSpace() == to.PointerAddressSpace()
}
