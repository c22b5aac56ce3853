package clamp

import (
	"tinygo.org/x/go-llvm"
)

// safePtrSuffix tags the bounded-pointer version of a rewritten function.
const safePtrSuffix = "__safe_ptrs__"

// createNewFunctionSignature builds the bounded-pointer counterpart of fn:
// every pointer parameter becomes a {cur, min, max} aggregate, everything
// else passes through. The new function starts empty; bodies move later.
// Function and argument mappings are recorded for call fixing.
func (c *Clamp) createNewFunctionSignature(fn llvm.Value) (llvm.Value, error) {
	fnTy := fn.GlobalValueType()
	retTy := fnTy.ReturnType()

	// Returning a pointer would need a region for a value that outlives the
	// frame that knows it; neither is supported.
	if isPointer(retTy) {
		return llvm.Value{}, unsupportedf("function %s returns a pointer", fn.Name())
	}
	if retTy.TypeKind() == llvm.ArrayTypeKind {
		return llvm.Value{}, unsupportedf("function %s returns an array", fn.Name())
	}
	if fnTy.IsFunctionVarArg() {
		return llvm.Value{}, unsupportedf("function %s is variadic", fn.Name())
	}

	// main keeps its ABI in relaxed mode; its argument vector is exempted by
	// the safety classifier instead. In strict mode pointer arguments to main
	// have no region to come from, so they are rejected outright.
	keepArgs := false
	if fn.Name() == "main" {
		if c.cfg.Relaxed {
			keepArgs = true
		} else {
			for _, ty := range fnTy.ParamTypes() {
				if isPointer(ty) {
					return llvm.Value{}, strictModef("main has pointer arguments")
				}
			}
		}
	}

	paramTypes := fnTy.ParamTypes()
	newParams := make([]llvm.Type, 0, len(paramTypes))
	for _, ty := range paramTypes {
		if ty.TypeKind() == llvm.ArrayTypeKind {
			return llvm.Value{}, unsupportedf("function %s takes an array by value", fn.Name())
		}
		if !keepArgs && isPointer(ty) {
			newParams = append(newParams, c.smartStructType(ty.PointerAddressSpace()))
		} else {
			newParams = append(newParams, ty)
		}
	}

	newTy := llvm.FunctionType(retTy, newParams, false)
	newFn := llvm.AddFunction(c.Module, fn.Name()+safePtrSuffix, newTy)
	newFn.SetLinkage(fn.Linkage())

	c.replacedFunctions[fn] = newFn
	c.replacedOrder = append(c.replacedOrder, fn)
	c.log.Debugf("new signature %s for %s", newFn.Name(), fn.Name())
	return newFn, nil
}

// moveFunctionBodies splices every replaced function's blocks into its new
// signature and rewires the arguments. A bounded-pointer argument is unpacked
// once at entry with an extractvalue of its current pointer, and all former
// uses of the raw argument go through that value.
func (c *Clamp) moveFunctionBodies() {
	for _, fn := range c.replacedOrder {
		newFn := c.replacedFunctions[fn]

		placeholder := c.Context.AddBasicBlock(newFn, "")
		for _, bb := range fn.BasicBlocks() {
			bb.MoveBefore(placeholder)
		}
		placeholder.EraseFromParent()
		entry := newFn.EntryBasicBlock()

		for i := 0; i < fn.ParamsCount(); i++ {
			oldArg := fn.Param(i)
			newArg := newFn.Param(i)
			newArg.SetName(oldArg.Name())

			if oldArg.Type() == newArg.Type() {
				oldArg.ReplaceAllUsesWith(newArg)
				continue
			}

			newArg.SetName(oldArg.Name() + ".SmartArg")
			c.builder.SetInsertPointBefore(entry.FirstInstruction())
			cur := c.builder.CreateExtractValue(newArg, 0, oldArg.Name()+".Cur")
			oldArg.ReplaceAllUsesWith(cur)
			c.argCur[newArg] = cur
		}
	}
}

// fixCallsToUseChangedSignatures rewrites every internal call whose callee
// was replaced so it calls the new function with bounded-pointer operands.
func (c *Clamp) fixCallsToUseChangedSignatures() error {
	for _, call := range c.internalCalls {
		callee := call.CalledValue()
		newFn, ok := c.replacedFunctions[callee]
		if !ok {
			continue
		}
		if err := c.convertCall(call, callee, newFn); err != nil {
			return err
		}
	}
	return nil
}

// convertCall replaces call with an equivalent call to newFn, wrapping each
// pointer operand whose parameter became a bounded-pointer aggregate.
//
// A pointer that is itself the enclosing function's unpacked argument is
// forwarded as the incoming aggregate, so the callee sees the identical
// region the caller was given. Any other operand gets a fresh aggregate built
// from the region the analysis resolved for it.
func (c *Clamp) convertCall(call, oldFn, newFn llvm.Value) error {
	oldParams := oldFn.GlobalValueType().ParamTypes()
	newParams := newFn.GlobalValueType().ParamTypes()

	args := make([]llvm.Value, len(oldParams))
	for i := range oldParams {
		operand := call.Operand(i)
		if oldParams[i] == newParams[i] {
			args[i] = operand
			continue
		}

		switch {
		case c.isUnpackedArgument(operand):
			// The .Cur unpacked at entry: forward the whole aggregate.
			args[i] = operand.Operand(0)
		default:
			agg, err := c.smartPointerFor(operand, oldParams[i].PointerAddressSpace(), call)
			if err != nil {
				return err
			}
			args[i] = agg
		}
	}

	c.builder.SetInsertPointBefore(call)
	name := ""
	if call.Type().TypeKind() != llvm.VoidTypeKind {
		name = call.Name()
	}
	newCall := c.builder.CreateCall(newFn.GlobalValueType(), newFn, args, name)
	call.ReplaceAllUsesWith(newCall)
	call.EraseFromParentAsInstruction()
	return nil
}

// isUnpackedArgument reports whether v is the entry-block extractvalue that
// unpacks a bounded-pointer argument.
func (c *Clamp) isUnpackedArgument(v llvm.Value) bool {
	if v.IsAInstruction().IsNil() || v.InstructionOpcode() != llvm.ExtractValue {
		return false
	}
	agg := v.Operand(0)
	return !agg.IsAArgument().IsNil() && c.argCur[agg] == v
}

// smartPointerFor builds a {cur, min, max} aggregate for operand right before
// the consuming instruction, using the operand's resolved region.
func (c *Clamp) smartPointerFor(operand llvm.Value, space int, before llvm.Value) (llvm.Value, error) {
	limit, err := c.limitFor(operand)
	if err != nil {
		return llvm.Value{}, err
	}
	if limit == nil {
		return llvm.Value{}, unresolvablef("no region for call operand %q", operand.Name())
	}

	c.builder.SetInsertPointBefore(before)
	elemTy := c.Context.Int8Type()
	minAddr := limit.firstValidFor(c, elemTy)
	maxAddr := limit.validAddress(c, limit.max, 0, elemTy)
	return c.buildSmartPointer(space, operand, minAddr, maxAddr), nil
}

// buildSmartPointer assembles the aggregate at the current builder position.
func (c *Clamp) buildSmartPointer(space int, cur, min, max llvm.Value) llvm.Value {
	agg := llvm.Undef(c.smartStructType(space))
	agg = c.builder.CreateInsertValue(agg, cur, 0, "")
	agg = c.builder.CreateInsertValue(agg, min, 1, "")
	agg = c.builder.CreateInsertValue(agg, max, 2, "")
	return agg
}

// limitFor returns the region of a pointer value, trying the value map first
// and the backward derivation walk second. A nil region with nil error means
// the operand is untracked.
func (c *Clamp) limitFor(operand llvm.Value) (*AreaLimit, error) {
	if limit, ok := c.valueLimits[operand]; ok {
		return limit, nil
	}
	return c.resolveAncestors(operand)
}
