package clamp

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// addBoundaryChecks injects a bounds check around every collected load and
// store that is not a safe exception.
func (c *Clamp) addBoundaryChecks() error {
	for _, load := range c.loads {
		if err := c.addCheck(load); err != nil {
			return err
		}
	}
	for _, store := range c.stores {
		if err := c.addCheck(store); err != nil {
			return err
		}
	}
	return nil
}

// addCheck decides the region set of one access and injects the check. A
// pointer into a space with no regions at all can only have come from outside
// the program; whether that is tolerable is the operator's call.
func (c *Clamp) addCheck(inst llvm.Value) error {
	op := pointerOperand(inst)
	if c.safeExceptions[op] {
		c.log.Debugf("skipping check for safe operand %q", op.Name())
		return nil
	}

	if limit, ok := c.valueLimits[op]; ok {
		c.createLimitCheck(op, limit, inst)
		return nil
	}

	space := op.Type().PointerAddressSpace()
	set := c.asLimits[space]
	switch {
	case len(set) == 1:
		c.createLimitCheck(op, set[0], inst)
		return nil
	case len(set) == 0:
		if c.cfg.Relaxed || c.cfg.AllowUntracked {
			c.log.Warnf("no regions in address space %d, access through %q left unchecked", space, op.Name())
			return nil
		}
		return unresolvablef("address space %d has no regions for operand %q", space, op.Name())
	default:
		// One access cannot be checked against alternative regions; the
		// analysis must resolve a single one or the input is unsupported.
		return unresolvablef("operand %q could be in any of %d regions of address space %d",
			op.Name(), len(set), space)
	}
}

// createLimitCheck splices a boundary check into the control flow around one
// memory access:
//
//	<bb>:           ... compute last/first valid address for the access type
//	                icmp ugt ptr, last_valid   -> boundary.check.failed | check.first.limit
//	check.first.limit:
//	                icmp ult ptr, first_valid  -> boundary.check.failed | boundary.check.ok
//	boundary.check.ok:
//	                the access                 -> if.end
//	boundary.check.failed:                     -> if.end
//	if.end:         for a load, a phi of (loaded value, zero) replaces it
//
// A failed store is simply skipped; a failed load yields zero of the loaded
// type with all prior uses redirected to the merged value.
func (c *Clamp) createLimitCheck(ptr llvm.Value, limit *AreaLimit, inst llvm.Value) {
	c.checkID++
	op := "store"
	isLoad := classifyValue(inst) == kindLoad
	if isLoad {
		op = "load"
	}
	postfix := fmt.Sprintf("%s.%d", op, c.checkID)

	bb := inst.InstructionParent()
	fn := bb.Parent()
	elemTy := accessElemType(inst)

	// Detach the access and everything after it; the blocks below get them.
	var tail []llvm.Value
	for i := inst; !i.IsNil(); i = llvm.NextInstruction(i) {
		tail = append(tail, i)
	}
	for _, t := range tail {
		t.RemoveFromParentAsInstruction()
	}

	checkFirst := c.Context.AddBasicBlock(fn, "check.first.limit."+postfix)
	okBlock := c.Context.AddBasicBlock(fn, "boundary.check.ok."+postfix)
	failBlock := c.Context.AddBasicBlock(fn, "boundary.check.failed."+postfix)
	endBlock := c.Context.AddBasicBlock(fn, "if.end.boundary.check."+postfix)
	checkFirst.MoveAfter(bb)
	okBlock.MoveAfter(checkFirst)
	failBlock.MoveAfter(okBlock)
	endBlock.MoveAfter(failBlock)

	c.builder.SetInsertPointAtEnd(bb)
	lastValid := limit.lastValidFor(c, elemTy)
	firstValid := limit.firstValidFor(c, elemTy)
	over := c.builder.CreateICmp(llvm.IntUGT, ptr, lastValid, "")
	c.builder.CreateCondBr(over, failBlock, checkFirst)

	c.builder.SetInsertPointAtEnd(checkFirst)
	under := c.builder.CreateICmp(llvm.IntULT, ptr, firstValid, "")
	c.builder.CreateCondBr(under, failBlock, okBlock)

	c.builder.SetInsertPointAtEnd(okBlock)
	c.builder.Insert(inst)
	c.builder.CreateBr(endBlock)

	c.builder.SetInsertPointAtEnd(failBlock)
	c.builder.CreateBr(endBlock)

	c.builder.SetInsertPointAtEnd(endBlock)
	for _, t := range tail[1:] {
		c.builder.Insert(t)
	}

	if isLoad {
		c.builder.SetInsertPointBefore(endBlock.FirstInstruction())
		merged := c.builder.CreatePHI(inst.Type(), "")
		inst.ReplaceAllUsesWith(merged)
		merged.AddIncoming(
			[]llvm.Value{inst, llvm.ConstNull(inst.Type())},
			[]llvm.BasicBlock{okBlock, failBlock},
		)
	}
	c.log.Debugf("boundary check %s injected", postfix)
}
