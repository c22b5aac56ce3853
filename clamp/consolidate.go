package clamp

import (
	"fmt"
	"sort"

	"tinygo.org/x/go-llvm"
)

// consolidateStaticMemory packs every statically sized allocation of one
// address space (named globals and entry-block allocas) into a single
// internal struct global, replaces all references with field addresses, and
// erases the originals. After this stage every static allocation has exactly
// one retrievable region: its field address and the address one past it.
func (c *Clamp) consolidateStaticMemory() error {
	static := map[int][]llvm.Value{}

	for g := c.Module.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
		// Only named, defined globals are packed. Unnamed ones cannot be
		// referenced relatively from anywhere; declarations have no storage
		// here to pack.
		if g.Name() == "" || g.IsDeclaration() {
			continue
		}
		space := g.Type().PointerAddressSpace()
		static[space] = append(static[space], g)
	}

	for fn := c.Module.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if fn.IsDeclaration() {
			continue
		}
		entry := fn.EntryBasicBlock()
		for inst := entry.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if classifyValue(inst) == kindAlloca {
				space := inst.Type().PointerAddressSpace()
				static[space] = append(static[space], inst)
			}
		}
	}

	spaces := make([]int, 0, len(static))
	for space := range static {
		spaces = append(spaces, space)
	}
	sort.Ints(spaces)

	for _, space := range spaces {
		if err := c.consolidateSpace(space, static[space]); err != nil {
			return err
		}
	}
	return nil
}

// consolidateSpace builds the aggregate for one address space.
func (c *Clamp) consolidateSpace(space int, values []llvm.Value) error {
	elemTypes := make([]llvm.Type, 0, len(values))
	inits := make([]llvm.Value, 0, len(values))

	for _, val := range values {
		var elemTy llvm.Type
		init := llvm.Value{}
		switch {
		case !val.IsAAllocaInst().IsNil():
			elemTy = val.AllocatedType()
		case !val.IsAGlobalVariable().IsNil():
			elemTy = val.GlobalValueType()
			init = val.Initializer()
		default:
			return unsupportedf("unexpected static allocation %q", val.Name())
		}

		if init.IsNil() {
			init = llvm.ConstNull(elemTy) // zero-fill, aggregates included
		} else if err := checkRelocatable(init); err != nil {
			return fmt.Errorf("initializer of %q: %w", val.Name(), err)
		}
		elemTypes = append(elemTypes, elemTy)
		inits = append(inits, init)
	}

	structTy := c.Context.StructType(elemTypes, false)
	name := fmt.Sprintf("AddressSpace%dStaticData", space)
	agg := llvm.AddGlobalInAddressSpace(c.Module, structTy, name, space)
	agg.SetInitializer(llvm.ConstStruct(inits, false))
	agg.SetLinkage(llvm.InternalLinkage)
	c.log.Debugf("address space %d: packed %d allocations into %s", space, len(values), name)

	for idx, val := range values {
		field := llvm.ConstInBoundsGEP(structTy, agg, []llvm.Value{c.constI32(0), c.constI32(idx)})
		val.ReplaceAllUsesWith(field)
		if !val.IsAAllocaInst().IsNil() {
			val.EraseFromParentAsInstruction()
		} else {
			val.EraseFromParentAsGlobal()
		}
		// Each field keeps the bounds of the allocation it replaced, so an
		// access derived from one allocation cannot drift into a neighboring
		// field of the aggregate. Only the whole-aggregate region goes into
		// the address space set; field regions are found by derivation.
		c.valueLimits[field] = &AreaLimit{
			min:   field,
			max:   llvm.ConstGEP(elemTypes[idx], field, []llvm.Value{c.constI32(1)}),
			space: space,
		}
	}
	return nil
}

// checkRelocatable rejects initializers that cannot be moved into the
// aggregate: anything containing a constant expression (an address of another
// global, a cast of one) would need relocation against the new layout. Plain
// scalars, zeroinitializers and recursively constant aggregates pass.
func checkRelocatable(init llvm.Value) error {
	if !init.IsAConstantExpr().IsNil() {
		return unsupportedf("constant-expression initializer")
	}
	for i := 0; i < init.OperandsCount(); i++ {
		if err := checkRelocatable(init.Operand(i)); err != nil {
			return err
		}
	}
	return nil
}

// findAddressSpaceLimits registers one region per surviving named global.
// After consolidation that is the per-space aggregate plus whatever the
// module declares but does not define here. The global itself is also seeded
// as a bounded value so backward derivation walks can terminate at it.
func (c *Clamp) findAddressSpaceLimits() {
	for g := c.Module.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
		if g.Name() == "" {
			continue
		}
		space := g.Type().PointerAddressSpace()
		limit := &AreaLimit{
			min:   g,
			max:   llvm.ConstGEP(g.GlobalValueType(), g, []llvm.Value{c.constI32(1)}),
			space: space,
		}
		c.addASLimit(space, limit)
		c.valueLimits[g] = limit
		c.log.Debugf("address space %d: region for global %s", space, g.Name())
	}
}
