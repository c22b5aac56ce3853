package clamp

import (
	"tinygo.org/x/go-llvm"
)

// AreaLimit describes the valid address range of one contiguous allocation.
// min is the first valid address and max the first address past the area;
// both live in the address space they bound. When indirect is set, min and
// max are storage locations holding the real bounds and need a load before
// any address arithmetic. An AreaLimit is never mutated after creation.
type AreaLimit struct {
	min      llvm.Value
	max      llvm.Value
	indirect bool
	space    int
}

// validAddress materializes the address offset elements of elemTy from val,
// emitting instructions at the current builder position. Constant limits stay
// in constant-expression form so they fold into the check comparison.
func (l *AreaLimit) validAddress(c *Clamp, val llvm.Value, offset int, elemTy llvm.Type) llvm.Value {
	limit := val
	if l.indirect {
		limit = c.builder.CreateLoad(c.ptrType(l.space), val, "limit.deref")
	}
	if offset == 0 {
		return limit
	}
	// The region may have been sized for a different element type than the
	// access uses; indexing in the access element type resolves the bound for
	// exactly the bytes one access touches.
	idx := []llvm.Value{c.constI32(offset)}
	if limit.IsConstant() {
		return llvm.ConstGEP(elemTy, limit, idx)
	}
	return c.builder.CreateGEP(elemTy, limit, idx, "limit.adjust")
}

// firstValidFor returns the lowest address a pointer of elemTy may access.
func (l *AreaLimit) firstValidFor(c *Clamp, elemTy llvm.Type) llvm.Value {
	return l.validAddress(c, l.min, 0, elemTy)
}

// lastValidFor returns the highest address at which a whole element of
// elemTy still fits inside the area. For an area smaller than one element
// this lands below min and every access of that type fails the check.
func (l *AreaLimit) lastValidFor(c *Clamp, elemTy llvm.Type) llvm.Value {
	return l.validAddress(c, l.max, -1, elemTy)
}

// ptrType returns the (opaque) pointer type of an address space.
func (c *Clamp) ptrType(space int) llvm.Type {
	return llvm.PointerType(c.Context.Int8Type(), space)
}

// smartStructType returns the bounded-pointer aggregate {cur, min, max} used
// in place of a raw pointer at call boundaries.
func (c *Clamp) smartStructType(space int) llvm.Type {
	p := c.ptrType(space)
	return c.Context.StructType([]llvm.Type{p, p, p}, false)
}

func (c *Clamp) constI32(v int) llvm.Value {
	return llvm.ConstInt(c.Context.Int32Type(), uint64(int64(v)), true)
}

// addASLimit registers a region with its address space.
func (c *Clamp) addASLimit(space int, l *AreaLimit) {
	c.asLimits[space] = append(c.asLimits[space], l)
}

// setValueLimit assigns a region to a pointer value. Once assigned the region
// is immutable; deriving a different one for the same value is a bug in the
// analysis, not input-dependent, so it is reported as an inconsistency.
func (c *Clamp) setValueLimit(v llvm.Value, l *AreaLimit) error {
	if prev, ok := c.valueLimits[v]; ok && prev != l {
		return inconsistentf("value %q already bounded by a different region", v.Name())
	}
	c.valueLimits[v] = l
	return nil
}

// resolveUses propagates the region of root forward along its use chains.
// An address computation or in-space pointer cast inherits the region. A
// store whose value operand is the tracked pointer tags the destination
// location, so later loads of that location yield the same region; a second,
// different region for one location is fatal. A plain load or any use the
// engine does not recognize ends the walk. The walk is an explicit worklist
// with a visited set, so cyclic def-use graphs terminate.
func (c *Clamp) resolveUses(root llvm.Value) error {
	work := []llvm.Value{root}
	visited := map[llvm.Value]bool{root: true}

	push := func(v llvm.Value, l *AreaLimit) error {
		if err := c.setValueLimit(v, l); err != nil {
			return err
		}
		if !visited[v] {
			visited[v] = true
			work = append(work, v)
		}
		return nil
	}

	for len(work) > 0 {
		val := work[len(work)-1]
		work = work[:len(work)-1]
		limit := c.valueLimits[val]

		for use := val.FirstUse(); !use.IsNil(); use = use.NextUse() {
			user := use.User()
			switch classifyValue(user) {
			case kindAddr:
				if user.Operand(0) != val {
					continue // val is an index, not the base address
				}
				if err := push(user, limit); err != nil {
					return err
				}
			case kindCast:
				if !sameSpaceCast(user) {
					c.log.Debugf("cast %q leaves the address space, limits dropped", user.Name())
					continue
				}
				if err := push(user, limit); err != nil {
					return err
				}
			case kindStore:
				if user.Operand(0) != val {
					continue // val is the destination, not the stored pointer
				}
				dest := user.Operand(1)
				if prev, ok := c.memoryLimits[dest]; ok && prev != limit {
					return inconsistentf("location %q holds pointers from two regions", dest.Name())
				}
				c.memoryLimits[dest] = limit
				// Loads of the tagged location see the stored pointer's region.
				for du := dest.FirstUse(); !du.IsNil(); du = du.NextUse() {
					duser := du.User()
					if classifyValue(duser) == kindLoad && duser.Operand(0) == dest {
						if err := push(duser, limit); err != nil {
							return err
						}
					}
				}
			default:
				// Loads of val and unrecognized users are boundaries: the
				// engine does not guess past them.
			}
		}
	}
	return nil
}

// resolveAncestors walks backward from a pointer operand along its derivation
// chain (base operands of address computations, in-space casts, and their
// constant-expression forms) until it meets a value with a known region. On
// success the region is memoized onto the whole chain; on failure the operand
// stays unresolved and the caller falls back to the address space regions.
func (c *Clamp) resolveAncestors(op llvm.Value) (*AreaLimit, error) {
	var chain []llvm.Value
	visited := map[llvm.Value]bool{}
	cur := op

	for {
		if limit, ok := c.valueLimits[cur]; ok {
			for _, v := range chain {
				if err := c.setValueLimit(v, limit); err != nil {
					return nil, err
				}
			}
			return limit, nil
		}
		if visited[cur] {
			return nil, nil
		}
		visited[cur] = true

		var next llvm.Value
		switch classifyValue(cur) {
		case kindAddr:
			next = cur.Operand(0)
		case kindCast:
			if !sameSpaceCast(cur) {
				return nil, nil
			}
			next = cur.Operand(0)
		case kindConstExpr:
			switch constExprKind(cur) {
			case kindAddr, kindCast:
				next = cur.Operand(0)
			default:
				return nil, nil
			}
		default:
			return nil, nil
		}
		chain = append(chain, cur)
		cur = next
	}
}

// findLimits assigns a region to every pointer operand of the collected loads
// and stores. Bounded-pointer arguments are unpacked first and their regions
// propagated forward; remaining operands are resolved backward through their
// derivation chains; finally, operands in an address space with exactly one
// region trivially get that region.
func (c *Clamp) findLimits() error {
	for _, fn := range c.replacedOrder {
		newFn := c.replacedFunctions[fn]
		if err := c.seedArgumentLimits(fn, newFn); err != nil {
			return err
		}
	}

	var operands []llvm.Value
	seen := map[llvm.Value]bool{}
	collect := func(insts []llvm.Value) {
		for _, inst := range insts {
			op := pointerOperand(inst)
			if !seen[op] {
				seen[op] = true
				operands = append(operands, op)
			}
		}
	}
	collect(c.loads)
	collect(c.stores)

	for _, op := range operands {
		if _, ok := c.valueLimits[op]; ok {
			continue
		}
		limit, err := c.resolveAncestors(op)
		if err != nil {
			return err
		}
		if limit != nil {
			continue
		}
		space := op.Type().PointerAddressSpace()
		if set := c.asLimits[space]; len(set) == 1 {
			c.log.Debugf("operand %q: single region of address space %d", op.Name(), space)
			if err := c.setValueLimit(op, set[0]); err != nil {
				return err
			}
		}
		// Zero or multiple regions: decided at check time, where the policy
		// for unresolvable operands applies.
	}
	return nil
}

// seedArgumentLimits unpacks the min/max of every bounded-pointer argument at
// function entry and starts forward propagation from the unpacked pointer.
func (c *Clamp) seedArgumentLimits(oldFn, newFn llvm.Value) error {
	oldParams := oldFn.GlobalValueType().ParamTypes()
	for i, oldTy := range oldParams {
		newArg := newFn.Param(i)
		cur, ok := c.argCur[newArg]
		if !ok {
			continue // parameter type unchanged
		}
		entry := newFn.EntryBasicBlock()
		c.builder.SetInsertPointBefore(entry.FirstInstruction())
		minLimit := c.builder.CreateExtractValue(newArg, 1, newArg.Name()+".min")
		maxLimit := c.builder.CreateExtractValue(newArg, 2, newArg.Name()+".max")

		limit := &AreaLimit{
			min:   minLimit,
			max:   maxLimit,
			space: oldTy.PointerAddressSpace(),
		}
		if err := c.setValueLimit(cur, limit); err != nil {
			return err
		}
		if err := c.resolveUses(cur); err != nil {
			return err
		}
	}
	return nil
}

// pointerOperand returns the address operand of a load or store.
func pointerOperand(inst llvm.Value) llvm.Value {
	if classifyValue(inst) == kindStore {
		return inst.Operand(1)
	}
	return inst.Operand(0)
}

// accessElemType returns the element type a load or store moves.
func accessElemType(inst llvm.Value) llvm.Type {
	if classifyValue(inst) == kindStore {
		return inst.Operand(0).Type()
	}
	return inst.Type()
}
