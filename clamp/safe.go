package clamp

import (
	"tinygo.org/x/go-llvm"
)

// collectSafeExceptions marks the pointer operands that need no runtime
// check. The classification is a pure function of the IR: running it twice
// without other mutation yields the same set.
func (c *Clamp) collectSafeExceptions() {
	for _, inst := range c.loads {
		c.classifyOperand(pointerOperand(inst))
	}
	for _, inst := range c.stores {
		c.classifyOperand(pointerOperand(inst))
	}

	if c.cfg.Relaxed {
		c.exemptMainArgv()
	}
}

func (c *Clamp) classifyOperand(op llvm.Value) {
	if c.safeExceptions[op] {
		return
	}
	if _, ok := c.staticallySafe(op); ok {
		c.log.Debugf("operand %q proven safe statically", op.Name())
		c.safeExceptions[op] = true
	}
}

// staticallySafe proves an address in-bounds at compile time. An address is
// safe iff it is a chain of address computations with constant, in-range
// indices rooted at a global whose linkage keeps it from being resized or
// replaced externally. Returns the element type the address points at, which
// the recursion needs to range-check the next level of indices.
func (c *Clamp) staticallySafe(v llvm.Value) (llvm.Type, bool) {
	if g := v.IsAGlobalVariable(); !g.IsNil() {
		switch v.Linkage() {
		case llvm.InternalLinkage, llvm.PrivateLinkage:
			return v.GlobalValueType(), true
		}
		return llvm.Type{}, false
	}

	kind := classifyValue(v)
	if kind == kindConstExpr {
		kind = constExprKind(v)
	}
	if kind != kindAddr {
		return llvm.Type{}, false
	}

	baseTy, ok := c.staticallySafe(v.Operand(0))
	if !ok {
		return llvm.Type{}, false
	}

	// First index offsets the base pointer itself; anything but zero leaves
	// the object. The rest must stay inside the aggregate type.
	n := v.OperandsCount()
	if n < 2 {
		return llvm.Type{}, false
	}
	indices := make([]int64, 0, n-1)
	for i := 1; i < n; i++ {
		ci := v.Operand(i).IsAConstantInt()
		if ci.IsNil() {
			return llvm.Type{}, false
		}
		indices = append(indices, ci.SExtValue())
	}
	if indices[0] != 0 {
		return llvm.Type{}, false
	}
	return indexedType(baseTy, indices[1:])
}

// indexedType walks ty along constant indices, rejecting any step out of
// range. Returns the type the full index chain resolves to.
func indexedType(ty llvm.Type, indices []int64) (llvm.Type, bool) {
	for _, idx := range indices {
		switch ty.TypeKind() {
		case llvm.StructTypeKind:
			fields := ty.StructElementTypes()
			if idx < 0 || idx >= int64(len(fields)) {
				return llvm.Type{}, false
			}
			ty = fields[idx]
		case llvm.ArrayTypeKind:
			if idx < 0 || idx >= int64(ty.ArrayLength()) {
				return llvm.Type{}, false
			}
			ty = ty.ElementType()
		case llvm.VectorTypeKind:
			if idx < 0 || idx >= int64(ty.VectorSize()) {
				return llvm.Type{}, false
			}
			ty = ty.ElementType()
		default:
			return llvm.Type{}, false
		}
	}
	return ty, true
}

// exemptMainArgv whitelists every access derived from main's argument vector.
// The hosting environment sizes argv to fit its contents by construction, so
// these addresses never need bounding; outside relaxed mode main does not
// take pointers at all.
func (c *Clamp) exemptMainArgv() {
	for _, fn := range c.replacedOrder {
		if fn.Name() != "main" {
			continue
		}
		newFn := c.replacedFunctions[fn]
		for i := 0; i < newFn.ParamsCount(); i++ {
			arg := newFn.Param(i)
			if arg.Name() == "argv" && isPointer(arg.Type()) {
				c.resolveArgvUses(arg)
			}
		}
	}
}

// resolveArgvUses follows argv through address computations, loads, and the
// stores that spill it, marking everything reached as exempt.
func (c *Clamp) resolveArgvUses(root llvm.Value) {
	work := []llvm.Value{root}
	visited := map[llvm.Value]bool{root: true}

	push := func(v llvm.Value) {
		if !visited[v] {
			visited[v] = true
			work = append(work, v)
		}
	}

	for len(work) > 0 {
		val := work[len(work)-1]
		work = work[:len(work)-1]

		for use := val.FirstUse(); !use.IsNil(); use = use.NextUse() {
			user := use.User()
			switch classifyValue(user) {
			case kindAddr, kindLoad:
				c.safeExceptions[user] = true
				push(user)
			case kindStore:
				if user.Operand(0) != val {
					continue
				}
				dest := user.Operand(1)
				if !c.safeExceptions[dest] {
					c.safeExceptions[dest] = true
					push(dest)
				}
			}
		}
	}
}
