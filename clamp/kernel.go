package clamp

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// createKernelEntryPoints builds a public wrapper for every configured entry
// function. The wrapper takes the original parameter list with an element
// count appended after each pointer, converts each (pointer, count) pair into
// a bounded pointer, and calls the instrumented implementation, which becomes
// internal. The configured names correspond to the exported entry metadata of
// the program.
func (c *Clamp) createKernelEntryPoints() error {
	for _, name := range c.cfg.Kernels {
		fn := c.Module.NamedFunction(name)
		if fn.IsNil() {
			return fmt.Errorf("kernel %q not found in module", name)
		}
		impl, ok := c.replacedFunctions[fn]
		if !ok {
			return fmt.Errorf("kernel %q was not transformed (declaration only?)", name)
		}
		if err := c.createKernelWrapper(fn, impl); err != nil {
			return err
		}
		impl.SetLinkage(llvm.InternalLinkage)
	}
	return nil
}

// createKernelWrapper emits the public entry point for one kernel and takes
// over its public name.
func (c *Clamp) createKernelWrapper(orig, impl llvm.Value) error {
	origTy := orig.GlobalValueType()
	if origTy.ReturnType().TypeKind() != llvm.VoidTypeKind {
		return unsupportedf("kernel %s does not return void", orig.Name())
	}

	paramTypes := origTy.ParamTypes()
	wrapParams := make([]llvm.Type, 0, len(paramTypes)*2)
	for _, ty := range paramTypes {
		wrapParams = append(wrapParams, ty)
		if isPointer(ty) {
			wrapParams = append(wrapParams, c.Context.Int32Type())
		}
	}

	publicName := orig.Name()
	orig.SetName(publicName + ".unsafe")
	wrapTy := llvm.FunctionType(c.Context.VoidType(), wrapParams, false)
	wrapper := llvm.AddFunction(c.Module, publicName, wrapTy)

	entry := c.Context.AddBasicBlock(wrapper, "entry")
	c.builder.SetInsertPointAtEnd(entry)

	args := make([]llvm.Value, 0, len(paramTypes))
	wi := 0
	for i, ty := range paramTypes {
		arg := wrapper.Param(wi)
		arg.SetName(orig.Param(i).Name())
		wi++
		if !isPointer(ty) {
			args = append(args, arg)
			continue
		}

		count := wrapper.Param(wi)
		count.SetName(arg.Name() + ".size")
		wi++

		space := ty.PointerAddressSpace()
		elemTy := c.kernelElemType(impl.Param(i))
		max := c.builder.CreateGEP(elemTy, arg, []llvm.Value{count}, arg.Name()+".last")

		// The bounds live in private storage so that accesses resolved only
		// to "somewhere in this address space" can still be checked against
		// them through an indirect region.
		ptrTy := c.ptrType(space)
		gmin := llvm.AddGlobal(c.Module, ptrTy, "")
		gmin.SetInitializer(llvm.ConstNull(ptrTy))
		gmin.SetLinkage(llvm.PrivateLinkage)
		gmin.SetUnnamedAddr(true)
		gmax := llvm.AddGlobal(c.Module, ptrTy, "")
		gmax.SetInitializer(llvm.ConstNull(ptrTy))
		gmax.SetLinkage(llvm.PrivateLinkage)
		gmax.SetUnnamedAddr(true)

		c.builder.CreateStore(arg, gmin)
		c.builder.CreateStore(max, gmax)
		c.addASLimit(space, &AreaLimit{min: gmin, max: gmax, indirect: true, space: space})
		c.log.Debugf("address space %d: indirect region from kernel parameter %s", space, arg.Name())

		args = append(args, c.buildSmartPointer(space, arg, arg, max))
	}

	c.builder.CreateCall(impl.GlobalValueType(), impl, args, "")
	c.builder.CreateRetVoid()
	return nil
}

// kernelElemType guesses the element type a kernel pointer parameter is
// counted in. Opaque pointer types no longer carry it, so the first direct
// load or store through the parameter decides; a parameter that is only ever
// offset or passed on falls back to byte granularity.
func (c *Clamp) kernelElemType(implArg llvm.Value) llvm.Type {
	cur, ok := c.argCur[implArg]
	if !ok {
		return c.Context.Int8Type()
	}
	if ty, ok := c.elemTypeFromUses(cur, true); ok {
		return ty
	}
	return c.Context.Int8Type()
}

// elemTypeFromUses scans the uses of a pointer for an access element type,
// descending one level through address computations.
func (c *Clamp) elemTypeFromUses(ptr llvm.Value, descend bool) (llvm.Type, bool) {
	for use := ptr.FirstUse(); !use.IsNil(); use = use.NextUse() {
		user := use.User()
		switch classifyValue(user) {
		case kindLoad:
			if user.Operand(0) == ptr {
				return user.Type(), true
			}
		case kindStore:
			if user.Operand(1) == ptr {
				return user.Operand(0).Type(), true
			}
		case kindAddr:
			if descend && user.Operand(0) == ptr {
				if ty, ok := c.elemTypeFromUses(user, false); ok {
					return ty, true
				}
			}
		}
	}
	return llvm.Type{}, false
}
