package clamp

import (
	"tinygo.org/x/go-llvm"
)

// unsafeBuiltins names the builtin operations that take raw pointers and
// therefore need a bounded-pointer replacement. Matched against demangled
// callee names.
var unsafeBuiltins = map[string]bool{
	"fract": true, "frexp": true, "lgamma_r": true, "modf": true,
	"remquo": true, "sincos": true,
	"vload2": true, "vload3": true, "vload4": true, "vload8": true, "vload16": true,
	"vstore2": true, "vstore3": true, "vstore4": true, "vstore8": true, "vstore16": true,
	"async_work_group_copy":         true,
	"async_work_group_strided_copy": true,
	"wait_group_events":             true,
	"atomic_add": true, "atomic_sub": true, "atomic_xchg": true,
	"atomic_inc": true, "atomic_dec": true, "atomic_cmpxchg": true,
	"atomic_min": true, "atomic_max": true,
	"atomic_and": true, "atomic_or": true, "atomic_xor": true,
}

// forbiddenBuiltins names the half-precision vector load/store variants,
// which have no bounded replacement and are rejected outright.
var forbiddenBuiltins = buildForbiddenBuiltins()

func buildForbiddenBuiltins() map[string]bool {
	out := map[string]bool{
		"vload_half":  true,
		"vstore_half": true,
	}
	widths := []string{"2", "3", "4", "8", "16"}
	roundings := []string{"", "_rte", "_rtz", "_rtp", "_rtn"}
	for _, w := range widths {
		out["vload_half"+w] = true
		out["vloada_half"+w] = true
	}
	for _, r := range roundings {
		out["vstore_half"+r] = true
		for _, w := range widths {
			out["vstore_half"+w+r] = true
			out["vstorea_half"+w+r] = true
		}
	}
	return out
}

// safeBuiltinSuffix separates the demangled builtin name from the Itanium
// parameter suffix in the symbol of a bounded replacement.
const safeBuiltinSuffix = "__safe__"

// makeBuiltinCallsSafe vets every call to a declaration-only function. Calls
// to unsafe builtins are redirected to bounded-pointer replacements whose
// signatures follow the same transformation rule as internal functions, so a
// hand-written implementation matches by structural signature. Forbidden
// builtins are fatal. Anything unrecognized that handles pointers is fatal in
// strict mode and a warning in relaxed mode.
func (c *Clamp) makeBuiltinCallsSafe() error {
	safeBuiltins := map[llvm.Value]llvm.Value{}

	for _, call := range c.externalCalls {
		callee := call.CalledValue()
		name, err := demangledName(callee.Name())
		if err != nil {
			return err
		}

		if forbiddenBuiltins[name] {
			return unsupportedf("call to forbidden builtin %s (%s)", name, callee.Name())
		}

		if !unsafeBuiltins[name] {
			if !calleeTakesPointers(callee) {
				continue // value-only builtin, nothing to bound
			}
			if c.cfg.Relaxed {
				c.log.Warnf("call to external function %s cannot be guaranteed safe", callee.Name())
				continue
			}
			return strictModef("call to unrecognized external function %s", callee.Name())
		}

		safeFn, ok := safeBuiltins[callee]
		if !ok {
			safeFn, err = c.createSafeBuiltin(callee, name)
			if err != nil {
				return err
			}
			safeBuiltins[callee] = safeFn
		}
		if err := c.convertCall(call, callee, safeFn); err != nil {
			return err
		}
	}
	return nil
}

// createSafeBuiltin declares the bounded-pointer replacement of a builtin.
func (c *Clamp) createSafeBuiltin(fn llvm.Value, demangled string) (llvm.Value, error) {
	fnTy := fn.GlobalValueType()
	if fnTy.IsFunctionVarArg() {
		return llvm.Value{}, unsupportedf("builtin %s is variadic", fn.Name())
	}
	paramTypes := fnTy.ParamTypes()
	newParams := make([]llvm.Type, 0, len(paramTypes))
	for _, ty := range paramTypes {
		if isPointer(ty) {
			newParams = append(newParams, c.smartStructType(ty.PointerAddressSpace()))
		} else {
			newParams = append(newParams, ty)
		}
	}

	symbol, err := customMangle(fn.Name(), demangled+safeBuiltinSuffix)
	if err != nil {
		return llvm.Value{}, err
	}
	newTy := llvm.FunctionType(fnTy.ReturnType(), newParams, false)
	newFn := llvm.AddFunction(c.Module, symbol, newTy)
	c.log.Debugf("declared safe builtin %s for %s", symbol, fn.Name())
	return newFn, nil
}

func calleeTakesPointers(fn llvm.Value) bool {
	for _, ty := range fn.GlobalValueType().ParamTypes() {
		if isPointer(ty) {
			return true
		}
	}
	return false
}
