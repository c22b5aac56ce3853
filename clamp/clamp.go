// Package clamp rewrites LLVM IR so that every load and store through a
// pointer is dynamically checked against the bounds of the allocation the
// pointer was derived from. An out-of-bounds load produces a zero value, an
// out-of-bounds store is skipped, and execution continues.
//
// The transform is a whole-program, single-threaded batch pass: it assumes
// exclusive access to the module, runs its stages in a fixed order, and any
// condition it cannot resolve aborts the whole run. Silently under-checking
// would defeat the point of the tool, so there is no best-effort mode.
package clamp

import (
	"strings"

	"go.uber.org/zap"
	"tinygo.org/x/go-llvm"
)

// Config selects the transformation policy. It is handed to New once and
// consulted at decision points; nothing else in the engine reads flags.
type Config struct {
	// Relaxed permits calls to unrecognized external functions (with a
	// warning) and exempts main's argument vector from checks. In strict
	// mode both are fatal.
	Relaxed bool

	// Kernels names the externally exported entry functions. Each gets a
	// public wrapper that takes an element count after every pointer
	// parameter; the instrumented implementation becomes internal.
	Kernels []string

	// AllowUntracked skips (with a warning) checks on pointers into an
	// address space with no registered regions, even in strict mode. Such a
	// pointer can only come from outside the program, so the operator must
	// decide whether the space is externally managed or the input is broken.
	AllowUntracked bool

	// Logger receives the debug trace of each stage. Nil means no logging.
	Logger *zap.SugaredLogger
}

// Clamp carries all transformation state. Every registry the stages share
// lives here, owned by the driver for exactly one module; nothing is global.
type Clamp struct {
	Module  llvm.Module
	Context llvm.Context
	builder llvm.Builder
	cfg     Config
	log     *zap.SugaredLogger

	// replacedFunctions maps each original function to its bounded-pointer
	// counterpart; replacedOrder keeps deterministic processing order.
	replacedFunctions map[llvm.Value]llvm.Value
	replacedOrder     []llvm.Value
	// argCur maps a bounded-pointer argument of a rewritten function to the
	// entry-block extractvalue that unpacks its current pointer.
	argCur map[llvm.Value]llvm.Value

	// valueLimits assigns a region to a pointer value; memoryLimits assigns a
	// region to the pointers held at a storage location. Entries are written
	// once: a conflicting second region is an inconsistency, never a merge.
	valueLimits  map[llvm.Value]*AreaLimit
	memoryLimits map[llvm.Value]*AreaLimit
	// asLimits collects the regions of each address space.
	asLimits map[int][]*AreaLimit

	// safeExceptions holds pointer operands proven to need no runtime check.
	safeExceptions map[llvm.Value]bool

	// Instruction worklists collected up front, before any rewriting.
	internalCalls []llvm.Value
	externalCalls []llvm.Value
	loads         []llvm.Value
	stores        []llvm.Value

	checkID int
}

// New creates a transformation context for mod.
func New(mod llvm.Module, cfg Config) *Clamp {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Clamp{
		Module:  mod,
		Context: mod.Context(),
		builder: mod.Context().NewBuilder(),
		cfg:     cfg,
		log:     log,

		replacedFunctions: make(map[llvm.Value]llvm.Value),
		argCur:            make(map[llvm.Value]llvm.Value),
		valueLimits:       make(map[llvm.Value]*AreaLimit),
		memoryLimits:      make(map[llvm.Value]*AreaLimit),
		asLimits:          make(map[int][]*AreaLimit),
		safeExceptions:    make(map[llvm.Value]bool),
	}
}

// Dispose releases the builder. The module stays owned by the caller.
func (c *Clamp) Dispose() {
	c.builder.Dispose()
}

// Transform runs the full instrumentation. The stages are ordered: later
// stages assume the invariants of earlier ones (propagation assumes statics
// are consolidated, check injection assumes limits are resolved). On error
// the module is in an intermediate state and must be discarded.
func (c *Clamp) Transform() error {
	c.log.Debugw("consolidating static memory")
	if err := c.consolidateStaticMemory(); err != nil {
		return err
	}

	c.log.Debugw("registering address space limits")
	c.findAddressSpaceLimits()

	c.log.Debugw("rewriting function signatures")
	for fn := c.Module.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if isIntrinsic(fn) {
			continue
		}
		if fn.IsDeclaration() {
			// Declarations keep their signatures; calls to them are vetted in
			// makeBuiltinCallsSafe against the builtin tables and the policy.
			continue
		}
		if _, err := c.createNewFunctionSignature(fn); err != nil {
			return err
		}
		if err := c.sortInstructions(fn); err != nil {
			return err
		}
	}

	c.log.Debugw("moving function bodies to new signatures")
	c.moveFunctionBodies()

	c.log.Debugw("creating kernel entry points")
	if err := c.createKernelEntryPoints(); err != nil {
		return err
	}

	c.log.Debugw("tracing limits of every memory operand")
	if err := c.findLimits(); err != nil {
		return err
	}

	c.log.Debugw("fixing calls to use new signatures")
	if err := c.fixCallsToUseChangedSignatures(); err != nil {
		return err
	}

	// From here on the module is executable again, now with bounded-pointer
	// signatures. What remains is adding the checks themselves.

	c.log.Debugw("collecting safe exceptions")
	c.collectSafeExceptions()

	c.log.Debugw("adding boundary checks")
	if err := c.addBoundaryChecks(); err != nil {
		return err
	}

	c.log.Debugw("redirecting unsafe builtin calls")
	if err := c.makeBuiltinCallsSafe(); err != nil {
		return err
	}

	c.log.Debugw("removing replaced functions")
	c.removeReplacedFunctions()
	return nil
}

// sortInstructions collects the instructions later stages operate on.
// Instructions survive the body move, so the collected values stay valid.
func (c *Clamp) sortInstructions(fn llvm.Value) error {
	for _, bb := range fn.BasicBlocks() {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			switch classifyValue(inst) {
			case kindCall:
				callee := inst.CalledValue()
				if callee.IsNil() || callee.IsAFunction().IsNil() {
					return unsupportedf("indirect call in %s", fn.Name())
				}
				if isIntrinsic(callee) {
					continue
				}
				if callee.IsDeclaration() {
					c.externalCalls = append(c.externalCalls, inst)
				} else {
					c.internalCalls = append(c.internalCalls, inst)
				}
			case kindStore:
				// Stores that spill a raw argument into its stack slot are
				// bookkeeping emitted by the front end, not program accesses.
				if !inst.Operand(0).IsAArgument().IsNil() {
					continue
				}
				c.stores = append(c.stores, inst)
			case kindLoad:
				c.loads = append(c.loads, inst)
			case kindBad:
				return unsupportedf("instruction %q in %s cannot be bounds-checked", inst.Name(), fn.Name())
			}
		}
	}
	return nil
}

// removeReplacedFunctions erases the husks of the original functions and
// restores public names where the rewritten function should keep them.
func (c *Clamp) removeReplacedFunctions() {
	for _, fn := range c.replacedOrder {
		newFn := c.replacedFunctions[fn]
		name := fn.Name()
		if !fn.FirstUse().IsNil() {
			// A remaining use means a call site the transform did not cover;
			// leaving the husk keeps the module verifiable for diagnosis.
			c.log.Warnf("replaced function %s still has uses, not erased", name)
			continue
		}
		fn.EraseFromParentAsFunction()
		if c.cfg.Relaxed && name == "main" {
			// main keeps its public name and ABI visibility in relaxed mode.
			newFn.SetName(name)
		}
	}
}

func isIntrinsic(fn llvm.Value) bool {
	return strings.HasPrefix(fn.Name(), "llvm.")
}
