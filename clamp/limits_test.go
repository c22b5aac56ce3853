package clamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreAliasingTwoRegionsIsInconsistent(t *testing.T) {
	ir := `
define void @swap(ptr %a, ptr %b) {
entry:
  %slot = alloca ptr
  store ptr %a, ptr %slot
  store ptr %b, ptr %slot
  %p = load ptr, ptr %slot
  %v = load i32, ptr %p
  ret void
}
`
	err := transformErr(t, ir, Config{})
	require.ErrorIs(t, err, ErrInconsistentBounds)
}

func TestStoredPointerCarriesItsRegionToLoads(t *testing.T) {
	ir := `
define void @spill(ptr %a) {
entry:
  %slot = alloca ptr
  store ptr %a, ptr %slot
  %p = load ptr, ptr %slot
  %v = load i32, ptr %p
  ret void
}
`
	out := transformIR(t, ir, Config{})
	// The load through the reloaded pointer checks against the bounds the
	// stored pointer arrived with, not a whole-space fallback.
	require.Contains(t, out, "%a.SmartArg.min")
	require.Contains(t, out, "%a.SmartArg.max")
	require.Contains(t, out, "boundary.check.ok.load.")
}

func TestForwardedArgumentKeepsRegionIdentity(t *testing.T) {
	ir := `
define void @inner(ptr %q) {
entry:
  %v = load i32, ptr %q
  ret void
}

define void @outer(ptr %p) {
entry:
  call void @inner(ptr %p)
  ret void
}
`
	out := transformIR(t, ir, Config{})
	// outer hands inner the very aggregate it received; no new bounds are
	// fabricated at the call site.
	require.Contains(t, out, "call void @inner__safe_ptrs__({ ptr, ptr, ptr } %p.SmartArg)")
	require.NotContains(t, out, "define void @outer(")
}

func TestDerivedPointerInheritsArgumentRegion(t *testing.T) {
	ir := `
define void @shift(ptr %p, i32 %i) {
entry:
  %q = getelementptr inbounds i32, ptr %p, i32 %i
  %v = load i32, ptr %q
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "check.first.limit.load.1")
	require.Contains(t, out, "%p.SmartArg.max")
}

func TestSingleRegionSpaceIsTheFallback(t *testing.T) {
	ir := `
@pool = internal global [16 x i8] zeroinitializer

define void @opaque(i64 %bits) {
entry:
  %p = inttoptr i64 %bits to ptr
  %v = load i8, ptr %p
  ret void
}
`
	out := transformIR(t, ir, Config{})
	// The operand has no derivation chain, but the space has exactly one
	// region, so the access checks against it instead of failing.
	require.Contains(t, out, "boundary.check.ok.load.1")
	require.Contains(t, out, "@AddressSpace0StaticData")
}
