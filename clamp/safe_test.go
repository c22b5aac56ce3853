package clamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstantInBoundsAccessIsExempt(t *testing.T) {
	ir := `
@pair = internal global { i32, [4 x i32] } zeroinitializer

define i32 @pick() {
entry:
  %p = getelementptr inbounds { i32, [4 x i32] }, ptr @pair, i32 0, i32 1, i32 3
  %v = load i32, ptr %p
  ret i32 %v
}
`
	out := transformIR(t, ir, Config{})
	require.NotContains(t, out, "boundary.check")
}

func TestOutOfRangeConstantIndexStillChecked(t *testing.T) {
	ir := `
@arr = internal global [4 x i32] zeroinitializer

define i32 @bad() {
entry:
  %p = getelementptr inbounds [4 x i32], ptr @arr, i32 0, i32 9
  %v = load i32, ptr %p
  ret i32 %v
}
`
	out := transformIR(t, ir, Config{})
	// A constant index past the array end is not provably safe; the access
	// keeps its runtime check and takes the failed path when executed.
	require.Contains(t, out, "boundary.check.failed.load.1")
}

func TestTwoStackArraysConsolidateWithSeparateBounds(t *testing.T) {
	ir := `
define i32 @two(i32 %i) {
entry:
  %a = alloca [128 x i32]
  %b = alloca [256 x i32]
  %p = getelementptr inbounds [128 x i32], ptr %a, i32 0, i32 %i
  %v = load i32, ptr %p
  %q = getelementptr inbounds [256 x i32], ptr %b, i32 0, i32 0
  store i32 %v, ptr %q
  ret i32 %v
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "{ [128 x i32], [256 x i32] }")
	// The dynamic access checks against the first array's field bounds, not
	// the whole aggregate, so index 128 lands on the failed path.
	require.Contains(t, out, "boundary.check.ok.load.1")
	// The constant access into the second array needs no check.
	require.NotContains(t, out, "boundary.check.ok.store")
}

func TestClassifierIsIdempotent(t *testing.T) {
	ir := `
@buf = internal global [4 x i32] zeroinitializer

define i32 @mix(ptr %p, i32 %i) {
entry:
  %s = getelementptr inbounds [4 x i32], ptr @buf, i32 0, i32 2
  %a = load i32, ptr %s
  %q = getelementptr inbounds i32, ptr %p, i32 %i
  %b = load i32, ptr %q
  %r = add i32 %a, %b
  ret i32 %r
}
`
	ctx, mod := parseModule(t, ir)
	defer ctx.Dispose()
	defer mod.Dispose()

	c := New(mod, Config{})
	defer c.Dispose()
	require.NoError(t, c.Transform())

	before := make(map[string]bool, len(c.safeExceptions))
	for v := range c.safeExceptions {
		before[v.Name()] = true
	}
	c.collectSafeExceptions()
	after := make(map[string]bool, len(c.safeExceptions))
	for v := range c.safeExceptions {
		after[v.Name()] = true
	}
	require.Equal(t, before, after)
}
