package clamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsolidatePacksGlobalsAndAllocas(t *testing.T) {
	ir := `
@a = global i32 42
@b = internal global [2 x i64] zeroinitializer

define void @touch() {
entry:
  %t = alloca double
  store double 0.0, ptr %t
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "@AddressSpace0StaticData = internal global { i32, [2 x i64], double }")
	require.Contains(t, out, "i32 42")
	require.NotContains(t, out, "@a =")
	require.NotContains(t, out, "@b =")
	require.NotContains(t, out, "alloca")
}

func TestConsolidatedFieldAccessIsStaticallySafe(t *testing.T) {
	ir := `
define i32 @get() {
entry:
  %t = alloca i32
  store i32 9, ptr %t
  %v = load i32, ptr %t
  ret i32 %v
}
`
	out := transformIR(t, ir, Config{})
	// Constant field addresses into the aggregate never need runtime checks.
	require.NotContains(t, out, "boundary.check")
	require.Contains(t, out, "getelementptr inbounds")
}

func TestConsolidateRejectsConstantExprInitializer(t *testing.T) {
	ir := `
@base = global i32 0
@alias = global ptr getelementptr (i8, ptr @base, i32 4)
`
	err := transformErr(t, ir, Config{})
	require.ErrorIs(t, err, ErrUnsupportedConstruct)
	require.ErrorContains(t, err, "alias")
}

func TestConsolidateKeepsStringInitializer(t *testing.T) {
	ir := `
@msg = internal constant [6 x i8] c"hello\00"

define i8 @first() {
entry:
  %p = getelementptr inbounds [6 x i8], ptr @msg, i32 0, i32 0
  %c = load i8, ptr %p
  ret i8 %c
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, `c"hello\00"`)
	require.NotContains(t, out, "@msg =")
	require.NotContains(t, out, "boundary.check")
}
