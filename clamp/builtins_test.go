package clamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnsafeBuiltinCallIsRedirected(t *testing.T) {
	ir := `
declare float @sincos(float, ptr)

define void @trig(ptr %out) {
entry:
  %r = call float @sincos(float 1.0, ptr %out)
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "declare float @sincos__safe__(float, { ptr, ptr, ptr })")
	require.Contains(t, out, "call float @sincos__safe__")
	require.NotContains(t, out, "call float @sincos(")
}

func TestMangledBuiltinKeepsParameterSuffix(t *testing.T) {
	ir := `
declare <4 x float> @_Z6vload4jPKf(i32, ptr)

define void @v(ptr %src) {
entry:
  %r = call <4 x float> @_Z6vload4jPKf(i32 0, ptr %src)
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "@vload4__safe__jPKf")
}

func TestForbiddenBuiltinIsFatal(t *testing.T) {
	ir := `
declare void @vstore_half(float, i32, ptr)

define void @h(ptr %p) {
entry:
  call void @vstore_half(float 1.0, i32 0, ptr %p)
  ret void
}
`
	err := transformErr(t, ir, Config{Relaxed: true})
	require.ErrorIs(t, err, ErrUnsupportedConstruct)
}

func TestUnknownExternalWithPointersStrict(t *testing.T) {
	ir := `
declare void @mystery(ptr)

define void @f(ptr %p) {
entry:
  call void @mystery(ptr %p)
  ret void
}
`
	err := transformErr(t, ir, Config{})
	require.ErrorIs(t, err, ErrStrictMode)
}

func TestUnknownExternalWithPointersRelaxed(t *testing.T) {
	ir := `
declare void @mystery(ptr)

define void @f(ptr %p) {
entry:
  call void @mystery(ptr %p)
  ret void
}
`
	out := transformIR(t, ir, Config{Relaxed: true})
	// Tolerated with a warning; the call passes the raw current pointer.
	require.Contains(t, out, "call void @mystery(ptr %p.Cur)")
}

func TestValueOnlyExternalIsIgnored(t *testing.T) {
	ir := `
declare i32 @abs(i32)

define i32 @f(i32 %x) {
entry:
  %r = call i32 @abs(i32 %x)
  ret i32 %r
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "call i32 @abs(i32 %x)")
}

func TestForbiddenTableCoversHalfVariants(t *testing.T) {
	for _, name := range []string{
		"vload_half", "vload_half4", "vloada_half16",
		"vstore_half", "vstore_half_rte", "vstore_half8_rtz", "vstorea_half2_rtn",
	} {
		require.True(t, forbiddenBuiltins[name], "expected %s to be forbidden", name)
	}
	require.False(t, forbiddenBuiltins["vload4"])
	require.False(t, forbiddenBuiltins["sincos"])
}
