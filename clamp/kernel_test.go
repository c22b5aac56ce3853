package clamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const kernelIR = `
define void @kern(ptr %data, i32 %n) {
entry:
  %p = getelementptr inbounds i32, ptr %data, i32 5
  store i32 1, ptr %p
  ret void
}
`

func TestKernelWrapperTakesElementCounts(t *testing.T) {
	out := transformIR(t, kernelIR, Config{Kernels: []string{"kern"}})
	// The public entry keeps the original name and gains a count after the
	// pointer; the instrumented implementation becomes internal.
	require.Contains(t, out, "define void @kern(ptr %data, i32 %data.size, i32 %n)")
	require.Contains(t, out, "define internal void @kern__safe_ptrs__")
	require.Contains(t, out, "call void @kern__safe_ptrs__")
	require.NotContains(t, out, "kern.unsafe")
}

func TestKernelWrapperDerivesBoundsFromCount(t *testing.T) {
	out := transformIR(t, kernelIR, Config{Kernels: []string{"kern"}})
	// The upper bound is the pointer advanced by the element count, in the
	// element type the kernel actually accesses.
	require.Contains(t, out, "%data.last = getelementptr i32, ptr %data, i32 %data.size")
	require.Contains(t, out, "insertvalue")
	// The body's store is checked against the argument bounds.
	require.Contains(t, out, "boundary.check.ok.store.1")
}

func TestKernelMustExist(t *testing.T) {
	err := transformErr(t, kernelIR, Config{Kernels: []string{"missing"}})
	require.ErrorContains(t, err, "not found")
}

func TestKernelMustReturnVoid(t *testing.T) {
	ir := `
define i32 @kern(ptr %data) {
entry:
  %v = load i32, ptr %data
  ret i32 %v
}
`
	err := transformErr(t, ir, Config{Kernels: []string{"kern"}})
	require.ErrorIs(t, err, ErrUnsupportedConstruct)
}
