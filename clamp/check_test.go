package clamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckedLoadYieldsZeroOnFailure(t *testing.T) {
	ir := `
define i32 @read(ptr %p, i32 %i) {
entry:
  %q = getelementptr inbounds i32, ptr %p, i32 %i
  %v = load i32, ptr %q
  ret i32 %v
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "phi i32")
	require.Contains(t, out, "[ 0, %boundary.check.failed.load.1 ]")
	// The function result is the merged value, not the raw load.
	require.Contains(t, out, "if.end.boundary.check.load.1")
}

func TestCheckedStoreIsSkippedOnFailure(t *testing.T) {
	ir := `
define void @poke(ptr %p, i32 %i) {
entry:
  %q = getelementptr inbounds i32, ptr %p, i32 %i
  store i32 1, ptr %q
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "boundary.check.ok.store.1")
	require.Contains(t, out, "boundary.check.failed.store.1")
	// No merge value for a store; the failed path just branches past it.
	require.NotContains(t, out, "phi")
}

func TestCheckComparesBothEnds(t *testing.T) {
	ir := `
define void @poke(ptr %p, i32 %i) {
entry:
  %q = getelementptr inbounds i32, ptr %p, i32 %i
  store i32 1, ptr %q
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "icmp ugt")
	require.Contains(t, out, "icmp ult")
	// The upper bound is adjusted to the last whole element of the access
	// type, so partially out-of-bounds accesses fail too.
	require.Contains(t, out, "limit.adjust")
}

func TestEveryAccessGetsItsOwnCheck(t *testing.T) {
	ir := `
define void @copy(ptr %src, ptr %dst, i32 %i) {
entry:
  %s = getelementptr inbounds i32, ptr %src, i32 %i
  %d = getelementptr inbounds i32, ptr %dst, i32 %i
  %v = load i32, ptr %s
  store i32 %v, ptr %d
  ret void
}
`
	out := transformIR(t, ir, Config{})
	require.Contains(t, out, "boundary.check.ok.load.1")
	require.Contains(t, out, "boundary.check.ok.store.2")
	require.Contains(t, out, "check.first.limit.load.1")
	require.Contains(t, out, "check.first.limit.store.2")
}
