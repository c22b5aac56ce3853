package clamp

import (
	"fmt"
	"strconv"
	"strings"
)

// demangledName returns the bare function name from an Itanium-mangled symbol
// (_Z<len><name>...). Symbols that do not look mangled pass through unchanged;
// a symbol that starts like a mangled name but cannot be decoded is an error.
func demangledName(name string) (string, error) {
	if !strings.HasPrefix(name, "_Z") {
		return name, nil
	}
	i := 2
	j := i
	for j < len(name) && name[j] >= '0' && name[j] <= '9' {
		j++
	}
	if j == i {
		return "", fmt.Errorf("cannot demangle %q: missing name length", name)
	}
	n, err := strconv.Atoi(name[i:j])
	if err != nil || j+n > len(name) {
		return "", fmt.Errorf("cannot demangle %q: bad name length", name)
	}
	return name[j : j+n], nil
}

// customMangle builds the symbol of a bounded-pointer replacement for a
// builtin. It keeps the Itanium parameter suffix of the original symbol and
// swaps the name part for base, so hand-written safe implementations can be
// matched by structural signature. Calls to these names are expected to be
// inlined and erased by later optimization.
func customMangle(name, base string) (string, error) {
	dem, err := demangledName(name)
	if err != nil {
		return "", err
	}
	pos := strings.Index(name, dem)
	if pos < 0 {
		return "", fmt.Errorf("demangled name %q not found in %q", dem, name)
	}
	return base + name[pos+len(dem):], nil
}
