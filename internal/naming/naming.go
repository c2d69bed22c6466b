// Package naming computes collision-free names for new and moved items.
//
// A taken name is disambiguated by appending " N" to the base name, starting
// at 2, or continuing from N+1 when the base already ends in a counter:
//
//	Report.txt -> Report 2.txt -> Report 3.txt
//	Draft 7    -> Draft 8
package naming

import (
	"strconv"
	"strings"
)

// Taken reports whether name is currently used by a sibling.
type Taken func(name string) bool

// Split breaks a file name into base and extension (without the dot).
// Leading-dot names such as ".profile" have no extension.
func Split(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// Compose joins a base name and extension.
func Compose(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// counter splits "Name 12" into ("Name", 12). Names without a trailing
// counter return n == 0.
func counter(base string) (stem string, n int) {
	i := strings.LastIndexByte(base, ' ')
	if i <= 0 || i == len(base)-1 {
		return base, 0
	}
	v, err := strconv.Atoi(base[i+1:])
	if err != nil || v < 2 || base[i+1] == '0' {
		return base, 0
	}
	return base[:i], v
}

// ResolveNewName returns baseName.ext when it is free, otherwise the first
// free disambiguated variant. The result is only guaranteed free at call time;
// callers that create the item later must re-check and resolve again on a
// late collision.
func ResolveNewName(taken Taken, baseName, ext string) string {
	baseName = strings.TrimSpace(baseName)
	if baseName == "" {
		baseName = "Untitled"
	}
	name := Compose(baseName, ext)
	if !taken(name) {
		return name
	}
	stem, n := counter(baseName)
	if n == 0 {
		n = 1
	}
	for {
		n++
		name = Compose(stem+" "+strconv.Itoa(n), ext)
		if !taken(name) {
			return name
		}
	}
}

// Disambiguate resolves a free variant of an existing file name, keeping its
// extension.
func Disambiguate(taken Taken, name string) string {
	base, ext := Split(name)
	return ResolveNewName(taken, base, ext)
}

// InSet returns a Taken backed by a set of names.
func InSet(names map[string]struct{}) Taken {
	return func(name string) bool {
		_, ok := names[name]
		return ok
	}
}

// Either reports a name as taken when any of fns does.
func Either(fns ...Taken) Taken {
	return func(name string) bool {
		for _, fn := range fns {
			if fn != nil && fn(name) {
				return true
			}
		}
		return false
	}
}
