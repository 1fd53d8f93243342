//go:build !debug

package buildtags

// Debug reports whether the debug build tag was passed.
const Debug = false
