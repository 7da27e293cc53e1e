package preload

import (
	"io/fs"
	"path"
	"strings"
)

// ABI is one hardware/library ABI the sandbox distinguishes.
type ABI struct {
	// Tuple is the multiarch tuple, e.g. "x86_64-linux-gnu".
	Tuple string

	// Lib is what the dynamic linker substitutes for $LIB.
	Lib string

	// Platform is what the dynamic linker substitutes for $PLATFORM.
	Platform string
}

// DefaultABIs are the ABIs supported on x86, 64-bit first.
var DefaultABIs = []ABI{
	{Tuple: "x86_64-linux-gnu", Lib: "lib/x86_64-linux-gnu", Platform: "x86_64"},
	{Tuple: "i386-linux-gnu", Lib: "lib/i386-linux-gnu", Platform: "i686"},
}

// abiTagSeparator separates an entry from the ABI it was expanded for.
const abiTagSeparator = ":abi="

// expand substitutes the ABI-dependent tokens of s, leaving $ORIGIN and
// unknown tokens in place.
func (abi ABI) expand(s string) string {
	var b strings.Builder

	last := 0

	for _, tok := range scanTokens(s) {
		var value string

		switch tok.name {
		case "LIB":
			value = abi.Lib
		case "PLATFORM":
			value = abi.Platform
		default:
			continue
		}

		b.WriteString(s[last:tok.start])
		b.WriteString(value)
		last = tok.end
	}

	b.WriteString(s[last:])

	return b.String()
}

// Tag appends the ":abi=" suffix for abi to entry.
func Tag(entry string, abi ABI) string {
	return entry + abiTagSeparator + abi.Tuple
}

// Untag splits a possibly tagged entry into the loadable module and the ABI
// tuple, which is empty for untagged entries.
func Untag(entry string) (string, string) {
	i := strings.LastIndex(entry, abiTagSeparator)
	if i < 0 {
		return entry, ""
	}

	return entry[:i], entry[i+len(abiTagSeparator):]
}

// DirRuntime answers library-presence questions from a runtime's files.
type DirRuntime struct {
	// FS is the runtime's root, either containing usr or being a usr
	// hierarchy itself.
	FS fs.StatFS

	// Prefix is where the graphics provider's files appear inside the
	// sandbox.
	Prefix string
}

// ProviderPrefix implements [Runtime].
func (r DirRuntime) ProviderPrefix() string {
	return r.Prefix
}

// HasLibrary implements [Runtime]. It looks for name in the ABI's library
// directory, both merged into usr and at the top level.
func (r DirRuntime) HasLibrary(abi ABI, name string) bool {
	if r.FS == nil || name == "" || strings.Contains(name, "/") {
		return false
	}

	for _, dir := range []string{path.Join("usr", abi.Lib), abi.Lib} {
		_, err := r.FS.Stat(path.Join(dir, name))
		if err == nil {
			return true
		}
	}

	return false
}
