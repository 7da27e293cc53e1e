package preload

import (
	"io/fs"
	"path"
	"strings"
)

// Runtime describes the container runtime the sandbox is built from.
type Runtime interface {
	// ProviderPrefix is the in-sandbox mount point of the graphics
	// provider's files, e.g. "/run/host".
	ProviderPrefix() string

	// HasLibrary reports whether the runtime ships a library named name for
	// abi.
	HasLibrary(abi ABI, name string) bool
}

// Exports is the set of host paths visible inside the sandbox.
type Exports interface {
	// Expose makes path visible inside the sandbox.
	Expose(path string)

	// IsVisible reports whether path is already visible.
	IsVisible(path string) bool
}

// Logf receives log messages. A nil Logf discards them.
type Logf func(format string, args ...any)

// Environment describes the host side of the remapping.
type Environment struct {
	// ABIs are the ABIs to expand $LIB and $PLATFORM for, in output order.
	// Empty means DefaultABIs.
	ABIs []ABI

	// HostFS, if set, is the host root. ABI expansions that name a file
	// missing from it are dropped.
	HostFS fs.StatFS

	Debugf Logf
	Warnf  Logf
}

// Options modify [AppendPreload].
type Options uint

const (
	// RemoveGameOverlay drops the Steam overlay renderer.
	RemoveGameOverlay Options = 1 << iota
)

// gameOverlaySuffixes identify the Steam client's overlay renderer.
var gameOverlaySuffixes = []string{
	"/gameoverlayrenderer.so",
}

// gtk3NocsdName is a compatibility shim known to crash games.
const gtk3NocsdName = "libgtk3-nocsd.so.0"

// osDirectories are provided by the runtime inside the sandbox, so host
// paths below them must be redirected to the provider's copy.
var osDirectories = []string{"/usr/", "/lib", "/lib32", "/lib64", "/bin", "/sbin"}

// AppendPreload appends the sandbox form of original to out and returns
// the extended slice.
//
// rt and exports may be nil. Without a runtime, host OS paths are used
// unchanged. Without exports, nothing is registered as visible.
//
// Invalid entries and known-bad modules are dropped with a warning; the
// result has zero, one, or (for ABI-dependent entries) one entry per ABI.
func AppendPreload(out []string, original string, env Environment, opts Options, rt Runtime, exports Exports) []string {
	r := remapper{env: env, opts: opts, rt: rt, exports: exports}

	return r.append(out, original)
}

// AppendPreloads calls AppendPreload for each entry of originals in order.
func AppendPreloads(out []string, originals []string, env Environment, opts Options, rt Runtime, exports Exports) []string {
	r := remapper{env: env, opts: opts, rt: rt, exports: exports}

	for _, original := range originals {
		out = r.append(out, original)
	}

	return out
}

type remapper struct {
	env     Environment
	opts    Options
	rt      Runtime
	exports Exports
}

func (r *remapper) debugf(format string, args ...any) {
	if r.env.Debugf != nil {
		r.env.Debugf(format, args...)
	}
}

func (r *remapper) warnf(format string, args ...any) {
	if r.env.Warnf != nil {
		r.env.Warnf(format, args...)
	}
}

func (r *remapper) abis() []ABI {
	if len(r.env.ABIs) == 0 {
		return DefaultABIs
	}

	return r.env.ABIs
}

func (r *remapper) hasRuntime() bool {
	return r.rt != nil
}

func (r *remapper) append(out []string, original string) []string {
	kind, flags, err := Classify(original)
	if err != nil {
		r.warnf("Ignoring invalid loadable module %q: %v", original, err)

		return out
	}

	if kind == KindPath && r.opts&RemoveGameOverlay != 0 && hasAnySuffix(original, gameOverlaySuffixes) {
		r.debugf("Disabling Steam Overlay: %s", original)

		return out
	}

	if path.Base(original) == gtk3NocsdName {
		r.warnf("Disabling gtk3-nocsd LD_PRELOAD: it is known to cause crashes.")

		return out
	}

	if kind == KindBasename {
		r.checkBasename(original)

		return append(out, original)
	}

	if !strings.HasPrefix(original, "/") {
		r.debugf("Keeping relative path %q unchanged", original)

		return append(out, original)
	}

	if flags&FlagABIDependent == 0 {
		return append(out, r.remapPath(original, nil, flags))
	}

	for _, abi := range r.abis() {
		expanded := abi.expand(original)

		if !r.existsOnHost(expanded, flags) {
			r.debugf("Skipping %s for %s: not found on host", expanded, abi.Tuple)

			continue
		}

		out = append(out, Tag(r.remapPath(expanded, &abi, flags), abi))
	}

	return out
}

// remapPath rewrites an absolute, ABI-independent path. abi is the ABI the
// path was expanded for, or nil.
func (r *remapper) remapPath(p string, abi *ABI, flags Flags) string {
	if isUnderOSDirectory(p) {
		if !r.hasRuntime() {
			return p
		}

		if r.runtimeProvides(abi, path.Base(p)) {
			r.debugf("Runtime provides %s, not redirecting %s", path.Base(p), p)

			return p
		}

		return r.rt.ProviderPrefix() + p
	}

	r.export(p, abi != nil, flags)

	return p
}

func (r *remapper) runtimeProvides(abi *ABI, name string) bool {
	if abi != nil {
		return r.rt.HasLibrary(*abi, name)
	}

	for _, candidate := range r.abis() {
		if r.rt.HasLibrary(candidate, name) {
			return true
		}
	}

	return false
}

// export registers p with the exports sink. ABI expansions export their
// directory. $ORIGIN and unknown tokens cut the export at the last "/"
// before the first such token. Both cuts are on the raw string so a ".."
// after a token is never resolved against it.
func (r *remapper) export(p string, exportDir bool, flags Flags) {
	if r.exports == nil {
		return
	}

	target := p

	var tokens []token
	if flags&(FlagOrigin|FlagUnknownTokens) != 0 {
		tokens = scanTokens(p)
	}

	switch {
	case len(tokens) > 0:
		target = p[:max(strings.LastIndexByte(p[:tokens[0].start], '/'), 0)]
	case exportDir:
		target = p[:max(strings.LastIndexByte(p, '/'), 0)]
	}

	if target == "" || target == "/" {
		r.debugf("Not exporting %s: no fixed directory before its first token", p)

		return
	}

	if r.exports.IsVisible(target) {
		return
	}

	r.exports.Expose(target)
}

func (r *remapper) existsOnHost(p string, flags Flags) bool {
	if r.env.HostFS == nil || flags&(FlagOrigin|FlagUnknownTokens) != 0 {
		return true
	}

	_, err := r.env.HostFS.Stat(strings.TrimPrefix(p, "/"))

	return err == nil
}

func (r *remapper) checkBasename(name string) {
	if !r.hasRuntime() {
		return
	}

	for _, abi := range r.abis() {
		if r.rt.HasLibrary(abi, name) {
			return
		}
	}

	r.debugf("%s not found in runtime; the loader will search the library path", name)
}

func isUnderOSDirectory(p string) bool {
	for _, dir := range osDirectories {
		if strings.HasSuffix(dir, "/") {
			if strings.HasPrefix(p, dir) {
				return true
			}

			continue
		}

		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}

	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}

	return false
}

// JoinForLoader strips ABI tags and joins entries into an LD_PRELOAD value.
func JoinForLoader(entries []string) string {
	plain := make([]string, 0, len(entries))

	for _, entry := range entries {
		p, _ := Untag(entry)
		plain = append(plain, p)
	}

	return strings.Join(plain, ":")
}

// SplitSearchPath splits an LD_PRELOAD value on colons and whitespace,
// dropping empty elements.
func SplitSearchPath(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ':' || r == ' ' || r == '\t' || r == '\n'
	})
}
