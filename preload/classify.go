// Package preload rewrites LD_PRELOAD-style module lists so that every entry
// resolves inside a sandbox whose root differs from the host's.
//
// Entries may contain the dynamic linker's substitution tokens ($LIB,
// $PLATFORM, $ORIGIN, written with or without braces). Tokens that vary per
// ABI are expanded once per supported ABI and the results tagged with
// ":abi=<tuple>" so that a later stage can route each entry to the matching
// loader.
package preload

import (
	"errors"
	"strings"
)

// ErrInvalidLoadable is returned by [Classify] for strings that cannot name
// a loadable module.
var ErrInvalidLoadable = errors.New("preload: invalid loadable module")

// Kind says how the dynamic linker will locate a loadable module.
type Kind int

const (
	// KindPath is a string containing a "/", resolved as a path.
	KindPath Kind = iota + 1

	// KindBasename is a bare library name looked up on the search path.
	KindBasename
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindBasename:
		return "basename"
	default:
		return "invalid"
	}
}

// Flags describe the substitution tokens found in a loadable module.
type Flags uint

const (
	// FlagDynamicTokens is set if any $NAME or ${NAME} token is present.
	FlagDynamicTokens Flags = 1 << iota

	// FlagABIDependent is set for $LIB and $PLATFORM, which expand
	// differently for each ABI.
	FlagABIDependent

	// FlagOrigin is set for $ORIGIN, which depends on the loading binary.
	FlagOrigin

	// FlagUnknownTokens is set for any other token. Unknown tokens are kept
	// verbatim.
	FlagUnknownTokens
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string

	for _, flag := range []struct {
		bit  Flags
		name string
	}{
		{FlagDynamicTokens, "dynamic-tokens"},
		{FlagABIDependent, "abi-dependent"},
		{FlagOrigin, "origin"},
		{FlagUnknownTokens, "unknown-tokens"},
	} {
		if f&flag.bit != 0 {
			names = append(names, flag.name)
		}
	}

	return strings.Join(names, "|")
}

// token is one $NAME or ${NAME} occurrence; s[start:end] is its full text.
type token struct {
	start int
	end   int
	name  string
}

// Classify reports how loadable will be resolved and which tokens it
// contains.
func Classify(loadable string) (Kind, Flags, error) {
	if loadable == "" {
		return 0, 0, ErrInvalidLoadable
	}

	var flags Flags

	for _, tok := range scanTokens(loadable) {
		flags |= FlagDynamicTokens

		switch tok.name {
		case "LIB", "PLATFORM":
			flags |= FlagABIDependent
		case "ORIGIN":
			flags |= FlagOrigin
		default:
			flags |= FlagUnknownTokens
		}
	}

	if strings.Contains(loadable, "/") {
		return KindPath, flags, nil
	}

	return KindBasename, flags, nil
}

// scanTokens finds every well-formed token in s. A "$" not followed by a
// name, or a "${" without a closing brace, is literal text.
func scanTokens(s string) []token {
	var tokens []token

	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) {
			continue
		}

		if s[i+1] == '{' {
			closing := strings.IndexByte(s[i+2:], '}')
			if closing <= 0 {
				continue
			}

			name := s[i+2 : i+2+closing]
			if !isTokenName(name) {
				continue
			}

			tokens = append(tokens, token{start: i, end: i + 3 + closing, name: name})
			i += 2 + closing

			continue
		}

		end := i + 1
		for end < len(s) && isNameByte(s[end], end == i+1) {
			end++
		}

		if end == i+1 {
			continue
		}

		tokens = append(tokens, token{start: i, end: end, name: s[i+1 : end]})
		i = end - 1
	}

	return tokens
}

func isTokenName(name string) bool {
	for i := range len(name) {
		if !isNameByte(name[i], i == 0) {
			return false
		}
	}

	return name != ""
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return !first
	default:
		return false
	}
}
