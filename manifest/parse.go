package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// ignoredKeywords are understood but carry nothing this package checks.
var ignoredKeywords = map[string]bool{
	"cksum":           true,
	"checksum":        true,
	"device":          true,
	"flags":           true,
	"gid":             true,
	"gname":           true,
	"ignore":          true,
	"inode":           true,
	"md5":             true,
	"md5digest":       true,
	"nlink":           true,
	"nochange":        true,
	"optional":        true,
	"resdevice":       true,
	"ripemd160digest": true,
	"rmd160":          true,
	"rmd160digest":    true,
	"sha1":            true,
	"sha1digest":      true,
	"sha384":          true,
	"sha384digest":    true,
	"sha512":          true,
	"sha512digest":    true,
	"uid":             true,
	"uname":           true,
}

// ParseLine parses a single manifest line.
//
// Comment lines, the "#mtree" marker and blank lines return ok == false
// with a nil error. fileName and lineNumber only decorate errors.
func ParseLine(line, fileName string, lineNumber int) (Entry, bool, error) {
	fail := func(format string, args ...any) (Entry, bool, error) {
		return Entry{}, false, &ParseError{File: fileName, Line: lineNumber, Msg: fmt.Sprintf(format, args...)}
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false, nil
	}

	if endsWithContinuation(trimmed) {
		return fail("continuation lines are not supported")
	}

	fields := strings.Fields(trimmed)

	name, err := unescape(fields[0])
	if err != nil {
		return fail("invalid name %q: %v", fields[0], err)
	}

	err = validateName(name)
	if err != nil {
		return fail("invalid name %q: %v", name, err)
	}

	entry := Entry{
		Name:      name,
		Kind:      KindUnknown,
		Size:      -1,
		MTimeUsec: -1,
		Mode:      -1,
	}

	hasLink := false

	for _, field := range fields[1:] {
		key, value, _ := strings.Cut(field, "=")

		switch key {
		case "type":
			switch value {
			case "file":
				entry.Kind = KindFile
			case "dir":
				entry.Kind = KindDir
			case "link":
				entry.Kind = KindLink
			default:
				return fail("unsupported type %q", value)
			}

		case "link":
			target, err := unescape(value)
			if err != nil {
				return fail("invalid link target %q: %v", value, err)
			}

			entry.LinkTarget = target
			hasLink = true

		case "size":
			size, err := strconv.ParseUint(value, 10, 63)
			if err != nil {
				return fail("invalid size %q", value)
			}

			entry.Size = int64(size)

		case "mode":
			mode, err := strconv.ParseUint(value, 8, 32)
			if err != nil || mode > 0o7777 {
				return fail("invalid mode %q", value)
			}

			entry.Mode = int(mode)

		case "time":
			usec, err := parseTime(value)
			if err != nil {
				return fail("invalid time %q: %v", value, err)
			}

			entry.MTimeUsec = usec

		case "sha256", "sha256digest":
			if value == "" {
				return fail("empty %s", key)
			}

			digest := strings.ToLower(value)
			if entry.SHA256 != "" && entry.SHA256 != digest {
				return fail("conflicting sha256 values %q and %q", entry.SHA256, digest)
			}

			entry.SHA256 = digest

		default:
			if !ignoredKeywords[key] {
				entry.Unknown = append(entry.Unknown, key)
			}
		}
	}

	switch {
	case entry.Kind == KindLink && !hasLink:
		return fail("type=link requires a link attribute")
	case entry.Kind != KindLink && hasLink:
		return fail("link attribute is only valid with type=link")
	}

	if entry.Kind != KindFile {
		entry.SHA256 = ""
	}

	return entry, true, nil
}

func validateName(name string) error {
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute paths are not allowed")
	}

	if name != "." && !strings.HasPrefix(name, "./") {
		return fmt.Errorf("must start with ./")
	}

	for segment := range strings.SplitSeq(name, "/") {
		if segment == ".." {
			return fmt.Errorf("must not contain ..")
		}
	}

	return nil
}

// endsWithContinuation reports whether s ends in an odd number of
// backslashes, i.e. one that is not itself escaped.
func endsWithContinuation(s string) bool {
	count := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		count++
	}

	return count%2 == 1
}

// parseTime converts "seconds[.fraction]" to microseconds. The fraction is
// decimal; digits beyond microsecond precision are dropped.
func parseTime(value string) (int64, error) {
	secondsPart, fractionPart, hasFraction := strings.Cut(value, ".")

	seconds, err := strconv.ParseUint(secondsPart, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("bad seconds")
	}

	usec := int64(seconds) * 1_000_000

	if !hasFraction {
		return usec, nil
	}

	if fractionPart == "" {
		return 0, fmt.Errorf("empty fraction")
	}

	var fraction int64

	for i, c := range fractionPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("bad fraction")
		}

		if i < 6 {
			fraction = fraction*10 + int64(c-'0')
		}
	}

	for i := len(fractionPart); i < 6; i++ {
		fraction *= 10
	}

	return usec + fraction, nil
}
