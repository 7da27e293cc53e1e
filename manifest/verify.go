package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrMismatch is wrapped by [VerifyError].
var ErrMismatch = errors.New("manifest: tree does not match manifest")

// VerifyOptions configures [Verify].
type VerifyOptions struct {
	// Parallelism bounds concurrent file hashing. Zero means GOMAXPROCS.
	Parallelism int

	// SkipHashes disables content hashing; only metadata is compared.
	SkipHashes bool

	// Debugf receives progress messages. Nil disables them.
	Debugf func(format string, args ...any)
}

// VerifyReport summarises a verification run.
type VerifyReport struct {
	Entries     int
	Files       int
	Dirs        int
	Links       int
	BytesHashed int64
}

// Mismatch is one difference between the manifest and the tree.
type Mismatch struct {
	Name   string
	Reason string
}

// VerifyError lists every mismatch found under Root.
type VerifyError struct {
	Root       string
	Mismatches []Mismatch
}

const maxReportedMismatches = 10

func (e *VerifyError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %d mismatch(es) under %s", ErrMismatch.Error(), len(e.Mismatches), e.Root)

	for i, m := range e.Mismatches {
		if i == maxReportedMismatches {
			fmt.Fprintf(&b, "\n  ... and %d more", len(e.Mismatches)-i)

			break
		}

		fmt.Fprintf(&b, "\n  %s: %s", m.Name, m.Reason)
	}

	return b.String()
}

func (e *VerifyError) Unwrap() error {
	return ErrMismatch
}

// Verify checks the tree at root against entries.
//
// Every entry is checked for kind, and where the manifest sets them, size,
// permission bits, link target and SHA-256 digest. Lookups are confined to
// root: symbolic links inside the tree are never followed out of it.
//
// Mismatches are reported together in a *VerifyError. Other errors (root
// missing, ctx cancelled) are returned directly.
func Verify(ctx context.Context, root string, entries []Entry, opts VerifyOptions) (VerifyReport, error) {
	tree, err := os.OpenRoot(root)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("opening tree %s: %w", root, err)
	}
	defer tree.Close()

	debugf := opts.Debugf
	if debugf == nil {
		debugf = func(string, ...any) {}
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	var (
		mu         sync.Mutex
		mismatches []Mismatch
		report     = VerifyReport{Entries: len(entries)}
	)

	addMismatch := func(name, format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()

		mismatches = append(mismatches, Mismatch{Name: name, Reason: fmt.Sprintf(format, args...)})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	for _, entry := range entries {
		err := groupCtx.Err()
		if err != nil {
			break
		}

		relative := treeRelative(entry.Name)

		info, err := tree.Lstat(relative)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				addMismatch(entry.Name, "missing")

				continue
			}

			_ = group.Wait()

			return report, fmt.Errorf("stat %s: %w", entry.Name, err)
		}

		if !checkMetadata(tree, entry, relative, info, addMismatch) {
			continue
		}

		switch entry.Kind {
		case KindFile:
			report.Files++
		case KindDir:
			report.Dirs++
		case KindLink:
			report.Links++
		}

		if opts.SkipHashes || entry.Kind != KindFile || entry.SHA256 == "" {
			continue
		}

		group.Go(func() error {
			digest, size, err := hashFile(tree, relative)
			if err != nil {
				addMismatch(entry.Name, "unreadable: %v", err)

				return nil
			}

			mu.Lock()
			report.BytesHashed += size
			mu.Unlock()

			if digest != entry.SHA256 {
				addMismatch(entry.Name, "sha256 %s, expected %s", digest, entry.SHA256)
			}

			return groupCtx.Err()
		})
	}

	err = group.Wait()
	if err != nil {
		return report, err
	}

	err = ctx.Err()
	if err != nil {
		return report, err
	}

	debugf("verified %d entries under %s (%d bytes hashed)", report.Entries, root, report.BytesHashed)

	if len(mismatches) > 0 {
		sort.Slice(mismatches, func(i, j int) bool {
			return mismatches[i].Name < mismatches[j].Name
		})

		return report, &VerifyError{Root: root, Mismatches: mismatches}
	}

	return report, nil
}

// checkMetadata compares everything except content. It returns false if a
// mismatch was recorded.
func checkMetadata(tree *os.Root, entry Entry, relative string, info fs.FileInfo, addMismatch func(name, format string, args ...any)) bool {
	mode := info.Mode()

	switch entry.Kind {
	case KindDir:
		if !mode.IsDir() {
			addMismatch(entry.Name, "expected directory, found %s", describeMode(mode))

			return false
		}

	case KindLink:
		if mode&fs.ModeSymlink == 0 {
			addMismatch(entry.Name, "expected symbolic link, found %s", describeMode(mode))

			return false
		}

		target, err := tree.Readlink(relative)
		if err != nil {
			addMismatch(entry.Name, "unreadable link: %v", err)

			return false
		}

		if target != entry.LinkTarget {
			addMismatch(entry.Name, "link target %q, expected %q", target, entry.LinkTarget)

			return false
		}

		// Permission bits of symbolic links are meaningless on Linux.
		return true

	case KindFile:
		if !mode.IsRegular() {
			addMismatch(entry.Name, "expected regular file, found %s", describeMode(mode))

			return false
		}

		if entry.Size >= 0 && info.Size() != entry.Size {
			addMismatch(entry.Name, "size %d, expected %d", info.Size(), entry.Size)

			return false
		}

	case KindUnknown:
	}

	if entry.Mode >= 0 && unixPermissionBits(mode) != entry.Mode {
		addMismatch(entry.Name, "mode %04o, expected %04o", unixPermissionBits(mode), entry.Mode)

		return false
	}

	return true
}

// hashFile streams the file through SHA-256 so memory use does not depend
// on file size.
func hashFile(tree *os.Root, relative string) (string, int64, error) {
	file, err := tree.Open(relative)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()

	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", size, err
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func treeRelative(name string) string {
	if name == "." {
		return "."
	}

	return strings.TrimPrefix(name, "./")
}

func unixPermissionBits(mode fs.FileMode) int {
	bits := int(mode.Perm())

	if mode&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}

	if mode&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}

	if mode&fs.ModeSticky != 0 {
		bits |= 0o1000
	}

	return bits
}

func describeMode(mode fs.FileMode) string {
	switch {
	case mode.IsDir():
		return "directory"
	case mode&fs.ModeSymlink != 0:
		return "symbolic link"
	case mode.IsRegular():
		return "regular file"
	default:
		return mode.Type().String()
	}
}
