// Package manifest parses and verifies mtree-style directory manifests.
//
// A manifest lists the files, directories and symbolic links an unpacked
// runtime tree is expected to contain, one entry per line:
//
//	#mtree
//	. type=dir mode=0755
//	./usr/lib/libfoo.so.1 type=link link=libfoo.so.1.2.3
//	./usr/lib/libfoo.so.1.2.3 type=file size=1234 mode=0644 time=1597415889.5 sha256=...
//
// Parsing is strict: a single malformed line rejects the whole manifest.
// Unknown keywords are ignored so that manifests written by newer producers
// can still be read.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrInvalidManifest is wrapped by every parse failure.
var ErrInvalidManifest = errors.New("manifest: invalid manifest")

// Kind is the type of filesystem object an entry describes.
type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindDir
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Entry is one line of a manifest.
//
// Numeric fields that the line did not set are -1.
type Entry struct {
	// Name is relative to the manifest root and always starts with "./"
	// (or is exactly ".").
	Name string

	Kind Kind

	Size int64

	// MTimeUsec is the modification time in microseconds since the epoch.
	MTimeUsec int64

	// Mode holds permission bits (0..07777).
	Mode int

	// LinkTarget is only set for KindLink.
	LinkTarget string

	// SHA256 is the lowercase hex content digest, only set for KindFile.
	SHA256 string

	// Unknown lists keywords this package does not recognise. They do not
	// make the line invalid.
	Unknown []string
}

// ParseError reports a malformed manifest line.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	file := e.File
	if file == "" {
		file = "<manifest>"
	}

	return fmt.Sprintf("%s:%d: %s", file, e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidManifest
}

// Read parses every line of r. The first malformed line aborts parsing;
// no entries are returned in that case.
func Read(r io.Reader, fileName string) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++

		entry, ok, err := ParseLine(scanner.Text(), fileName, lineNumber)
		if err != nil {
			return nil, err
		}

		if ok {
			entries = append(entries, entry)
		}
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fileName, err)
	}

	return entries, nil
}

// Open reads the manifest at path. Files ending in ".gz" or ".zst" are
// decompressed transparently.
func Open(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file

	switch {
	case strings.HasSuffix(path, ".gz"):
		gzipReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("opening gzip manifest %s: %w", path, err)
		}
		defer gzipReader.Close()

		reader = gzipReader
	case strings.HasSuffix(path, ".zst"):
		zstdReader, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("opening zstd manifest %s: %w", path, err)
		}
		defer zstdReader.Close()

		reader = zstdReader
	}

	return Read(reader, path)
}
