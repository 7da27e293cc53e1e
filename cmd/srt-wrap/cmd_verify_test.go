package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
)

// writeVerifyTree creates tree/usr/bin/hello with a matching manifest at
// tree/usr-mtree.txt and returns the tree's path.
func writeVerifyTree(t *testing.T, c *CLI) string {
	t.Helper()

	content := "hello\n"
	sum := sha256.Sum256([]byte(content))

	c.WriteFile("tree/usr/bin/hello", content)
	c.WriteFile("tree/usr-mtree.txt", fmt.Sprintf(`#mtree
./usr type=dir
./usr/bin type=dir
./usr/bin/hello type=file size=%d sha256=%s
`, len(content), hex.EncodeToString(sum[:])))

	return filepath.Join(c.Dir, "tree")
}

func Test_Verify_Succeeds_When_Tree_Matches_Manifest(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	root := writeVerifyTree(t, c)

	stdout := c.MustRun("verify", "tree")

	AssertContains(t, stdout, root+": OK (3 entries: 1 files, 2 directories, 0 symlinks; 6 B hashed)")
}

func Test_Verify_Reports_Mismatches_And_Fails(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	writeVerifyTree(t, c)
	c.WriteFile("tree/usr/bin/hello", "HELLO\n")

	stdout, stderr, code := c.Run("verify", "tree")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stdout, "./usr/bin/hello: ")
	AssertContains(t, stderr, "1 mismatches")
}

func Test_Verify_Skips_Content_When_No_Hashes(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	writeVerifyTree(t, c)
	c.WriteFile("tree/usr/bin/hello", "HELLO\n")

	stdout := c.MustRun("verify", "--no-hashes", "--jobs", "1", "tree")

	AssertContains(t, stdout, "0 B hashed")
}

func Test_Verify_Reads_Explicit_Manifest(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	writeVerifyTree(t, c)
	c.WriteFile("other.mtree", "./usr/bin/missing type=file\n")

	stdout, _, code := c.Run("check", "--manifest", "other.mtree", "tree")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stdout, "./usr/bin/missing: missing")
}

func Test_Verify_Fails_When_No_Manifest_Found(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("empty")

	stderr := c.MustFail("verify", "empty")

	AssertContains(t, stderr, "no manifest in")
}

func Test_Verify_Fails_Without_Directory(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("verify")

	AssertContains(t, stderr, "verify takes exactly one directory")
}
