//go:build linux

package sandbox_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/YellowOnion/steam-runtime-tools-sub006/sandbox"
)

const testBwrapPath = "/usr/bin/bwrap"

func Test_Sandbox_Command_Returns_Error_When_Uninitialized(t *testing.T) {
	t.Parallel()

	var s sandbox.Sandbox

	cmd, cleanup, err := s.Command(t.Context(), []string{"true"})
	if cleanup != nil {
		_ = cleanup()
	}

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if cmd != nil {
		t.Fatal("expected nil cmd when sandbox is uninitialized")
	}
}

func Test_Sandbox_Command_Returns_Error_When_Args_Empty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, cleanup, err := mustNewSandbox(t, &sandbox.Config{Exports: env.exports, BwrapPath: testBwrapPath}, env.env).Command(t.Context(), nil)
	if cleanup != nil {
		_ = cleanup()
	}

	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func Test_Sandbox_Command_Builds_Runtime_Layout_When_Runtime_Configured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	runtimeDir := t.TempDir()
	for _, dir := range []string{"bin", "lib", "lib64", "etc", "share"} {
		mustCreateDir(t, filepath.Join(runtimeDir, dir))
	}

	provider := newMergedTree(t)

	cfg := sandbox.Config{
		Runtime:          runtimeDir,
		GraphicsProvider: provider,
		Exports:          env.exports,
		Env:              map[string]string{"STEAM_RUNTIME": "1", "A": "b"},
		Unsetenv:         []string{"LD_LIBRARY_PATH"},
		BwrapPath:        testBwrapPath,
	}

	s := mustNewSandbox(t, &cfg, env.env)

	cmd, cleanup, err := s.Command(t.Context(), []string{"./game", "--fullscreen"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	defer func() { _ = cleanup() }()

	if cmd.Args[0] != testBwrapPath {
		t.Fatalf("expected argv0 %q, got %q", testBwrapPath, cmd.Args[0])
	}

	args := cmd.Args[1:]

	if !slices.Equal(args[:10], []string{"--die-with-parent", "--unshare-pid", "--dev", "/dev", "--proc", "/proc", "--tmpfs", "/run", "--ro-bind", runtimeDir}) {
		t.Fatalf("unexpected argument prefix: %v", args[:10])
	}

	mustContainSubsequence(t, args, []string{"--ro-bind", runtimeDir, "/usr"})
	mustContainSubsequence(t, args, []string{"--symlink", "usr/lib64", "/lib64"})
	mustContainSubsequence(t, args, []string{"--ro-bind", filepath.Join(runtimeDir, "etc"), "/etc"})
	mustContainSubsequence(t, args, []string{"--bind", filepath.Join(env.root, "tmp"), "/tmp"})
	mustContainSubsequence(t, args, []string{"--symlink", "usr/lib", "/run/host/lib64"})
	mustContainSubsequence(t, args, []string{"--ro-bind", filepath.Join(provider, "usr"), "/run/host/usr"})
	mustContainSubsequence(t, args, []string{"--bind", filepath.Join(env.root, "home"), "/home"})
	mustContainSubsequence(t, args, []string{"--setenv", "A", "b", "--setenv", "STEAM_RUNTIME", "1", "--unsetenv", "LD_LIBRARY_PATH"})
	mustContainSubsequence(t, args, []string{"--chdir", "/home/user/game", "--", "./game", "--fullscreen"})

	if slices.Contains(args, filepath.Join(runtimeDir, "share")) {
		t.Error("runtime share must not be bound directly")
	}

	if cmd.Dir != env.env.WorkDir {
		t.Errorf("expected cmd.Dir %q, got %q", env.env.WorkDir, cmd.Dir)
	}

	if !slices.Contains(cmd.Env, "HOME=/home/user") {
		t.Errorf("expected HOME in env, got %v", cmd.Env)
	}
}

func Test_Sandbox_Command_Uses_Host_OS_When_No_Runtime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	s := mustNewSandbox(t, &sandbox.Config{Exports: env.exports, BwrapPath: testBwrapPath}, env.env)

	args := s.Args()

	mustContainSubsequence(t, args, []string{"--symlink", "usr/lib", "/lib64"})
	mustContainSubsequence(t, args, []string{"--ro-bind", filepath.Join(env.root, "usr"), "/usr"})
	mustContainSubsequence(t, args, []string{"--bind", filepath.Join(env.root, "etc"), "/etc"})
	mustContainSubsequence(t, args, []string{"--bind", filepath.Join(env.root, "var"), "/var"})

	for _, m := range s.Mounts() {
		if strings.HasPrefix(m.Dst, "/run/host") {
			t.Errorf("host OS layout must not mount %v", m)
		}
	}
}

func Test_Sandbox_Filesystem_Resolves_Home_And_Relative_Paths(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	mustCreateDir(t, filepath.Join(env.root, "home/user/game/mods"))

	cfg := sandbox.Config{
		Exports:    sandbox.NewExports(env.root, nil),
		Filesystem: []string{"~/game", "mods"},
		BwrapPath:  testBwrapPath,
	}

	_ = mustNewSandbox(t, &cfg, env.env)

	for _, path := range []string{"/home/user/game", "/home/user/game/mods"} {
		if !cfg.Exports.IsVisible(path) {
			t.Errorf("expected %s to be exported", path)
		}
	}
}

func Test_Sandbox_NewWithEnvironment_Returns_Error_When_Filesystem_Reserved(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := sandbox.NewWithEnvironment(&sandbox.Config{Exports: env.exports, Filesystem: []string{"/usr/share/games"}}, env.env)
	if !errors.Is(err, sandbox.ErrReserved) {
		t.Fatalf("expected ErrReserved, got %v", err)
	}
}

func Test_Sandbox_NewWithEnvironment_Returns_Conflict_When_Mount_Clobbers_Layout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := sandbox.NewWithEnvironment(&sandbox.Config{Exports: env.exports, Mounts: []sandbox.Mount{sandbox.Tmpfs("/usr")}}, env.env)
	if !errors.Is(err, sandbox.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func Test_Sandbox_NewWithEnvironment_Returns_Error_When_Config_Invalid(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	notDir := filepath.Join(t.TempDir(), "file")
	mustWriteFile(t, notDir, nil, 0o644)

	tests := []struct {
		name string
		cfg  sandbox.Config
		env  sandbox.Environment
	}{
		{name: "relative workdir", env: sandbox.Environment{HomeDir: "/home/user", WorkDir: "game"}},
		{name: "relative homedir", env: sandbox.Environment{HomeDir: "home", WorkDir: "/"}},
		{name: "relative runtime", cfg: sandbox.Config{Runtime: "runtime"}, env: env.env},
		{name: "missing runtime", cfg: sandbox.Config{Runtime: filepath.Join(env.root, "nope")}, env: env.env},
		{name: "provider not dir", cfg: sandbox.Config{GraphicsProvider: notDir}, env: env.env},
		{name: "relative mount", cfg: sandbox.Config{Mounts: []sandbox.Mount{sandbox.Bind("src", "/x")}}, env: env.env},
		{name: "empty symlink target", cfg: sandbox.Config{Mounts: []sandbox.Mount{sandbox.Symlink("", "/x")}}, env: env.env},
		{name: "bad env name", cfg: sandbox.Config{Env: map[string]string{"A=B": "c"}}, env: env.env},
		{name: "nil lock file", cfg: sandbox.Config{LockFiles: []*os.File{nil}}, env: env.env},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := sandbox.NewWithEnvironment(&tt.cfg, tt.env)
			if err == nil || !strings.Contains(err.Error(), "validating") {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func Test_Sandbox_Command_Inherits_Lock_Files_When_Configured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	lockFile, err := os.Create(filepath.Join(t.TempDir(), ".ref"))
	if err != nil {
		t.Fatal(err)
	}

	s := mustNewSandbox(t, &sandbox.Config{Exports: env.exports, LockFiles: []*os.File{lockFile}, BwrapPath: testBwrapPath}, env.env)

	cmd, cleanup, err := s.Command(t.Context(), []string{"true"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	if len(cmd.ExtraFiles) != 1 || cmd.ExtraFiles[0] != lockFile {
		t.Fatalf("expected lock file in ExtraFiles, got %v", cmd.ExtraFiles)
	}

	err = cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	err = cleanup()
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}

	err = lockFile.Close()
	if !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected lock file closed by cleanup, got %v", err)
	}
}

func Test_Sandbox_DefaultEnvironment_Returns_AbsolutePaths_When_Called(t *testing.T) {
	t.Parallel()

	env, err := sandbox.DefaultEnvironment()
	if err != nil {
		t.Fatalf("DefaultEnvironment: %v", err)
	}

	if !filepath.IsAbs(env.WorkDir) || !filepath.IsAbs(env.HomeDir) {
		t.Fatalf("expected absolute paths, got %+v", env)
	}

	if len(env.HostEnv) == 0 {
		t.Fatal("expected HostEnv to be populated")
	}
}

type testEnv struct {
	root    string
	exports *sandbox.Exports
	env     sandbox.Environment
}

// newTestEnv returns a fake host root and an environment whose paths are
// interpreted relative to it.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	root := newHostTree(t)
	mustCreateDir(t, filepath.Join(root, "home/user/game"))

	return testEnv{
		root:    root,
		exports: sandbox.NewExports(root, nil),
		env: sandbox.Environment{
			HomeDir: "/home/user",
			WorkDir: "/home/user/game",
			HostEnv: map[string]string{"HOME": "/home/user", "PATH": "/usr/bin"},
		},
	}
}

func mustNewSandbox(t *testing.T, cfg *sandbox.Config, env sandbox.Environment) *sandbox.Sandbox {
	t.Helper()

	s, err := sandbox.NewWithEnvironment(cfg, env)
	if err != nil {
		t.Fatalf("NewWithEnvironment: %v", err)
	}

	return s
}

func mustCreateDir(t *testing.T, path string) {
	t.Helper()

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		t.Fatalf("mkdir %q: %v", path, err)
	}
}

func mustSymlink(t *testing.T, target, link string) {
	t.Helper()

	err := os.Symlink(target, link)
	if err != nil {
		t.Fatalf("symlink %q -> %q: %v", link, target, err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte, perm os.FileMode) {
	t.Helper()

	err := os.WriteFile(path, data, perm)
	if err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func mustContainSubsequence(t *testing.T, haystack []string, needle []string) {
	t.Helper()

	if !containsSubsequence(haystack, needle) {
		t.Fatalf("expected args to contain %v\nargs: %v", needle, haystack)
	}
}

func containsSubsequence(haystack []string, needle []string) bool {
	if len(needle) == 0 {
		return true
	}

	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}

	return false
}
