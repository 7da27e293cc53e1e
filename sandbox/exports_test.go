//go:build linux

package sandbox_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/YellowOnion/steam-runtime-tools-sub006/sandbox"
)

func Test_ExportRootDirsLikeHost_Exports_Non_OS_Directories(t *testing.T) {
	t.Parallel()

	root := newHostTree(t)
	exports := sandbox.NewExports(root, nil)

	err := sandbox.ExportRootDirsLikeHost(exports, sandbox.ExportReadOnly)
	if err != nil {
		t.Fatalf("ExportRootDirsLikeHost: %v", err)
	}

	mounts, err := exports.Mounts()
	if err != nil {
		t.Fatalf("Mounts: %v", err)
	}

	host := func(path string) string { return filepath.Join(root, path) }

	want := []sandbox.Mount{
		sandbox.RoBind(host("games"), "/games"),
		sandbox.RoBind(host("home"), "/home"),
		sandbox.RoBind(host("mnt"), "/mnt"),
		sandbox.RoBind(host("opt"), "/opt"),
		sandbox.RoBind(host("srv"), "/srv"),
		sandbox.RoBind(host("run/dbus"), "/run/dbus"),
		sandbox.RoBind(host("run/media"), "/run/media"),
		sandbox.RoBind(host("run/systemd"), "/run/systemd"),
		sandbox.RoBind(host("run/user"), "/run/user"),
		sandbox.Symlink("run/media", "/media"),
	}

	if diff := cmp.Diff(want, mounts); diff != "" {
		t.Fatalf("mounts mismatch (-want +got):\n%s", diff)
	}

	for _, path := range []string{"/home/user/game", "/run/dbus/system_bus_socket", "/media"} {
		if !exports.IsVisible(path) {
			t.Errorf("IsVisible(%q) = false, want true", path)
		}
	}

	for _, path := range []string{
		"/", "/app", "/boot", "/dev/pts", "/etc", "/lib64", "/libx32", "/libx32/libc.so.6", "/proc", "/root",
		"/run", "/run/gfx", "/run/host/usr", "/run/pressure-vessel", "/sys",
		"/tmp", "/usr/lib", "/var", "relative",
	} {
		if exports.IsVisible(path) {
			t.Errorf("IsVisible(%q) = true, want false", path)
		}
	}
}

func Test_Exports_Add_Returns_ErrReserved_When_Path_Is_OS_Internal(t *testing.T) {
	t.Parallel()

	exports := sandbox.NewExports(t.TempDir(), nil)

	for _, path := range []string{"/", "/usr", "/usr/lib/x86_64-linux-gnu", "/run", "/run/host/lib", "/etc/passwd", "/tmp/.X11-unix"} {
		err := exports.Add(path, sandbox.ExportReadOnly)
		if !errors.Is(err, sandbox.ErrReserved) {
			t.Errorf("Add(%q): expected ErrReserved, got %v", path, err)
		}
	}

	for _, path := range []string{"/run/hostile", "/usrlocal", "/home/user"} {
		err := exports.Add(path, sandbox.ExportReadOnly)
		if err != nil {
			t.Errorf("Add(%q): unexpected %v", path, err)
		}
	}

	err := exports.Add("home/user", sandbox.ExportReadOnly)
	if err == nil {
		t.Error("expected error for relative path")
	}

	exports.Expose("/usr/lib/libfoo.so")

	if exports.IsVisible("/usr/lib/libfoo.so") {
		t.Error("Expose must not export reserved paths")
	}
}

func Test_Exports_Mounts_Keeps_Most_Permissive_Mode_And_Skips_Redundant_Children(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, dir := range []string{"home/user/game", "home/user/save", "srv/data"} {
		mustCreateDir(t, filepath.Join(root, dir))
	}

	exports := sandbox.NewExports(root, nil)

	mustExport(t, exports, "/home", sandbox.ExportReadOnly)
	mustExport(t, exports, "/home/user/game", sandbox.ExportReadOnly)
	mustExport(t, exports, "/home/user/save", sandbox.ExportReadWrite)
	mustExport(t, exports, "/srv/data", sandbox.ExportReadOnly)
	mustExport(t, exports, "/srv/data", sandbox.ExportReadWrite)
	mustExport(t, exports, "/srv/data", sandbox.ExportReadOnly)
	mustExport(t, exports, "/opt/missing", sandbox.ExportReadWrite)

	mounts, err := exports.Mounts()
	if err != nil {
		t.Fatalf("Mounts: %v", err)
	}

	want := []sandbox.Mount{
		sandbox.RoBind(filepath.Join(root, "home"), "/home"),
		sandbox.Bind(filepath.Join(root, "srv/data"), "/srv/data"),
		sandbox.Bind(filepath.Join(root, "home/user/save"), "/home/user/save"),
	}

	if diff := cmp.Diff(want, mounts); diff != "" {
		t.Fatalf("mounts mismatch (-want +got):\n%s", diff)
	}
}

func Test_Exports_Mounts_Recreates_Symlinks_And_Exports_Targets(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mustCreateDir(t, filepath.Join(root, "data/steam"))
	mustCreateDir(t, filepath.Join(root, "usr/lib"))
	mustSymlink(t, "/data/steam", filepath.Join(root, "games"))
	mustSymlink(t, "../usr/lib", filepath.Join(root, "data/libs"))
	mustSymlink(t, "loop-b", filepath.Join(root, "loop-a"))
	mustSymlink(t, "loop-a", filepath.Join(root, "loop-b"))

	exports := sandbox.NewExports(root, nil)
	mustExport(t, exports, "/games", sandbox.ExportReadWrite)
	mustExport(t, exports, "/data/libs", sandbox.ExportReadOnly)

	mounts, err := exports.Mounts()
	if err != nil {
		t.Fatalf("Mounts: %v", err)
	}

	want := []sandbox.Mount{
		sandbox.Bind(filepath.Join(root, "data/steam"), "/data/steam"),
		sandbox.Symlink("../usr/lib", "/data/libs"),
		sandbox.Symlink("/data/steam", "/games"),
	}

	if diff := cmp.Diff(want, mounts); diff != "" {
		t.Fatalf("mounts mismatch (-want +got):\n%s", diff)
	}

	mustExport(t, exports, "/loop-a", sandbox.ExportReadOnly)

	_, err = exports.Mounts()
	if err == nil {
		t.Fatal("expected error for symlink loop")
	}
}

func Test_UseHostOS_Binds_Usr_At_Root_And_Shares_Mutable_State(t *testing.T) {
	t.Parallel()

	root := newHostTree(t)
	exports := sandbox.NewExports(root, nil)

	var plan sandbox.Plan

	err := sandbox.UseHostOS(exports, &plan)
	if err != nil {
		t.Fatalf("UseHostOS: %v", err)
	}

	wantPlan := []sandbox.Mount{
		sandbox.Symlink("usr/bin", "/bin"),
		sandbox.Symlink("usr/lib", "/lib"),
		sandbox.Symlink("usr/lib", "/lib64"),
		sandbox.Symlink("usr/bin", "/sbin"),
		sandbox.RoBind(filepath.Join(root, "usr"), "/usr"),
	}

	if diff := cmp.Diff(wantPlan, plan.Mounts()); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}

	mounts, err := exports.Mounts()
	if err != nil {
		t.Fatalf("Mounts: %v", err)
	}

	for _, dir := range []string{"/etc", "/tmp", "/var", "/home", "/run/dbus"} {
		found := false

		for _, m := range mounts {
			if m.Dst == dir {
				found = true

				if m.Kind != sandbox.MountBind {
					t.Errorf("%s exported as %v, want read-write bind", dir, m)
				}
			}
		}

		if !found {
			t.Errorf("%s not exported; mounts: %v", dir, mounts)
		}
	}

	for _, path := range []string{"/app", "/boot", "/dev", "/libexec", "/proc", "/root", "/run", "/run/gfx", "/run/host", "/run/pressure-vessel", "/sys"} {
		if exports.IsVisible(path) {
			t.Errorf("IsVisible(%q) = true, want false", path)
		}
	}
}

func mustExport(t *testing.T, exports *sandbox.Exports, path string, mode sandbox.ExportMode) {
	t.Helper()

	err := exports.Add(path, mode)
	if err != nil {
		t.Fatalf("Add(%q, %s): %v", path, mode, err)
	}
}

// newHostTree builds a fake host root with a merged usr and the usual
// top-level directories.
func newHostTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	dirs := []string{
		"app", "boot", "dev/pts", "etc", "games", "home/user", "libexec", "libx32", "mnt", "opt",
		"proc", "root", "srv", "sys", "tmp", "usr/bin", "usr/lib", "var/lib",
		"run/dbus", "run/gfx", "run/host", "run/media", "run/pressure-vessel", "run/systemd", "run/user",
	}

	for _, dir := range dirs {
		mustCreateDir(t, filepath.Join(root, dir))
	}

	mustSymlink(t, "usr/bin", filepath.Join(root, "bin"))
	mustSymlink(t, "usr/lib", filepath.Join(root, "lib"))
	mustSymlink(t, "usr/lib", filepath.Join(root, "lib64"))
	mustSymlink(t, "usr/bin", filepath.Join(root, "sbin"))
	mustSymlink(t, "run/media", filepath.Join(root, "media"))
	mustWriteFile(t, filepath.Join(root, "swapfile"), nil, 0o600)

	return root
}
