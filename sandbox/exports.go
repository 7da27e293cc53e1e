//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// ErrReserved is wrapped when a path cannot be exported because the
// sandbox layout owns it.
var ErrReserved = errors.New("sandbox: path is reserved")

// ExportMode is the access granted to an exported path.
type ExportMode int

const (
	// ExportReadOnly exposes a host path read-only.
	ExportReadOnly ExportMode = iota + 1

	// ExportReadWrite exposes a host path read-write.
	ExportReadWrite
)

func (m ExportMode) String() string {
	switch m {
	case ExportReadOnly:
		return "ro"
	case ExportReadWrite:
		return "rw"
	default:
		return "unknown"
	}
}

// reservedTrees may not be exported, and neither may anything below them.
// The sandbox layout sets these up itself or deliberately hides them. Every
// other top-level "lib*" tree is reserved as well.
var reservedTrees = []string{
	"/app",
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/lib",
	"/lib32",
	"/lib64",
	"/libexec",
	"/proc",
	"/root",
	"/run/gfx",
	"/run/host",
	"/run/pressure-vessel",
	"/sbin",
	"/sys",
	"/tmp",
	"/usr",
	"/var",
}

// reservedExact may not be exported themselves, but their children may.
var reservedExact = []string{"/", "/run"}

// runReserved are the entries of /run that ExportRootDirsLikeHost skips.
var runReserved = []string{"gfx", "host", "pressure-vessel"}

// maxSymlinkHops bounds symlink resolution for exported paths.
const maxSymlinkHops = 40

// Exports is the set of host paths made visible inside the sandbox, each
// at the same absolute path it has on the host.
//
// Exports satisfies preload.Exports.
type Exports struct {
	hostRoot  string
	unreserve map[string]bool
	paths     map[string]ExportMode
	debugf    Debugf
}

// NewExports returns an empty export set. hostRoot is the host directory
// that corresponds to "/"; it is "/" except in tests.
func NewExports(hostRoot string, debugf Debugf) *Exports {
	if hostRoot == "" {
		hostRoot = "/"
	}

	if debugf == nil {
		debugf = func(string, ...any) {}
	}

	return &Exports{
		hostRoot:  filepath.Clean(hostRoot),
		unreserve: make(map[string]bool),
		paths:     make(map[string]ExportMode),
		debugf:    debugf,
	}
}

// HostRoot returns the host directory that corresponds to "/".
func (e *Exports) HostRoot() string {
	return e.hostRoot
}

// Add exports path with mode. Exporting a path twice keeps the more
// permissive mode.
func (e *Exports) Add(path string, mode ExportMode) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("sandbox: cannot export relative path %q", path)
	}

	path = filepath.Clean(path)

	if e.reserved(path) {
		return fmt.Errorf("%w: %s", ErrReserved, path)
	}

	if mode > e.paths[path] {
		e.paths[path] = mode
	}

	return nil
}

// Expose exports path read-only. Reserved or relative paths are skipped
// with a debug message.
func (e *Exports) Expose(path string) {
	err := e.Add(path, ExportReadOnly)
	if err != nil {
		e.debugf("exports: not exposing: %v", err)
	}
}

// IsVisible reports whether path or one of its ancestors is exported.
func (e *Exports) IsVisible(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}

	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, ok := e.paths[p]; ok {
			return true
		}

		if p == "/" {
			return false
		}
	}
}

// allowReadWrite lifts the reservation on one OS directory, for the
// host-OS layout where mutable OS state is shared.
func (e *Exports) allowReadWrite(path string) {
	e.unreserve[path] = true
}

func (e *Exports) reserved(path string) bool {
	if slices.Contains(reservedExact, path) {
		return true
	}

	for _, tree := range reservedTrees {
		if path != tree && !strings.HasPrefix(path, tree+"/") {
			continue
		}

		return !e.unreserve[tree]
	}

	top, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if strings.HasPrefix(top, "lib") {
		return !e.unreserve["/"+top]
	}

	return false
}

// Mounts converts the export set to mount operations, parents before
// children and siblings by name.
//
// A path that is a symlink on the host is recreated as a symlink and its
// target is exported in its place, so the link resolves the same way on
// both sides. Paths missing on the host are skipped.
func (e *Exports) Mounts() ([]Mount, error) {
	resolved := make(map[string]ExportMode, len(e.paths))

	var symlinks []Mount

	for path, mode := range e.paths {
		links, final, err := e.resolve(path)
		if err != nil {
			return nil, err
		}

		symlinks = append(symlinks, links...)

		if final == "" {
			continue
		}

		if mode > resolved[final] {
			resolved[final] = mode
		}
	}

	paths := make([]string, 0, len(resolved))
	for path := range resolved {
		paths = append(paths, path)
	}

	mounts := make([]Mount, 0, len(paths)+len(symlinks))

	sortByDepth(paths)

	for _, path := range paths {
		mode := resolved[path]

		if ancestorMode, ok := nearestExportedAncestor(resolved, path); ok && ancestorMode == mode {
			continue
		}

		src := e.hostPath(path)

		if mode == ExportReadWrite {
			mounts = append(mounts, Bind(src, path))
		} else {
			mounts = append(mounts, RoBind(src, path))
		}
	}

	sort.Slice(symlinks, func(i, j int) bool {
		return symlinks[i].Dst < symlinks[j].Dst
	})

	symlinks = slices.CompactFunc(symlinks, func(a, b Mount) bool { return a == b })

	for _, link := range symlinks {
		// Already visible through an exported parent.
		if _, ok := nearestExportedAncestor(resolved, link.Dst); ok {
			continue
		}

		mounts = append(mounts, link)
	}

	return mounts, nil
}

// resolve follows symlinks at path on the host. It returns the symlink
// operations to recreate and the final non-symlink path, or "" if the
// path does not exist or resolves into a reserved location.
func (e *Exports) resolve(path string) ([]Mount, string, error) {
	var links []Mount

	for range maxSymlinkHops {
		info, err := os.Lstat(e.hostPath(path))
		if errors.Is(err, fs.ErrNotExist) {
			e.debugf("exports: skipping %s: does not exist", path)

			return links, "", nil
		}

		if err != nil {
			return nil, "", fmt.Errorf("sandbox: inspecting export %s: %w", path, err)
		}

		if info.Mode()&fs.ModeSymlink == 0 {
			return links, path, nil
		}

		target, err := os.Readlink(e.hostPath(path))
		if err != nil {
			return nil, "", fmt.Errorf("sandbox: reading link %s: %w", path, err)
		}

		links = append(links, Symlink(target, path))

		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}

		target = filepath.Clean(target)

		if e.reserved(target) {
			e.debugf("exports: %s points into reserved %s, not exporting target", path, target)

			return links, "", nil
		}

		path = target
	}

	return nil, "", fmt.Errorf("sandbox: too many levels of symbolic links resolving export %s", path)
}

func (e *Exports) hostPath(path string) string {
	return filepath.Join(e.hostRoot, path)
}

func nearestExportedAncestor(paths map[string]ExportMode, path string) (ExportMode, bool) {
	for p := filepath.Dir(path); ; p = filepath.Dir(p) {
		if mode, ok := paths[p]; ok {
			return mode, true
		}

		if p == "/" {
			return 0, false
		}
	}
}

// ExportRootDirsLikeHost exports every top-level directory of the host root
// except OS internals, plus every entry of /run except the sandbox's own
// mount points. This parallels a full-host filesystem share in desktop
// application sandboxes.
func ExportRootDirsLikeHost(exports *Exports, mode ExportMode) error {
	names, err := readDirNames(exports.hostRoot)
	if err != nil {
		return fmt.Errorf("sandbox: listing host root: %w", err)
	}

	for _, name := range names {
		path := "/" + name
		if exports.reserved(path) {
			continue
		}

		err = exports.Add(path, mode)
		if err != nil {
			return err
		}
	}

	runNames, err := readDirNames(filepath.Join(exports.hostRoot, "run"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sandbox: listing host /run: %w", err)
	}

	for _, name := range runNames {
		if slices.Contains(runReserved, name) {
			continue
		}

		err = exports.Add("/run/"+name, mode)
		if err != nil {
			return err
		}
	}

	return nil
}

// UseHostOS lays out the sandbox root like the host: the host's usr
// hierarchy is bound at "/", /etc, /tmp and /var are shared read-write,
// and the remaining top-level directories are exported as by
// ExportRootDirsLikeHost.
func UseHostOS(exports *Exports, plan *Plan) error {
	return useHostOS(exports, plan, nil)
}

func useHostOS(exports *Exports, plan *Plan, debugf Debugf) error {
	err := bindUsr(plan, exports.hostRoot, "/", debugf)
	if err != nil {
		return err
	}

	for _, dir := range []string{"/etc", "/tmp", "/var"} {
		exports.allowReadWrite(dir)

		_, err = os.Stat(exports.hostPath(dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		err = exports.Add(dir, ExportReadWrite)
		if err != nil {
			return err
		}
	}

	return ExportRootDirsLikeHost(exports, ExportReadWrite)
}

// readDirNames returns the sorted names in dir, keeping directories and
// symlinks only.
func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() && entry.Type()&fs.ModeSymlink == 0 {
			continue
		}

		names = append(names, entry.Name())
	}

	return names, nil
}
