//go:build linux

package sandbox

// This file contains the core sandbox planner.
//
// The planner turns Config + Environment into a deterministic plan: the
// ordered mount operations and the bwrap arguments derived from them.
// It does all filesystem-dependent work (usr layout detection, symlink
// resolution, host root listing) during Sandbox construction.
import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// plan is the deterministic view derived from Config+Environment.
type plan struct {
	// mounts are the filesystem operations, in emission order.
	mounts []Mount

	// bwrapArgs are the arguments passed to `bwrap` for this sandbox
	// (everything before the "-- <argv...>" separator).
	bwrapArgs []string

	// chdir is the working directory inside the sandbox, or "" to leave
	// bwrap's default.
	chdir string
}

// pathResolver converts caller-provided paths into absolute host paths.
// It also provides helpers for path ordering.
type pathResolver struct {
	homeDir string
	workDir string
}

func newPathResolver(env Environment) pathResolver {
	return pathResolver{homeDir: env.HomeDir, workDir: env.WorkDir}
}

// Resolve converts a caller-supplied path into an absolute, cleaned host path.
//
// - "~" and "~/..." are expanded using Environment.HomeDir
// - relative paths are interpreted relative to Environment.WorkDir.
func (p pathResolver) Resolve(path string) string {
	if path == "" {
		return ""
	}

	switch {
	case path == "~":
		path = p.homeDir
	case strings.HasPrefix(path, "~/"):
		path = filepath.Join(p.homeDir, path[2:])
	case !filepath.IsAbs(path):
		path = filepath.Join(p.workDir, path)
	}

	return filepath.Clean(path)
}

func (pathResolver) Depth(path string) int {
	return pathDepth(path)
}

func pathDepth(path string) int {
	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return 0
	}

	return strings.Count(cleaned, "/")
}

// sortByDepth orders paths so that parents precede their children, with
// paths at equal depth sorted by name.
func sortByDepth(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := pathDepth(paths[i]), pathDepth(paths[j])
		if di != dj {
			return di < dj
		}

		return paths[i] < paths[j]
	})
}

// planner constructs a deterministic plan from Config+Environment.
type planner struct {
	cfg   Config
	env   Environment
	paths pathResolver

	mounts Plan
}

func (p *planner) debugf(format string, args ...any) {
	if p.cfg.Debugf == nil {
		return
	}

	p.cfg.Debugf("sandbox(planning): "+format, args...)
}

func buildPlan(v *validated) (*plan, error) {
	p := planner{cfg: v.cfg, env: v.env, paths: newPathResolver(v.env)}

	return p.build()
}

func (p *planner) build() (*plan, error) {
	exports := p.cfg.Exports
	if exports == nil {
		return nil, internalErrorf("planner.build", "exports not initialized")
	}

	p.debugf("start workDir=%q homeDir=%q runtime=%q provider=%q", p.env.WorkDir, p.env.HomeDir, p.cfg.Runtime, p.cfg.GraphicsProvider)

	err := p.addAll(Dev("/dev"), Proc("/proc"), Tmpfs("/run"))
	if err != nil {
		return nil, err
	}

	if p.cfg.Runtime != "" {
		err = p.planRuntime(exports)
	} else {
		err = useHostOS(exports, &p.mounts, p.debugf)
	}

	if err != nil {
		return nil, err
	}

	if p.cfg.Runtime != "" {
		err = ExportRootDirsLikeHost(exports, ExportReadWrite)
		if err != nil {
			return nil, err
		}
	}

	for _, path := range p.cfg.Filesystem {
		resolved := p.paths.Resolve(path)
		p.debugf("filesystem %q -> %q", path, resolved)

		err = exports.Add(resolved, ExportReadWrite)
		if err != nil {
			return nil, err
		}
	}

	chdir := p.env.WorkDir

	if !exports.IsVisible(chdir) {
		err = exports.Add(chdir, ExportReadWrite)
		if errors.Is(err, ErrReserved) {
			p.debugf("workDir %q is not shareable, leaving bwrap's default", chdir)

			chdir = ""
		} else if err != nil {
			return nil, err
		}
	}

	exportMounts, err := exports.Mounts()
	if err != nil {
		return nil, err
	}

	p.debugf("exports mounts=%d", len(exportMounts))

	err = p.addAll(exportMounts...)
	if err != nil {
		return nil, err
	}

	err = p.addAll(p.cfg.Mounts...)
	if err != nil {
		return nil, err
	}

	mountArgs, err := p.mounts.Args()
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(mountArgs)+16)
	args = append(args, "--die-with-parent", "--unshare-pid")
	args = append(args, mountArgs...)

	for _, kv := range envMapToSliceSorted(p.cfg.Env) {
		key, value, _ := strings.Cut(kv, "=")
		args = append(args, "--setenv", key, value)
	}

	for _, key := range p.cfg.Unsetenv {
		args = append(args, "--unsetenv", key)
	}

	if chdir != "" {
		args = append(args, "--chdir", chdir)
	}

	p.debugf("plan mounts=%d args=%d", len(p.mounts.mounts), len(args))

	return &plan{mounts: p.mounts.Mounts(), bwrapArgs: args, chdir: chdir}, nil
}

// planRuntime lays out the runtime as the sandbox's OS and mounts the
// graphics provider under ProviderMountPoint.
func (p *planner) planRuntime(exports *Exports) error {
	err := bindUsr(&p.mounts, p.cfg.Runtime, "/", p.debugf)
	if err != nil {
		return err
	}

	err = p.addIfExists(RoBind(filepath.Join(p.cfg.Runtime, "etc"), "/etc"))
	if err != nil {
		return err
	}

	err = p.addIfExists(Bind(filepath.Join(exports.HostRoot(), "tmp"), "/tmp"))
	if err != nil {
		return err
	}

	err = p.mounts.Add(Tmpfs("/var"))
	if err != nil {
		return err
	}

	provider := p.cfg.GraphicsProvider
	if provider == "" {
		provider = exports.HostRoot()
	}

	err = bindUsr(&p.mounts, provider, ProviderMountPoint, p.debugf)
	if err != nil {
		return err
	}

	return p.addIfExists(RoBind(filepath.Join(provider, "etc"), filepath.Join(ProviderMountPoint, "etc")))
}

func (p *planner) addAll(mounts ...Mount) error {
	for _, m := range mounts {
		err := p.mounts.Add(m)
		if err != nil {
			return err
		}
	}

	return nil
}

// addIfExists adds a bind mount only if its host source is a directory.
func (p *planner) addIfExists(m Mount) error {
	info, err := os.Stat(m.Src)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		p.debugf("skipping %s: no such directory", m)

		return nil
	}

	if err != nil {
		return err
	}

	return p.mounts.Add(m)
}

// Argv returns the complete command line, starting with bwrapPath, that
// runs argv inside the sandbox.
func (s *Sandbox) Argv(bwrapPath string, argv []string) []string {
	args := make([]string, 0, 2+len(s.plan.bwrapArgs)+len(argv))
	args = append(args, bwrapPath)
	args = append(args, s.plan.bwrapArgs...)
	args = append(args, "--")

	return append(args, slices.Clone(argv)...)
}
