//go:build linux

package sandbox

// Mount describes one bwrap filesystem operation.
//
// Src is the host path for bind mounts and the link target for
// MountSymlink. Dst is always the absolute path inside the sandbox. For
// mounts that only need a destination (tmpfs, dir, dev, proc), Src is
// ignored.
type Mount struct {
	// Kind selects the bwrap operation.
	Kind MountKind

	// Src is the host source path, or the link target for symlinks.
	Src string

	// Dst is the destination path inside the sandbox.
	Dst string
}

// MountKind describes a mount operation understood by bwrap.
//
// The zero value is invalid.
type MountKind int

const (
	// MountRoBind adds a read-only bind mount (--ro-bind).
	MountRoBind MountKind = iota + 1

	// MountRoBindTry adds a read-only bind mount that is skipped if missing
	// (--ro-bind-try).
	MountRoBindTry

	// MountBind adds a read-write bind mount (--bind).
	MountBind

	// MountBindTry adds a read-write bind mount that is skipped if missing
	// (--bind-try).
	MountBindTry

	// MountTmpfs mounts an empty tmpfs at Dst (--tmpfs).
	MountTmpfs

	// MountDir creates a directory mount point (--dir).
	MountDir

	// MountSymlink creates a symbolic link at Dst pointing to Src
	// (--symlink).
	MountSymlink

	// MountDev mounts a minimal /dev at Dst (--dev).
	MountDev

	// MountProc mounts procfs at Dst (--proc).
	MountProc
)

// RoBind returns a read-only bind mount from src (host path) to dst (sandbox path).
func RoBind(src, dst string) Mount {
	return Mount{Kind: MountRoBind, Src: src, Dst: dst}
}

// RoBindTry returns a read-only bind mount from src (host path) to dst (sandbox path)
// that is skipped if src does not exist.
func RoBindTry(src, dst string) Mount {
	return Mount{Kind: MountRoBindTry, Src: src, Dst: dst}
}

// Bind returns a read-write bind mount from src (host path) to dst (sandbox path).
func Bind(src, dst string) Mount {
	return Mount{Kind: MountBind, Src: src, Dst: dst}
}

// BindTry returns a read-write bind mount from src (host path) to dst (sandbox path)
// that is skipped if src does not exist.
func BindTry(src, dst string) Mount {
	return Mount{Kind: MountBindTry, Src: src, Dst: dst}
}

// Symlink returns an operation creating dst as a symbolic link to target.
// target is stored verbatim; relative targets resolve inside the sandbox.
func Symlink(target, dst string) Mount {
	return Mount{Kind: MountSymlink, Src: target, Dst: dst}
}

// Tmpfs returns an empty tmpfs mount at dst (sandbox path).
func Tmpfs(dst string) Mount {
	return Mount{Kind: MountTmpfs, Dst: dst}
}

// Dir returns a directory creation operation at dst (sandbox path).
func Dir(dst string) Mount {
	return Mount{Kind: MountDir, Dst: dst}
}

// Dev returns a minimal device filesystem at dst.
func Dev(dst string) Mount {
	return Mount{Kind: MountDev, Dst: dst}
}

// Proc returns a procfs mount at dst.
func Proc(dst string) Mount {
	return Mount{Kind: MountProc, Dst: dst}
}

func (m Mount) String() string {
	if m.Src == "" {
		return mountKindName(m.Kind) + " " + m.Dst
	}

	return mountKindName(m.Kind) + " " + m.Src + " " + m.Dst
}

func mountKindName(kind MountKind) string {
	switch kind {
	case MountRoBind:
		return "ro-bind"
	case MountRoBindTry:
		return "ro-bind-try"
	case MountBind:
		return "bind"
	case MountBindTry:
		return "bind-try"
	case MountTmpfs:
		return "tmpfs"
	case MountDir:
		return "dir"
	case MountSymlink:
		return "symlink"
	case MountDev:
		return "dev"
	case MountProc:
		return "proc"
	default:
		return "unknown"
	}
}

func mountToArgs(mnt Mount) ([]string, error) {
	switch mnt.Kind {
	case MountRoBind:
		return []string{"--ro-bind", mnt.Src, mnt.Dst}, nil
	case MountRoBindTry:
		return []string{"--ro-bind-try", mnt.Src, mnt.Dst}, nil
	case MountBind:
		return []string{"--bind", mnt.Src, mnt.Dst}, nil
	case MountBindTry:
		return []string{"--bind-try", mnt.Src, mnt.Dst}, nil
	case MountSymlink:
		return []string{"--symlink", mnt.Src, mnt.Dst}, nil
	case MountTmpfs:
		return []string{"--tmpfs", mnt.Dst}, nil
	case MountDir:
		return []string{"--dir", mnt.Dst}, nil
	case MountDev:
		return []string{"--dev", mnt.Dst}, nil
	case MountProc:
		return []string{"--proc", mnt.Dst}, nil
	default:
		return nil, internalErrorf("mountToArgs", "unknown mount kind %d (src=%q dst=%q)", mnt.Kind, mnt.Src, mnt.Dst)
	}
}
