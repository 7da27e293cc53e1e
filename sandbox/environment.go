//go:build linux

package sandbox

// Environment describes the host process environment used to resolve and build a sandbox.
type Environment struct {
	// HomeDir is the host home directory.
	HomeDir string
	// WorkDir is the host working directory. It is shared with the sandbox
	// and used as the sandbox's working directory when possible.
	WorkDir string
	// HostEnv is a snapshot of environment variables (e.g. HOME, PATH).
	//
	// It is the environment bwrap runs with, and so the starting point of
	// the sandboxed command's environment before [Config.Env] and
	// [Config.Unsetenv] apply. If HostEnv is nil, an empty environment is
	// used.
	HostEnv map[string]string
}
