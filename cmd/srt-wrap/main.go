// Command srt-wrap runs a game inside a container runtime, or on the host
// OS, using bubblewrap, and supervises every process it leaves behind.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, environMap(os.Environ()), sigCh))
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		env[key] = value
	}

	return env
}
