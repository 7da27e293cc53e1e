//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const procRoot = "/proc"

// listChildren returns the pids of the current process's children, from the
// per-thread children files when the kernel provides them and from a scan of
// every process's stat otherwise.
func listChildren() ([]int, error) {
	pids, err := childrenFromTasks(filepath.Join(procRoot, "self", "task"))
	if err == nil {
		return pids, nil
	}

	return childrenFromStat(procRoot, os.Getpid())
}

func childrenFromTasks(taskDir string) ([]int, error) {
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, err
	}

	var pids []int

	for _, task := range tasks {
		data, err := os.ReadFile(filepath.Join(taskDir, task.Name(), "children"))
		if err != nil {
			return nil, err
		}

		for _, field := range strings.Fields(string(data)) {
			pid, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("parsing %s children: %w", task.Name(), err)
			}

			pids = append(pids, pid)
		}
	}

	return pids, nil
}

func childrenFromStat(root string, parent int) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var pids []int

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "stat"))
		if err != nil {
			// Exited since ReadDir.
			continue
		}

		ppid, err := parseStatPPID(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing %s/stat: %w", entry.Name(), err)
		}

		if ppid == parent {
			pids = append(pids, pid)
		}
	}

	return pids, nil
}

var errMalformedStat = errors.New("malformed stat line")

// parseStatPPID extracts the parent pid from a /proc/PID/stat line. The
// command name may contain spaces and parentheses, so fields are counted
// from the last ')'.
func parseStatPPID(stat string) (int, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, errMalformedStat
	}

	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return 0, errMalformedStat
	}

	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errMalformedStat, err)
	}

	return ppid, nil
}
