//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
)

// ErrConflict is wrapped when two different operations claim the same
// sandbox destination.
var ErrConflict = errors.New("sandbox: conflicting operations for destination")

// Plan is an ordered list of mount operations.
//
// Operations are emitted in the order they were added. Adding an operation
// identical to one already present is a no-op; adding a different operation
// for a destination that is already claimed fails with ErrConflict, so a
// later step can never silently change what an earlier step set up.
//
// The zero value is an empty plan ready to use.
type Plan struct {
	mounts []Mount
	byDst  map[string]Mount
}

// Add appends m to the plan.
func (p *Plan) Add(m Mount) error {
	if m.Dst == "" || !filepath.IsAbs(m.Dst) {
		return fmt.Errorf("sandbox: %s: destination must be an absolute path", m)
	}

	m.Dst = filepath.Clean(m.Dst)

	if p.byDst == nil {
		p.byDst = make(map[string]Mount)
	}

	if existing, ok := p.byDst[m.Dst]; ok {
		if existing == m {
			return nil
		}

		return fmt.Errorf("%w: %q already planned as %q, refusing %q", ErrConflict, m.Dst, existing, m)
	}

	p.byDst[m.Dst] = m
	p.mounts = append(p.mounts, m)

	return nil
}

// Claimed reports whether an operation already targets dst.
func (p *Plan) Claimed(dst string) bool {
	_, ok := p.byDst[filepath.Clean(dst)]

	return ok
}

// Mounts returns a copy of the planned operations in order.
func (p *Plan) Mounts() []Mount {
	return slices.Clone(p.mounts)
}

// Args converts the plan to bwrap arguments.
func (p *Plan) Args() ([]string, error) {
	args := make([]string, 0, len(p.mounts)*3)

	for _, m := range p.mounts {
		mountArgs, err := mountToArgs(m)
		if err != nil {
			return nil, err
		}

		args = append(args, mountArgs...)
	}

	return args, nil
}
