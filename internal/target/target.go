// Package target resolves the configured "<exe_name>:<pid>" string into
// a live process, re-matching by executable name against the running
// process list when the configured pid no longer exists.
package target

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/singleflight"

	"github.com/nightwatch-av/procaudio/internal/errors"
)

// Spec identifies the target process by executable name and (if known)
// process id.
type Spec struct {
	ExeName string
	PID     int32
}

// String renders the spec back into its "<exe_name>:<pid>" wire form.
func (s Spec) String() string {
	return fmt.Sprintf("%s:%d", s.ExeName, s.PID)
}

// Parse parses a "<exe_name>:<pid>" configuration string.
func Parse(raw string) (Spec, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return Spec{}, errors.New(errors.NewStd("target: spec must be \"<exe_name>:<pid>\"")).
			Category(errors.CategoryTargetResolve).
			Context("raw", raw).
			Build()
	}
	name := raw[:idx]
	pidStr := raw[idx+1:]
	if name == "" {
		return Spec{}, errors.New(errors.NewStd("target: exe_name must not be empty")).
			Category(errors.CategoryTargetResolve).
			Context("raw", raw).
			Build()
	}
	pid, err := strconv.ParseInt(pidStr, 10, 32)
	if err != nil {
		return Spec{}, errors.New(err).
			Category(errors.CategoryTargetResolve).
			Context("raw", raw).
			Build()
	}
	return Spec{ExeName: name, PID: int32(pid)}, nil
}

// resolveGroup coalesces concurrent re-matches for the same executable
// name into a single process-list scan, since resolve-target and the
// capture startup path can both call Resolve around the same moment.
var resolveGroup singleflight.Group

// Resolve confirms the spec's pid is still a live process matching
// ExeName. If the pid is gone (or never set), it re-matches by ExeName
// against the live process list and returns an updated Spec pointing at
// the first live match, per the configuration-input re-resolution rule.
func Resolve(ctx context.Context, spec Spec) (Spec, error) {
	if spec.PID != 0 {
		if proc, err := process.NewProcessWithContext(ctx, spec.PID); err == nil {
			if name, err := proc.NameWithContext(ctx); err == nil && sameExeName(name, spec.ExeName) {
				return spec, nil
			}
		}
	}

	v, err, _ := resolveGroup.Do(spec.ExeName, func() (any, error) {
		return resolveByExeName(ctx, spec.ExeName)
	})
	if err != nil {
		return Spec{}, err
	}
	return v.(Spec), nil
}

func resolveByExeName(ctx context.Context, exeName string) (Spec, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return Spec{}, errors.New(err).
			Component("target").
			Category(errors.CategoryTargetResolve).
			Build()
	}
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if sameExeName(name, exeName) {
			return Spec{ExeName: exeName, PID: proc.Pid}, nil
		}
	}

	return Spec{}, errors.New(errors.NewStd("target: no live process matches exe_name")).
		Component("target").
		Category(errors.CategoryTargetResolve).
		Context("exe_name", exeName).
		Build()
}

func sameExeName(a, b string) bool {
	return strings.EqualFold(a, b)
}
