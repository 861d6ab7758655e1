// Freezes and thaws mounted filesystems with fsfreeze(8), keeping track of
// what is currently frozen so that recovery can always thaw exactly the right
// set - a filesystem left frozen is the one failure mode this tool must not
// have.
package fsfreeze

import (
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/function61/ebsfreeze/pkg/mountscan"
	"github.com/function61/gokit/logex"
)

type RunCommandFn func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	//nolint:gosec // ok
	return exec.Command(name, args...).CombinedOutput()
}

type Freezer struct {
	mu     sync.Mutex
	frozen map[string]mountscan.MountTarget
	run    RunCommandFn
	logl   *logex.Leveled
}

func New(logger *log.Logger) *Freezer {
	return NewWithRunner(runCommand, logger)
}

// tests substitute the command runner; everything else about the bookkeeping
// stays the real deal
func NewWithRunner(run RunCommandFn, logger *log.Logger) *Freezer {
	return &Freezer{
		frozen: map[string]mountscan.MountTarget{},
		run:    run,
		logl:   logex.Levels(logex.NonNil(logger)),
	}
}

// Freezes targets in the given order, stopping at the first failure. Already
// frozen targets are NOT thawed here - recovery belongs to the caller, which
// can ask Frozen() for the exact set to thaw (or just call ThawAll()).
func (f *Freezer) Freeze(targets []mountscan.MountTarget) error {
	for _, target := range targets {
		f.logl.Debug.Printf("freezing %s (%s)", target.Path, target.FsType)

		if output, err := f.run("fsfreeze", "--freeze", target.Path); err != nil {
			return &FreezeError{
				Target: target,
				Err:    fmt.Errorf("fsfreeze --freeze: %v, output: %s", err, output),
			}
		}

		f.mu.Lock()
		f.frozen[target.Path] = target
		f.mu.Unlock()
	}

	return nil
}

// Thaws the given targets. A target that is not currently frozen is skipped,
// so calling this twice (or over targets whose freeze never happened) is a
// no-op for those. Every target is attempted even if an earlier one fails;
// failures are aggregated into a single UnfreezeError. Targets that fail to
// thaw stay in the frozen set, so a later ThawAll() still sees them.
func (f *Freezer) Unfreeze(targets []mountscan.MountTarget) error {
	failed := []FailedTarget{}

	for _, target := range targets {
		f.mu.Lock()
		_, isFrozen := f.frozen[target.Path]
		f.mu.Unlock()

		if !isFrozen {
			continue
		}

		f.logl.Debug.Printf("unfreezing %s", target.Path)

		if output, err := f.run("fsfreeze", "--unfreeze", target.Path); err != nil {
			failed = append(failed, FailedTarget{
				Target: target,
				Err:    fmt.Errorf("fsfreeze --unfreeze: %v, output: %s", err, output),
			})
			continue
		}

		f.mu.Lock()
		delete(f.frozen, target.Path)
		f.mu.Unlock()
	}

	if len(failed) > 0 {
		return &UnfreezeError{Failed: failed}
	}

	return nil
}

// Thaws everything this Freezer knows to be frozen. Safe to call any number
// of times - with nothing frozen it does nothing.
func (f *Freezer) ThawAll() error {
	return f.Unfreeze(f.Frozen())
}

// snapshot of the currently frozen set, in stable order
func (f *Freezer) Frozen() []mountscan.MountTarget {
	f.mu.Lock()
	defer f.mu.Unlock()

	targets := []mountscan.MountTarget{}
	for _, target := range f.frozen {
		targets = append(targets, target)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Path < targets[j].Path })

	return targets
}

type FreezeError struct {
	Target mountscan.MountTarget
	Err    error
}

func (e *FreezeError) Error() string {
	return fmt.Sprintf("freeze %s: %v", e.Target.Path, e.Err)
}

func (e *FreezeError) Unwrap() error { return e.Err }

type FailedTarget struct {
	Target mountscan.MountTarget
	Err    error
}

// the worst-case failure mode: one or more filesystems may still be frozen
type UnfreezeError struct {
	Failed []FailedTarget
}

func (e *UnfreezeError) Error() string {
	details := []string{}
	for _, failure := range e.Failed {
		details = append(details, fmt.Sprintf("%s: %v", failure.Target.Path, failure.Err))
	}

	return "unfreeze failed - FILESYSTEM MAY STILL BE FROZEN: " + strings.Join(details, "; ")
}
