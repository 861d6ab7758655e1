// The critical section: sync -> freeze -> snapshot every volume -> unfreeze,
// with the unfreeze guaranteed on every exit path (error, panic or
// signal-driven cancellation).
package snaprun

import (
	"context"
	"errors"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/function61/ebsfreeze/pkg/ebssnapshot"
	"github.com/function61/ebsfreeze/pkg/mountscan"
	"github.com/function61/gokit/logex"
)

type Freezer interface {
	Freeze(targets []mountscan.MountTarget) error
	Unfreeze(targets []mountscan.MountTarget) error
	ThawAll() error
	Frozen() []mountscan.MountTarget
}

type SnapshotRequester interface {
	RequestSnapshots(ctx context.Context, volumeIDs []string, description string, tags []ebssnapshot.TagPair) []ebssnapshot.Result
}

// where this instance's volumes live
type VolumeSource interface {
	AttachedVolumes(ctx context.Context) ([]string, error)
}

type Instance struct {
	InstanceID string
	Region     string
}

type Options struct {
	Description string
	Tags        []ebssnapshot.TagPair
}

type Deps struct {
	ScanMounts   func() ([]mountscan.MountTarget, error)
	Freezer      Freezer
	Discover     func(ctx context.Context) (Instance, VolumeSource, error)
	NewRequester func(region string) (SnapshotRequester, error)
	Sync         func() // flush OS buffers; nil = syscall.Sync
	Logger       *log.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseSyncing
	phaseFreezing
	phaseSnapshotting
	phaseUnfreezing
	phaseDone
	phaseFailedRecovered
)

func (p phase) String() string {
	return [...]string{"Idle", "Syncing", "Freezing", "Snapshotting", "Unfreezing", "Done", "FailedRecovered"}[p]
}

type Orchestrator struct {
	opts  Options
	deps  Deps
	phase phase
	logl  *logex.Leveled
}

func New(opts Options, deps Deps) *Orchestrator {
	if deps.Sync == nil {
		deps.Sync = syscall.Sync
	}

	return &Orchestrator{
		opts:  opts,
		deps:  deps,
		phase: phaseIdle,
		logl:  logex.Levels(logex.NonNil(deps.Logger)),
	}
}

// Returns a report in all cases - on failure it holds whatever was
// accumulated before the failure. The error is nil also when individual
// snapshots failed, as long as freeze and unfreeze themselves succeeded
// (snapshot failures are reported per volume, not fatal).
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := NewReport()

	// everything that can be done without freezing happens first, on purpose:
	// no filesystem is frozen until the full volume set is confirmed and the
	// EC2 client is ready, so these failures never need freeze cleanup
	instance, volumeSource, err := o.deps.Discover(ctx)
	if err != nil {
		return report, &ContextError{err}
	}

	report.InstanceID = instance.InstanceID
	report.Region = instance.Region

	volumeIDs, err := volumeSource.AttachedVolumes(ctx)
	if err != nil {
		return report, &ContextError{err}
	}

	if len(volumeIDs) == 0 {
		return report, &ContextError{errors.New("no volumes attached to this instance")}
	}

	requester, err := o.deps.NewRequester(instance.Region)
	if err != nil {
		return report, &ContextError{err}
	}

	targets, err := o.deps.ScanMounts()
	if err != nil {
		return report, &EnumerationError{err}
	}

	o.logl.Info.Printf("%d volume(s), %d mount(s) to freeze", len(volumeIDs), len(targets))

	err = o.criticalSection(ctx, report, requester, volumeIDs, targets)

	report.Finished = time.Now()

	return report, err
}

func (o *Orchestrator) criticalSection(ctx context.Context, report *Report, requester SnapshotRequester, volumeIDs []string, targets []mountscan.MountTarget) (err error) {
	// the load-bearing part: whichever way the critical section is left, thaw
	// everything still frozen. On the normal path Unfreeze below has already
	// emptied the frozen set, making this a no-op. On a failed unfreeze the
	// still-frozen remainder gets one more chance here.
	defer func() {
		if thawErr := o.deps.Freezer.ThawAll(); thawErr != nil {
			o.logl.Error.Printf("recovery thaw: %v", thawErr)

			if err == nil {
				err = thawErr
			}
		}

		if err != nil {
			o.setPhase(phaseFailedRecovered)
		}
	}()

	o.setPhase(phaseSyncing)
	o.deps.Sync()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted before freeze: %v", err)
	}

	o.setPhase(phaseFreezing)
	if err := o.deps.Freezer.Freeze(targets); err != nil {
		return err // deferred thaw covers the targets that did get frozen
	}

	o.setPhase(phaseSnapshotting)
	// per-volume failures land in the report; they neither abort the run nor
	// affect the exit code. An interrupt cancels ctx, which fails the
	// in-flight EC2 calls, and we still proceed to unfreeze.
	report.Results = requester.RequestSnapshots(ctx, volumeIDs, o.opts.Description, o.opts.Tags)

	o.setPhase(phaseUnfreezing)
	if err := o.deps.Freezer.Unfreeze(targets); err != nil {
		o.logl.Error.Printf("%v", err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %v", err)
	}

	o.setPhase(phaseDone)

	return nil
}

func (o *Orchestrator) setPhase(next phase) {
	o.logl.Debug.Printf("%s -> %s", o.phase, next)
	o.phase = next
}

// instance/region/volume resolution failed; nothing was frozen
type ContextError struct{ Err error }

func (e *ContextError) Error() string { return "instance context: " + e.Err.Error() }
func (e *ContextError) Unwrap() error { return e.Err }

// mount table could not be read; nothing was frozen
type EnumerationError struct{ Err error }

func (e *EnumerationError) Error() string { return "mount enumeration: " + e.Err.Error() }
func (e *EnumerationError) Unwrap() error { return e.Err }
