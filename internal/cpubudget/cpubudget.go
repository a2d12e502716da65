// Package cpubudget implements the "CPU-reservation facade" quicksand uses
// to keep a blocked job from burning a core while it waits (spec.md §4.7
// step 5, §5): `stop_using_cpu` evicts a job's worker process from its
// reserved cpuset slot, `start_using_cpu` puts it back. Backed by a
// per-slot cpuset cgroup (github.com/containerd/cgroups), so releasing a
// reservation is a real resource action rather than a bookkeeping flag.
package cpubudget

import (
	"fmt"
	"sync"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/talismancer/landslide/pkg/lslog"
)

// Slot identifies one of the fleet's fixed CPU reservations, numbered
// 0..Concurrency-1 (one per concurrently-running job, mirroring
// FleetSettings.Concurrency).
type Slot int

// handle is the narrow slice of cgroups.Cgroup that Budget actually calls.
// Pinning to this interface (rather than cgroups.Cgroup directly) lets
// tests substitute a fake without a real cgroupfs mount.
type handle interface {
	Add(cgroups.Process) error
	Delete() error
}

// creator abstracts cgroups.New so tests can substitute a fake without a
// real cgroupfs mount.
type creator func(path string, resources *specs.LinuxResources) (handle, error)

func realCreator(path string, resources *specs.LinuxResources) (handle, error) {
	return cgroups.New(cgroups.V1, cgroups.StaticPath(path), resources)
}

// Budget manages a fixed pool of cpuset cgroups, one per concurrency slot.
// A job holds a Slot only while it is actually runnable; BLOCKED jobs
// release theirs so another job can use the core (spec.md §4.7: "the
// worker controller... frees CPU resources for other jobs while blocked").
type Budget struct {
	log    *lslog.Logger
	cpus   []int  // one physical CPU id per slot
	parent string // cgroup parent path, e.g. "landslide"
	create creator

	mu      sync.Mutex
	cgroups map[Slot]handle
	held    map[Slot]bool
}

// New creates a Budget with one slot per entry in cpus (the physical CPU
// ids to pin each slot to) under the given cgroup parent path.
func New(log *lslog.Logger, parent string, cpus []int) *Budget {
	return newWithCreator(log, parent, cpus, realCreator)
}

func newWithCreator(log *lslog.Logger, parent string, cpus []int, create creator) *Budget {
	return &Budget{
		log:     log,
		cpus:    cpus,
		parent:  parent,
		create:  create,
		cgroups: make(map[Slot]handle),
		held:    make(map[Slot]bool),
	}
}

// Concurrency returns the number of slots this budget manages.
func (b *Budget) Concurrency() int { return len(b.cpus) }

// slotPath returns the cgroup path for a slot.
func (b *Budget) slotPath(slot Slot) string {
	return fmt.Sprintf("/%s/slot-%d", b.parent, slot)
}

// StartUsingCPU reserves slot for pid: it creates (or reuses) the slot's
// cpuset cgroup, pinned to that slot's physical CPU, and adds pid to it.
// Called when a job transitions BLOCKED -> NORMAL and needs a core again.
func (b *Budget) StartUsingCPU(slot Slot, pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot) < 0 || int(slot) >= len(b.cpus) {
		return fmt.Errorf("cpubudget: slot %d out of range [0,%d)", slot, len(b.cpus))
	}

	cg, ok := b.cgroups[slot]
	if !ok {
		cpu := fmt.Sprintf("%d", b.cpus[slot])
		resources := &specs.LinuxResources{
			CPU: &specs.LinuxCPU{Cpus: cpu},
		}
		var err error
		cg, err = b.create(b.slotPath(slot), resources)
		if err != nil {
			return fmt.Errorf("cpubudget: creating cgroup for slot %d: %w", slot, err)
		}
		b.cgroups[slot] = cg
	}

	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		return fmt.Errorf("cpubudget: adding pid %d to slot %d: %w", pid, slot, err)
	}
	b.held[slot] = true
	b.log.Logf(lslog.Dev, "slot %d now reserved for pid %d (cpu %d)", slot, pid, b.cpus[slot])
	return nil
}

// StopUsingCPU releases slot: the job's process is moved out of the
// cpuset cgroup (back to the system default), freeing the physical CPU
// for another job's StartUsingCPU. Called when a job goes BLOCKED.
func (b *Budget) StopUsingCPU(slot Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cg, ok := b.cgroups[slot]
	if !ok {
		return nil // never started; nothing to release
	}
	if err := cg.Delete(); err != nil {
		return fmt.Errorf("cpubudget: releasing slot %d: %w", slot, err)
	}
	delete(b.cgroups, slot)
	b.held[slot] = false
	b.log.Logf(lslog.Dev, "slot %d released", slot)
	return nil
}

// Holding reports whether slot is currently reserved by a live job.
func (b *Budget) Holding(slot Slot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held[slot]
}

// Close releases every slot's cgroup, for fleet shutdown.
func (b *Budget) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for slot, cg := range b.cgroups {
		if err := cg.Delete(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cpubudget: closing slot %d: %w", slot, err)
		}
		delete(b.cgroups, slot)
		b.held[slot] = false
	}
	return firstErr
}
