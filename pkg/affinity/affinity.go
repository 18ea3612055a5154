// Package affinity pins the calling OS thread to a CPU and restores its
// previous affinity afterwards. Callers must hold runtime.LockOSThread.
package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pin restricts the calling thread to cpu
func Pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(unix.Gettid(), &set); err != nil {
		return fmt.Errorf("setting affinity to CPU %d: %w", cpu, err)
	}
	return nil
}

// Allowed returns the CPUs the calling thread may run on, in ascending order
func Allowed() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(unix.Gettid(), &set); err != nil {
		return nil, fmt.Errorf("getting CPU affinity: %w", err)
	}
	cpus := make([]int, 0, set.Count())
	for cpu := 0; len(cpus) < cap(cpus); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// Guard remembers the affinity of the thread that created it. Close
// restores it.
type Guard struct {
	original unix.CPUSet
}

// NewGuard captures the calling thread's current affinity
func NewGuard() (*Guard, error) {
	g := &Guard{}
	g.original.Zero()
	if err := unix.SchedGetaffinity(unix.Gettid(), &g.original); err != nil {
		return nil, fmt.Errorf("getting current CPU affinity: %w", err)
	}
	return g, nil
}

// Close restores the captured affinity on the calling thread
func (g *Guard) Close() error {
	return unix.SchedSetaffinity(unix.Gettid(), &g.original)
}

// OnCPU runs fn on the calling thread pinned to cpu and restores the
// previous affinity before returning
func OnCPU(cpu int, fn func() error) (err error) {
	guard, err := NewGuard()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := guard.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("restoring CPU affinity: %w", cerr)
		}
	}()
	if err := Pin(cpu); err != nil {
		return err
	}
	return fn()
}
