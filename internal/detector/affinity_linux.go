//go:build linux

package detector

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/cpu"
	"golang.org/x/sys/unix"
)

// pinThread locks the calling goroutine to its OS thread and restricts that
// thread to cores. Cores beyond the machine's logical CPU count are skipped.
func pinThread(cores []int) error {
	if len(cores) == 0 {
		return nil
	}

	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		count = runtime.NumCPU()
	}

	var set unix.CPUSet
	set.Zero()
	for _, c := range cores {
		if c >= 0 && c < count {
			set.Set(c)
		}
	}
	if set.Count() == 0 {
		return fmt.Errorf("none of cores %v exist on this machine (%d cpus)", cores, count)
	}

	runtime.LockOSThread()
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}
