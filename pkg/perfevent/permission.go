package perfevent

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// permissionTarget is a prospective group configuration
type permissionTarget struct {
	tid         int
	cpu         int
	domain      Domain
	granularity Granularity
	multiplexed bool
	inherit     bool
}

// target returns the current configuration of c as a permission target
func (c *Control) target() permissionTarget {
	return permissionTarget{
		tid:         c.tid,
		cpu:         c.cpu,
		domain:      c.domain,
		granularity: c.granularity,
		multiplexed: c.multiplexed,
		inherit:     c.inherit,
	}
}

// checkPermission checks that the kernel accepts t by opening a
// retired-instructions counter with the same target, domain and read format
// and closing it again.
func (b *Backend) checkPermission(t permissionTarget) error {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_HARDWARE,
		Size:        attrSize,
		Config:      unix.PERF_COUNT_HW_INSTRUCTIONS,
		Read_format: readFormat(b.quirks, t.multiplexed, t.inherit, true),
	}
	applyDomain(&attr, t.domain)

	pid := t.tid
	if t.granularity == GranularitySystem {
		pid = -1
	}

	fd, err := b.sys.PerfEventOpen(&attr, pid, t.cpu, -1)
	if err != nil {
		b.log.Debug("permission check rejected",
			zap.Int("pid", pid), zap.Int("cpu", t.cpu),
			zap.Stringer("domain", t.domain), zap.Error(err))
		return openError(err)
	}
	b.sys.Close(fd)
	return nil
}
