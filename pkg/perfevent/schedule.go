package perfevent

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// checkSchedulability verifies that event idx, just opened, can actually be
// scheduled. Affected kernels accept such counters at open time and return
// zero bytes on read instead.
func (c *Control) checkSchedulability(idx int) error {
	sys := c.b.sys
	ev := &c.events[idx]
	fd := ev.leaderFd
	if fd == -1 {
		fd = ev.fd
	}

	if err := sys.Ioctl(fd, unix.PERF_EVENT_IOC_ENABLE); err != nil {
		c.b.log.Error("ioctl(ENABLE) failed during schedulability check", zap.Int("fd", fd), zap.Error(err))
		return sysError("ioctl(ENABLE)", fd, err)
	}
	if err := sys.Ioctl(fd, unix.PERF_EVENT_IOC_DISABLE); err != nil {
		c.b.log.Error("ioctl(DISABLE) failed during schedulability check", zap.Int("fd", fd), zap.Error(err))
		return sysError("ioctl(DISABLE)", fd, err)
	}

	n, err := sys.Read(fd, c.readBuf)
	if err != nil {
		return sysError("read", fd, err)
	}
	if n == 0 {
		c.b.log.Debug("counter could not be scheduled", zap.Int("event", idx), zap.Int("fd", fd))
		return fmt.Errorf("%w: event %d could not be scheduled", ErrConflict, idx)
	}

	// undo the trial run on the events opened before this one; later ones
	// are not open yet
	for i := 0; i < idx; i++ {
		prev := c.events[i].fd
		if err := sys.Ioctl(prev, unix.PERF_EVENT_IOC_RESET); err != nil {
			c.b.log.Error("ioctl(RESET) failed during schedulability check",
				zap.Int("event", i), zap.Int("events", c.numEvents), zap.Int("fd", prev), zap.Error(err))
			return sysError("ioctl(RESET)", prev, err)
		}
	}
	return nil
}
