package perfevent

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ScaleCount extrapolates a multiplexed count to the full enabled time. The
// ratio is kept in fixed point with two decimal digits to limit overflow.
// A zero running time with a non-zero enabled time has been seen on real
// kernels; the raw count is returned then.
func ScaleCount(count, enabled, running uint64) uint64 {
	if running == enabled {
		return count
	}
	if running == 0 || enabled == 0 {
		return count
	}
	return (count * ((enabled * 100) / running)) / 100
}

// Read reads every counter of the group. The returned slice is owned by the
// Control and is only valid until the next Read, Update or Close.
func (c *Control) Read(ctx *Context) ([]uint64, error) {
	if c.numEvents == 0 {
		return c.counts[:0], nil
	}

	syncRead := c.b.quirks.TimesNeedSyncRead && ctx.state&StateRunning != 0
	if syncRead {
		if err := c.toggleLeaders(unix.PERF_EVENT_IOC_DISABLE); err != nil {
			return nil, err
		}
	}

	var err error
	switch {
	case c.multiplexed:
		err = c.readMultiplexed()
	case c.b.quirks.GroupReadBroken || c.inherit:
		err = c.readEach()
	default:
		err = c.readGroup()
	}
	if err != nil {
		if syncRead {
			// leave the group counting even though the read failed
			if rerr := c.toggleLeaders(unix.PERF_EVENT_IOC_ENABLE); rerr != nil {
				c.b.log.Debug("re-enabling after failed read", zap.Error(rerr))
			}
		}
		return nil, err
	}

	if syncRead {
		if err := c.toggleLeaders(unix.PERF_EVENT_IOC_ENABLE); err != nil {
			return nil, err
		}
	}
	return c.counts[:c.numEvents], nil
}

// ReadTimes returns the enabled and running times captured by the last read
// of a multiplexed group. Both are zero for other groups.
func (c *Control) ReadTimes() (enabled, running []uint64) {
	return c.enabled[:c.numEvents], c.running[:c.numEvents]
}

func (c *Control) toggleLeaders(req uint) error {
	op := "ioctl(DISABLE)"
	if req == unix.PERF_EVENT_IOC_ENABLE {
		op = "ioctl(ENABLE)"
	}
	for i := range c.events[:c.numEvents] {
		ev := &c.events[i]
		if !ev.leader() {
			continue
		}
		if err := c.b.sys.Ioctl(ev.fd, req); err != nil {
			c.b.log.Error(op+" around read failed", zap.Int("fd", ev.fd), zap.Error(err))
			return sysError(op, ev.fd, err)
		}
	}
	return nil
}

// readMultiplexed reads count, time_enabled and time_running from every event
func (c *Control) readMultiplexed() error {
	for i := range c.events[:c.numEvents] {
		fd := c.events[i].fd
		n, err := c.b.sys.Read(fd, c.readBuf)
		if err != nil {
			c.b.log.Error("read failed", zap.Int("fd", fd), zap.Error(err))
			return sysError("read", fd, err)
		}
		if n < 3*8 {
			c.b.log.Error("short read", zap.Int("fd", fd), zap.Int("bytes", n))
			return fmt.Errorf("%w: short read of %d bytes from fd %d", ErrSystem, n, fd)
		}

		count := binary.NativeEndian.Uint64(c.readBuf[0:])
		enabled := binary.NativeEndian.Uint64(c.readBuf[8:])
		running := binary.NativeEndian.Uint64(c.readBuf[16:])
		if running == 0 && enabled != 0 {
			c.b.log.Debug("counter enabled but never running",
				zap.Int("fd", fd), zap.Uint64("count", count), zap.Uint64("enabled", enabled))
		}

		c.enabled[i] = enabled
		c.running[i] = running
		c.counts[i] = ScaleCount(count, enabled, running)
	}
	return nil
}

// readEach reads a single value from every event
func (c *Control) readEach() error {
	for i := range c.events[:c.numEvents] {
		fd := c.events[i].fd
		n, err := c.b.sys.Read(fd, c.readBuf)
		if err != nil {
			c.b.log.Error("read failed", zap.Int("fd", fd), zap.Error(err))
			return sysError("read", fd, err)
		}
		if n != 8 {
			c.b.log.Error("short read", zap.Int("fd", fd), zap.Int("bytes", n),
				zap.Int("tid", c.tid), zap.Int("cpu", c.cpu))
			return fmt.Errorf("%w: read of %d bytes from fd %d, want 8", ErrSystem, n, fd)
		}
		c.counts[i] = binary.NativeEndian.Uint64(c.readBuf)
	}
	return nil
}

// readGroup reads the whole group through its leader: the number of events
// followed by one value per event.
func (c *Control) readGroup() error {
	leader := &c.events[0]
	if !leader.leader() {
		c.b.log.Error("event 0 is not a group leader", zap.Int("fd", leader.fd))
	}

	n, err := c.b.sys.Read(leader.fd, c.readBuf)
	if err != nil {
		c.b.log.Error("read failed", zap.Int("fd", leader.fd), zap.Error(err))
		return sysError("read", leader.fd, err)
	}
	if n < 8 {
		c.b.log.Error("short read", zap.Int("fd", leader.fd), zap.Int("bytes", n))
		return fmt.Errorf("%w: short group read of %d bytes from fd %d", ErrSystem, n, leader.fd)
	}

	nr := binary.NativeEndian.Uint64(c.readBuf)
	if nr != uint64(c.numEvents) {
		c.b.log.Error("wrong number of events in group read",
			zap.Uint64("kernel", nr), zap.Int("group", c.numEvents))
		return fmt.Errorf("%w: %w: kernel reported %d events, group has %d", ErrBug, ErrReadFormat, nr, c.numEvents)
	}
	if n < 8*(1+c.numEvents) {
		c.b.log.Error("short read", zap.Int("fd", leader.fd), zap.Int("bytes", n))
		return fmt.Errorf("%w: short group read of %d bytes from fd %d", ErrSystem, n, leader.fd)
	}
	for i := range c.counts[:c.numEvents] {
		c.counts[i] = binary.NativeEndian.Uint64(c.readBuf[8*(1+i):])
	}
	return nil
}
