package perfevent

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/ring"
)

// sampleTimeOffset is where PERF_SAMPLE_TIME lands in a sample record
// opened with PERF_SAMPLE_IP|PERF_SAMPLE_TIME
const sampleTimeOffset = 8

// open opens every configured event. Event 0 leads the group unless the
// group is multiplexed, in which case every event is its own leader.
func (c *Control) open(ctx *Context) error {
	pid := c.tid
	if c.granularity == GranularitySystem {
		pid = -1
	}
	evs := c.events[:c.numEvents]

	for i := range evs {
		ev := &evs[i]
		ev.opened = false
		ev.fd = -1

		if i == 0 || c.multiplexed {
			setBit(&ev.attr, unix.PerfBitPinned, !c.multiplexed)
			setBit(&ev.attr, unix.PerfBitDisabled, true)
			ev.leaderFd = -1
			ev.attr.Read_format = readFormat(c.b.quirks, c.multiplexed, c.inherit, !c.multiplexed)
		} else {
			setBit(&ev.attr, unix.PerfBitPinned, false)
			setBit(&ev.attr, unix.PerfBitDisabled, false)
			ev.leaderFd = evs[0].fd
			ev.attr.Read_format = readFormat(c.b.quirks, c.multiplexed, c.inherit, false)
		}

		fd, err := c.b.sys.PerfEventOpen(&ev.attr, pid, c.cpu, ev.leaderFd)
		if err != nil {
			c.b.log.Debug("perf_event_open failed", zap.Int("event", i), zap.Error(err))
			c.unwind(i)
			return openError(err)
		}
		ev.fd = fd
		c.b.log.Debug("perf_event_open",
			zap.Int("pid", pid), zap.Int("cpu", c.cpu),
			zap.Int("group_fd", ev.leaderFd), zap.Int("fd", fd),
			zap.Uint64("read_format", ev.attr.Read_format))

		// reset cannot clear time_running, so multiplexed groups skip the check
		if !c.multiplexed && c.b.quirks.SchedulabilityUnchecked {
			if err := c.checkSchedulability(i); err != nil {
				c.unwind(i + 1)
				return err
			}
		}
		ev.opened = true
	}

	for i := range evs {
		if evs[i].attr.Sample == 0 {
			evs[i].mapping = nil
			evs[i].samples = nil
			continue
		}
		if err := c.tuneUp(&evs[i]); err != nil {
			c.unwind(len(evs))
			return err
		}
	}
	c.buildMerger()

	ctx.state |= StateOpened
	return nil
}

// tuneUp wires a sampling event for overflow signals and maps its buffer
func (c *Control) tuneUp(ev *Event) error {
	sys := c.b.sys
	fd := ev.fd

	if err := sys.Fcntl(fd, unix.F_SETFL, unix.O_ASYNC|unix.O_NONBLOCK); err != nil {
		c.b.log.Error("fcntl(F_SETFL, O_ASYNC|O_NONBLOCK) failed", zap.Int("fd", fd), zap.Error(err))
		return sysError("fcntl(F_SETFL)", fd, err)
	}

	perThread := c.b.quirks.OwnerExSupported
	if err := sys.SetOwner(fd, sys.Gettid(), perThread); err != nil {
		op := "fcntl(F_SETOWN_EX)"
		if !perThread {
			op = "fcntl(F_SETOWN)"
		}
		c.b.log.Error(op+" failed", zap.Int("fd", fd), zap.Error(err))
		return sysError(op, fd, err)
	}

	if err := sys.Fcntl(fd, unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return sysError("fcntl(F_SETFD)", fd, err)
	}

	// naming the signal explicitly makes the kernel report the source fd in siginfo
	if err := sys.Fcntl(fd, unix.F_SETSIG, int(c.overflowSignal)); err != nil {
		c.b.log.Error("fcntl(F_SETSIG) failed", zap.Int("fd", fd),
			zap.Stringer("signal", c.overflowSignal), zap.Error(err))
		return sysError("fcntl(F_SETSIG)", fd, err)
	}

	length := ev.mmapPages * c.b.pageSize
	mapping, err := sys.Mmap(fd, length)
	if err != nil {
		c.b.log.Error("mmap of sample buffer failed", zap.Int("fd", fd), zap.Int("length", length), zap.Error(err))
		return sysError("mmap", fd, err)
	}
	ev.mapping = mapping

	r, err := ring.New(mapping, uint32(ev.mmapPages-1), uint64(c.b.pageSize))
	if err != nil {
		return fmt.Errorf("%w: sample buffer of fd %d: %w", ErrBug, fd, err)
	}
	ev.samples = r
	c.b.log.Debug("sample buffer mapped", zap.Int("fd", fd), zap.Int("length", length),
		zap.Uint64("mask", r.Mask()))
	return nil
}

// buildMerger collects the sampling buffers of the open group
func (c *Control) buildMerger() {
	c.merger = nil
	c.samplers = c.samplers[:0]
	for i := range c.events[:c.numEvents] {
		ev := &c.events[i]
		if ev.samples == nil {
			continue
		}
		if c.merger == nil {
			c.merger = ring.NewMerger(sampleTimeOffset)
		}
		c.merger.Add(ev.samples)
		c.samplers = append(c.samplers, i)
	}
}

// unwind closes events [0, n) in reverse order after a failed open
func (c *Control) unwind(n int) {
	for i := n - 1; i >= 0; i-- {
		ev := &c.events[i]
		if ev.fd < 0 {
			continue
		}
		if err := c.release(ev); err != nil {
			c.b.log.Debug("unwind release failed", zap.Int("event", i), zap.Error(err))
		}
	}
}

// release unmaps the sampling buffer of ev, then closes its descriptor
func (c *Control) release(ev *Event) error {
	if ev.mapping != nil {
		if err := c.b.sys.Munmap(ev.mapping); err != nil {
			c.b.log.Error("munmap failed", zap.Int("fd", ev.fd), zap.Error(err))
			return sysError("munmap", ev.fd, err)
		}
		ev.mapping = nil
		ev.samples = nil
	}
	if err := c.b.sys.Close(ev.fd); err != nil {
		c.b.log.Error("close failed", zap.Int("fd", ev.fd), zap.Error(err))
		return sysError("close", ev.fd, err)
	}
	ev.fd = -1
	ev.opened = false
	return nil
}

// partition splits the group into followers and leaders. Followers hold a
// reference to their leader and must be closed first.
func (c *Control) partition() (followers, leaders []int) {
	for i := range c.events[:c.numEvents] {
		if c.events[i].leader() {
			leaders = append(leaders, i)
		} else {
			followers = append(followers, i)
		}
	}
	return followers, leaders
}

// closeEvents closes the whole group, followers first. An I/O failure stops
// the teardown and leaves the group state untouched.
func (c *Control) closeEvents(ctx *Context) error {
	if ctx.state&StateRunning != 0 {
		c.b.log.Debug("closing group without stopping it first")
	}

	followers, leaders := c.partition()
	closed, notOpened := 0, 0
	for _, pass := range [][]int{followers, leaders} {
		for _, i := range pass {
			ev := &c.events[i]
			if !ev.opened {
				notOpened++
				continue
			}
			if err := c.release(ev); err != nil {
				return err
			}
			closed++
		}
	}

	var err error
	if closed != c.numEvents && closed+notOpened != c.numEvents {
		c.b.log.Error("did not close all events",
			zap.Int("closed", closed), zap.Int("not_opened", notOpened), zap.Int("expected", c.numEvents))
		err = fmt.Errorf("%w: closed %d, not opened %d, expected %d", ErrBug, closed, notOpened, c.numEvents)
	}

	c.numEvents = 0
	c.merger = nil
	c.samplers = c.samplers[:0]
	ctx.state &^= StateOpened
	return err
}
