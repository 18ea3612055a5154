package perfevent

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/kernelinfo"
)

func putValues(p []byte, values ...uint64) int {
	for i, v := range values {
		binary.NativeEndian.PutUint64(p[8*i:], v)
	}
	return 8 * len(values)
}

func TestScaleCount(t *testing.T) {
	tests := []struct {
		name                    string
		count, enabled, running uint64
		want                    uint64
	}{
		{"always running", 1000, 500, 500, 1000},
		{"never enabled", 1000, 0, 0, 1000},
		{"half the time", 1000, 200, 100, 2000},
		{"two thirds", 1000, 300, 200, 1500},
		{"truncated ratio", 1000, 1000, 300, 3330},
		{"enabled but never running", 1000, 500, 0, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScaleCount(tt.count, tt.enabled, tt.running))
		})
	}
}

func TestReadGrouped(t *testing.T) {
	h := newHarness(t, modern)
	h.update(t, threeEvents...)
	leader := h.sys.opens[0].fd

	var readFds []int
	h.sys.readFn = func(fd int, p []byte) (int, error) {
		readFds = append(readFds, fd)
		return putValues(p, 3, 100, 200, 300), nil
	}

	counts, err := h.c.Read(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200, 300}, counts)
	assert.Equal(t, []int{leader}, readFds, "a grouped read goes through the leader only")
}

func TestReadGroupedHeaderMismatch(t *testing.T) {
	h := newHarness(t, modern)
	h.update(t, threeEvents...)

	for _, nr := range []uint64{0, 1, 2, 4, 5, 1 << 40} {
		h.sys.readFn = func(fd int, p []byte) (int, error) {
			n := putValues(p, nr)
			for i := 0; i < 4; i++ {
				n += putValues(p[n:], 7)
			}
			return n, nil
		}
		_, err := h.c.Read(h.ctx)
		assert.ErrorIs(t, err, ErrReadFormat, "header %d", nr)
		assert.ErrorIs(t, err, ErrBug, "header %d", nr)
	}
}

func TestReadGroupedShort(t *testing.T) {
	h := newHarness(t, modern)
	h.update(t, threeEvents...)
	h.sys.readFn = func(fd int, p []byte) (int, error) {
		return putValues(p, 3, 100), nil
	}
	_, err := h.c.Read(h.ctx)
	assert.ErrorIs(t, err, ErrSystem)
	assert.NotErrorIs(t, err, ErrBug)
}

func TestReadMultiplexed(t *testing.T) {
	h := newHarness(t, modern)
	h.c.multiplexed = true
	h.update(t, "instructions", "cycles", "branches")

	values := map[int][3]uint64{
		h.sys.opens[0].fd: {1000, 500, 500},
		h.sys.opens[1].fd: {1000, 200, 100},
		h.sys.opens[2].fd: {1000, 400, 0},
	}
	h.sys.readFn = func(fd int, p []byte) (int, error) {
		v := values[fd]
		return putValues(p, v[0], v[1], v[2]), nil
	}

	counts, err := h.c.Read(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000, 2000, 1000}, counts)

	enabled, running := h.c.ReadTimes()
	assert.Equal(t, []uint64{500, 200, 400}, enabled)
	assert.Equal(t, []uint64{500, 100, 0}, running)
}

func TestReadMultiplexedShort(t *testing.T) {
	h := newHarness(t, modern)
	h.c.multiplexed = true
	h.update(t, "cycles")
	h.sys.readFn = func(fd int, p []byte) (int, error) {
		return putValues(p, 1, 2), nil
	}
	_, err := h.c.Read(h.ctx)
	assert.ErrorIs(t, err, ErrSystem)
}

func TestReadEach(t *testing.T) {
	tests := []struct {
		name    string
		quirks  kernelinfo.Quirks
		inherit bool
	}{
		{"inherited", modern, true},
		{"broken group read", kernelinfo.Quirks{GroupReadBroken: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.quirks)
			h.c.inherit = tt.inherit
			h.update(t, threeEvents...)
			for _, o := range h.sys.opens {
				assert.Zero(t, o.attr.Read_format&unix.PERF_FORMAT_GROUP)
			}

			h.sys.readFn = func(fd int, p []byte) (int, error) {
				return putValues(p, uint64(fd)*10), nil
			}
			counts, err := h.c.Read(h.ctx)
			require.NoError(t, err)
			for i, o := range h.sys.opens {
				assert.Equal(t, uint64(o.fd)*10, counts[i])
			}

			h.sys.readFn = func(fd int, p []byte) (int, error) {
				return putValues(p, 1, 2), nil
			}
			_, err = h.c.Read(h.ctx)
			assert.ErrorIs(t, err, ErrSystem)
		})
	}
}

func TestReadSyncQuirk(t *testing.T) {
	h := newHarness(t, kernelinfo.Quirks{TimesNeedSyncRead: true})
	h.c.multiplexed = true
	h.update(t, "instructions", "cycles")
	h.sys.readFn = func(fd int, p []byte) (int, error) {
		return putValues(p, 10, 1, 1), nil
	}

	// not running: no toggling
	_, err := h.c.Read(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, h.sys.ioctls)

	require.NoError(t, h.c.Start(h.ctx))
	h.sys.ioctls = nil

	_, err = h.c.Read(h.ctx)
	require.NoError(t, err)
	fds := []int{h.sys.opens[0].fd, h.sys.opens[1].fd}
	assert.Equal(t, []ioctlCall{
		{fds[0], unix.PERF_EVENT_IOC_DISABLE},
		{fds[1], unix.PERF_EVENT_IOC_DISABLE},
		{fds[0], unix.PERF_EVENT_IOC_ENABLE},
		{fds[1], unix.PERF_EVENT_IOC_ENABLE},
	}, h.sys.ioctls)
}

func TestReadSyncQuirkLeadersOnly(t *testing.T) {
	h := newHarness(t, kernelinfo.Quirks{TimesNeedSyncRead: true, GroupReadBroken: true})
	h.update(t, threeEvents...)
	require.NoError(t, h.c.Start(h.ctx))
	h.sys.ioctls = nil

	_, err := h.c.Read(h.ctx)
	require.NoError(t, err)
	leader := h.sys.opens[0].fd
	assert.Equal(t, []int{leader}, h.sys.ioctlsOf(unix.PERF_EVENT_IOC_DISABLE))
	assert.Equal(t, []int{leader}, h.sys.ioctlsOf(unix.PERF_EVENT_IOC_ENABLE))
}

func TestReadDoesNotAllocate(t *testing.T) {
	h := newHarness(t, modern)
	h.update(t, threeEvents...)
	h.sys.readFn = func(fd int, p []byte) (int, error) {
		binary.NativeEndian.PutUint64(p, 3)
		return 32, nil
	}

	allocs := testing.AllocsPerRun(100, func() {
		if _, err := h.c.Read(h.ctx); err != nil {
			t.Fatal(err)
		}
	})
	assert.Zero(t, allocs)
}

func TestReadEmptyGroup(t *testing.T) {
	h := newHarness(t, kernelinfo.Quirks{TimesNeedSyncRead: true})

	counts, err := h.c.Read(h.ctx)
	require.NoError(t, err, "never populated")
	assert.Empty(t, counts)

	h.update(t, "instructions", "cycles")
	require.NoError(t, h.c.Update(h.ctx, nil))
	reads := h.sys.seen["read"]

	counts, err = h.c.Read(h.ctx)
	require.NoError(t, err, "emptied")
	assert.Empty(t, counts)
	assert.Equal(t, reads, h.sys.seen["read"], "closed descriptors are not read")
	assert.Empty(t, h.sys.ioctls)
}

func TestReadSyncQuirkFailureReenables(t *testing.T) {
	h := newHarness(t, kernelinfo.Quirks{TimesNeedSyncRead: true})
	h.c.multiplexed = true
	h.update(t, "instructions", "cycles")
	require.NoError(t, h.c.Start(h.ctx))
	h.sys.ioctls = nil
	h.sys.failNth("read", h.sys.seen["read"]+1, unix.EIO)

	_, err := h.c.Read(h.ctx)
	require.ErrorIs(t, err, ErrSystem)
	fds := []int{h.sys.opens[0].fd, h.sys.opens[1].fd}
	assert.Equal(t, fds, h.sys.ioctlsOf(unix.PERF_EVENT_IOC_DISABLE))
	assert.Equal(t, fds, h.sys.ioctlsOf(unix.PERF_EVENT_IOC_ENABLE), "group left counting")
	assert.NotZero(t, h.ctx.State()&StateRunning)
}
