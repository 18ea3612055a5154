package perfevent

import (
	"runtime"
	"testing"

	"github.com/elastic/go-perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/kernelinfo"
)

const workloadIterations = 1000000

var sink float64

func workload() {
	sum := 0.0
	for i := 0; i < workloadIterations; i++ {
		sum += float64(i)
	}
	sink = sum
}

// kernelGroup opens names on the calling thread, skipping the test when the
// kernel or the sandbox does not allow it
func kernelGroup(t *testing.T, multiplexed bool, names ...string) (*Context, *Control) {
	t.Helper()
	if !perf.Supported() {
		t.Skip("perf_event not supported")
	}
	platform, err := kernelinfo.Detect()
	require.NoError(t, err)

	b, err := New(Config{Quirks: platform.Quirks(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	table := events.NewTable()
	ctx := b.InitThread(table)
	c := b.NewControl()

	if multiplexed {
		if err := c.SetOption(ctx, Multiplex()); err != nil {
			t.Skipf("multiplexing not permitted: %v", err)
		}
	}

	descs := make([]NativeEvent, len(names))
	for i, name := range names {
		code, err := table.Lookup(name)
		require.NoError(t, err)
		descs[i].Code = code
	}
	if err := c.Update(ctx, descs); err != nil {
		t.Skipf("cannot open %v: %v", names, err)
	}
	t.Cleanup(func() { assert.NoError(t, c.Close(ctx)) })
	return ctx, c
}

func TestKernelCountInstructions(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, c := kernelGroup(t, false, "instructions")
	require.NoError(t, c.Start(ctx))
	workload()
	require.NoError(t, c.Stop(ctx))

	counts, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Greater(t, counts[0], uint64(workloadIterations))
	assert.Less(t, counts[0], uint64(1000*workloadIterations))
}

func TestKernelMultiplexed(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, c := kernelGroup(t, true, "instructions", "cycles")
	require.NoError(t, c.Start(ctx))
	workload()
	require.NoError(t, c.Stop(ctx))

	counts, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	for i, v := range counts {
		assert.Greater(t, v, uint64(0), "event %d", i)
	}
	assert.Greater(t, counts[0], uint64(workloadIterations))

	enabled, running := c.ReadTimes()
	for i := range enabled {
		assert.LessOrEqual(t, running[i], enabled[i], "event %d", i)
	}
}
