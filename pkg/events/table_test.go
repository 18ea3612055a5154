package events

import (
	"errors"
	"testing"

	"github.com/elastic/go-perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLookupAndSetup(t *testing.T) {
	table := NewTable()

	tests := []struct {
		name       string
		wantType   uint32
		wantConfig uint64
	}{
		{"instructions", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS},
		{"CYCLES", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES},
		{"task-clock", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_TASK_CLOCK},
		{"page-faults", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_PAGE_FAULTS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := table.Lookup(tt.name)
			require.NoError(t, err)

			attr := unix.PerfEventAttr{Sample: 1000}
			require.NoError(t, table.Setup(&attr, code))
			assert.Equal(t, tt.wantType, attr.Type)
			assert.Equal(t, tt.wantConfig, attr.Config)
			assert.Equal(t, uint64(1000), attr.Sample, "Setup must only touch selector fields")
		})
	}
}

func TestUnknownEvent(t *testing.T) {
	table := NewTable()

	_, err := table.Lookup("no-such-event")
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	var attr unix.PerfEventAttr
	err = table.Setup(&attr, Code(9999))
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = table.Name(Code(9999))
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestAddReplacesSelector(t *testing.T) {
	table := NewTable()

	code := table.Add("my-counter", perf.Instructions)
	name, err := table.Name(code)
	require.NoError(t, err)
	assert.Equal(t, "my-counter", name)

	again := table.Add("My-Counter", perf.CPUCycles)
	assert.Equal(t, code, again)

	var attr unix.PerfEventAttr
	require.NoError(t, table.Setup(&attr, code))
	assert.Equal(t, uint64(unix.PERF_COUNT_HW_CPU_CYCLES), attr.Config)
}

func TestNamesSorted(t *testing.T) {
	names := NewTable().Names()
	require.NotEmpty(t, names)
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "instructions")
}
