package perfevent

import (
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMap(t *testing.T, typ ebpf.MapType, entries uint32) *ebpf.Map {
	t.Helper()
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "perfctr_test",
		Type:       typ,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: entries,
	})
	if err != nil {
		t.Skipf("cannot create BPF map: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPublishFDsRejectsMap(t *testing.T) {
	h := newHarness(t, modern)
	h.update(t, "cycles", "instructions", "branches")

	err := h.c.PublishFDs(newMap(t, ebpf.Array, 8))
	assert.ErrorIs(t, err, ErrInvalid, "not a perf event array")

	err = h.c.PublishFDs(newMap(t, ebpf.PerfEventArray, 2))
	assert.ErrorIs(t, err, ErrInvalid, "too small for the group")
}

func TestPublishFDsRealCounter(t *testing.T) {
	ctx, c := kernelGroup(t, false, "instructions")
	require.NotNil(t, ctx)
	require.NoError(t, c.PublishFDs(newMap(t, ebpf.PerfEventArray, 4)))
}
