package metrics

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/kernelinfo"
	"github.com/unvariance/perfctr/pkg/perfevent"
)

type staticSource struct {
	labels []string
	counts []uint64
	err    error
}

func (s *staticSource) Labels() []string        { return s.labels }
func (s *staticSource) Read() ([]uint64, error) { return s.counts, s.err }

func TestCollector(t *testing.T) {
	src := &staticSource{labels: []string{"cycles", "instructions"}, counts: []uint64{2000, 1000}}
	c := NewCollector(src, prometheus.Labels{"cpu": "3"}, zaptest.NewLogger(t))

	expected := `
# HELP perfctr_group_events_total Value of the hardware or software counter, scaled when multiplexed.
# TYPE perfctr_group_events_total counter
perfctr_group_events_total{cpu="3",event="cycles"} 2000
perfctr_group_events_total{cpu="3",event="instructions"} 1000
# HELP perfctr_group_read_errors_total Number of failed counter reads.
# TYPE perfctr_group_read_errors_total counter
perfctr_group_read_errors_total{cpu="3"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestCollectorReadError(t *testing.T) {
	src := &staticSource{labels: []string{"cycles"}, err: errors.New("boom")}
	c := NewCollector(src, nil, zaptest.NewLogger(t))

	assert.Equal(t, 1, testutil.CollectAndCount(c), "only the error counter")
	assert.Equal(t, 1, testutil.CollectAndCount(c, "perfctr_group_read_errors_total"))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.readErrors))
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	src := &staticSource{labels: []string{"cycles"}, counts: []uint64{1}}
	require.NoError(t, reg.Register(NewCollector(src, nil, nil)))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 2)
}

// groupSys opens counters without a kernel and reports fixed group values
type groupSys struct {
	next   int
	values []uint64
}

func (s *groupSys) PerfEventOpen(*unix.PerfEventAttr, int, int, int) (int, error) {
	s.next++
	return 100 + s.next, nil
}
func (s *groupSys) Close(int) error               { return nil }
func (s *groupSys) Ioctl(int, uint) error         { return nil }
func (s *groupSys) Fcntl(int, int, int) error     { return nil }
func (s *groupSys) SetOwner(int, int, bool) error { return nil }
func (s *groupSys) Mmap(int, int) ([]byte, error) { return nil, unix.ENOMEM }
func (s *groupSys) Munmap([]byte) error           { return nil }
func (s *groupSys) Gettid() int                   { return 1 }

func (s *groupSys) Read(fd int, p []byte) (int, error) {
	binary.NativeEndian.PutUint64(p, uint64(len(s.values)))
	for i, v := range s.values {
		binary.NativeEndian.PutUint64(p[8*(1+i):], v)
	}
	return 8 * (1 + len(s.values)), nil
}

func TestControlSource(t *testing.T) {
	sys := &groupSys{values: []uint64{7, 9}}
	b, err := perfevent.New(perfevent.Config{Quirks: kernelinfo.Quirks{OwnerExSupported: true}, Syscalls: sys, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	table := events.NewTable()
	ctx := b.InitThread(table)
	control := b.NewControl()

	var descs []perfevent.NativeEvent
	for _, name := range []string{"cycles", "instructions"} {
		code, err := table.Lookup(name)
		require.NoError(t, err)
		descs = append(descs, perfevent.NativeEvent{Code: code})
	}
	require.NoError(t, control.Update(ctx, descs))

	src := NewControlSource(ctx, control)
	assert.Equal(t, []string{"cycles", "instructions"}, src.Labels())
	counts, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 9}, counts)

	sys.values = []uint64{8, 10}
	again, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 10}, again)
	assert.Equal(t, []uint64{7, 9}, counts, "earlier reads are not overwritten")
}
