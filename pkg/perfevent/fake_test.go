package perfevent

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/kernelinfo"
)

const testPageSize = 4096

type openCall struct {
	attr    unix.PerfEventAttr
	pid     int
	cpu     int
	groupFd int
	fd      int
}

type ioctlCall struct {
	fd  int
	req uint
}

type fcntlCall struct {
	fd  int
	cmd int
	arg int
}

// fakeSys records every call and fails the nth call of an operation on request
type fakeSys struct {
	t      *testing.T
	nextFd int
	open   map[int]bool

	opens  []openCall
	ioctls []ioctlCall
	fcntls []fcntlCall
	closes []int
	owners []bool
	mapped int
	calls  int

	seen  map[string]int
	fails map[string]map[int]unix.Errno

	// readFn serves reads; the default returns a single zero value
	readFn   func(fd int, p []byte) (int, error)
	mappings map[int][]byte
}

func newFakeSys(t *testing.T) *fakeSys {
	return &fakeSys{
		t:        t,
		nextFd:   10,
		open:     make(map[int]bool),
		seen:     make(map[string]int),
		fails:    make(map[string]map[int]unix.Errno),
		mappings: make(map[int][]byte),
		readFn: func(fd int, p []byte) (int, error) {
			clear(p[:8])
			return 8, nil
		},
	}
}

// failNth makes the nth (1-based) call of op fail with errno
func (f *fakeSys) failNth(op string, nth int, errno unix.Errno) {
	if f.fails[op] == nil {
		f.fails[op] = make(map[int]unix.Errno)
	}
	f.fails[op][nth] = errno
}

func (f *fakeSys) step(op string) error {
	f.calls++
	f.seen[op]++
	if errno, ok := f.fails[op][f.seen[op]]; ok {
		return errno
	}
	return nil
}

func (f *fakeSys) openFds() int { return len(f.open) }

func (f *fakeSys) PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFd int) (int, error) {
	if err := f.step("open"); err != nil {
		return -1, err
	}
	if groupFd != -1 {
		require.True(f.t, f.open[groupFd], "group fd %d is not open", groupFd)
	}
	fd := f.nextFd
	f.nextFd++
	f.open[fd] = true
	f.opens = append(f.opens, openCall{attr: *attr, pid: pid, cpu: cpu, groupFd: groupFd, fd: fd})
	return fd, nil
}

func (f *fakeSys) Close(fd int) error {
	if err := f.step("close"); err != nil {
		return err
	}
	require.True(f.t, f.open[fd], "closing fd %d which is not open", fd)
	_, hasMapping := f.mappings[fd]
	require.False(f.t, hasMapping, "closing fd %d before unmapping it", fd)
	delete(f.open, fd)
	f.closes = append(f.closes, fd)
	return nil
}

func (f *fakeSys) Ioctl(fd int, req uint) error {
	if err := f.step("ioctl"); err != nil {
		return err
	}
	f.ioctls = append(f.ioctls, ioctlCall{fd: fd, req: req})
	return nil
}

func (f *fakeSys) Read(fd int, p []byte) (int, error) {
	if err := f.step("read"); err != nil {
		return -1, err
	}
	return f.readFn(fd, p)
}

func (f *fakeSys) Fcntl(fd int, cmd int, arg int) error {
	if err := f.step("fcntl"); err != nil {
		return err
	}
	f.fcntls = append(f.fcntls, fcntlCall{fd: fd, cmd: cmd, arg: arg})
	return nil
}

func (f *fakeSys) SetOwner(fd int, tid int, perThread bool) error {
	if err := f.step("setown"); err != nil {
		return err
	}
	f.owners = append(f.owners, perThread)
	return nil
}

func (f *fakeSys) Mmap(fd int, length int) ([]byte, error) {
	if err := f.step("mmap"); err != nil {
		return nil, err
	}
	b := make([]byte, length)
	f.mappings[fd] = b
	f.mapped++
	return b, nil
}

func (f *fakeSys) Munmap(b []byte) error {
	if err := f.step("munmap"); err != nil {
		return err
	}
	for fd, m := range f.mappings {
		if &m[0] == &b[0] {
			delete(f.mappings, fd)
			f.mapped--
			return nil
		}
	}
	f.t.Fatalf("munmap of unknown mapping")
	return nil
}

func (f *fakeSys) Gettid() int { return 4242 }

// ioctlsOf returns the fds that received req, in order
func (f *fakeSys) ioctlsOf(req uint) []int {
	var fds []int
	for _, c := range f.ioctls {
		if c.req == req {
			fds = append(fds, c.fd)
		}
	}
	return fds
}

type harness struct {
	sys   *fakeSys
	b     *Backend
	ctx   *Context
	c     *Control
	table *events.Table
}

func newHarness(t *testing.T, q kernelinfo.Quirks) *harness {
	t.Helper()
	sys := newFakeSys(t)
	b, err := New(Config{
		Quirks:    q,
		MmapPages: 3,
		PageSize:  testPageSize,
		Logger:    zaptest.NewLogger(t),
		Syscalls:  sys,
	})
	require.NoError(t, err)
	table := events.NewTable()
	return &harness{
		sys:   sys,
		b:     b,
		ctx:   b.InitThread(table),
		c:     b.NewControl(),
		table: table,
	}
}

// modern is a kernel with none of the defects
var modern = kernelinfo.Quirks{OwnerExSupported: true}

func (h *harness) natives(t *testing.T, names ...string) []NativeEvent {
	t.Helper()
	descs := make([]NativeEvent, len(names))
	for i, name := range names {
		code, err := h.table.Lookup(name)
		require.NoError(t, err)
		descs[i] = NativeEvent{Code: code, Position: -1}
	}
	return descs
}

func (h *harness) update(t *testing.T, names ...string) {
	t.Helper()
	require.NoError(t, h.c.Update(h.ctx, h.natives(t, names...)))
}
