package perfevent

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/kernelinfo"
	"github.com/unvariance/perfctr/pkg/ring"
)

const attrSize = uint32(unsafe.Sizeof(unix.PerfEventAttr{}))

// DefaultMmapPages is one metadata page followed by eight data pages
const DefaultMmapPages = 1 + 8

// Domain selects the execution modes a counter counts in
type Domain uint

const (
	DomainUser Domain = 1 << iota
	DomainKernel
	DomainSupervisor

	DomainAll = DomainUser | DomainKernel | DomainSupervisor
)

var domainNames = []struct {
	d    Domain
	name string
}{
	{DomainUser, "user"},
	{DomainKernel, "kernel"},
	{DomainSupervisor, "supervisor"},
}

func (d Domain) String() string {
	var parts []string
	for _, dn := range domainNames {
		if d&dn.d != 0 {
			parts = append(parts, dn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseDomain parses a comma or pipe separated list of domain names. "all"
// selects every domain.
func ParseDomain(s string) (Domain, error) {
	var d Domain
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "all" {
			d |= DomainAll
			continue
		}
		found := false
		for _, dn := range domainNames {
			if dn.name == f {
				d |= dn.d
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown domain %q", ErrInvalid, f)
		}
	}
	if d == 0 {
		return 0, fmt.Errorf("%w: empty domain", ErrInvalid)
	}
	return d, nil
}

// Granularity is the scope a group counts over. Only GranularityThread and
// GranularitySystem are supported.
type Granularity int

const (
	GranularityThread Granularity = iota
	GranularityProcess
	GranularityProcessGroup
	GranularitySystem
	GranularitySystemCPU
)

func (g Granularity) String() string {
	switch g {
	case GranularityThread:
		return "thread"
	case GranularityProcess:
		return "process"
	case GranularityProcessGroup:
		return "process-group"
	case GranularitySystem:
		return "system"
	case GranularitySystemCPU:
		return "system-cpu"
	}
	return fmt.Sprintf("granularity(%d)", int(g))
}

// Config configures a Backend. Zero values select defaults.
type Config struct {
	Quirks kernelinfo.Quirks
	// MmapPages is the size of each sampling buffer in pages: one metadata
	// page plus a power of two of data pages.
	MmapPages int
	// OverflowSignal is delivered to the owning thread when a sampling
	// buffer fills. Defaults to SIGIO.
	OverflowSignal unix.Signal
	PageSize       int
	Logger         *zap.Logger
	Syscalls       Syscalls
}

// Backend holds state shared by every group of the process
type Backend struct {
	quirks         kernelinfo.Quirks
	pageSize       int
	mmapPages      int
	overflowSignal unix.Signal
	log            *zap.Logger
	sys            Syscalls
}

// New returns a Backend for cfg
func New(cfg Config) (*Backend, error) {
	b := &Backend{
		quirks:         cfg.Quirks,
		pageSize:       cfg.PageSize,
		mmapPages:      cfg.MmapPages,
		overflowSignal: cfg.OverflowSignal,
		log:            cfg.Logger,
		sys:            cfg.Syscalls,
	}
	if b.pageSize == 0 {
		b.pageSize = os.Getpagesize()
	}
	if b.mmapPages == 0 {
		b.mmapPages = DefaultMmapPages
	}
	if data := b.mmapPages - 1; data < 1 || data&(data-1) != 0 {
		return nil, fmt.Errorf("%w: mmap pages must be 1 plus a power of two, got %d", ErrInvalid, b.mmapPages)
	}
	if b.overflowSignal == 0 {
		b.overflowSignal = unix.SIGIO
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.sys == nil {
		b.sys = UnixSyscalls()
	}
	b.log.Debug("perf_event backend ready",
		zap.Stringer("quirks", b.quirks),
		zap.Int("page_size", b.pageSize),
		zap.Int("mmap_pages", b.mmapPages))
	return b, nil
}

// Quirks returns the kernel defects the backend compensates for
func (b *Backend) Quirks() kernelinfo.Quirks { return b.quirks }

// State is the bitmask of a Context's group state
type State uint

const (
	StateOpened State = 1 << iota
	StateRunning
)

// Context is the per-thread monitoring state. It holds no kernel resources.
type Context struct {
	state       State
	initialized bool
	table       *events.Table
}

// InitThread returns a Context resolving event codes through table
func (b *Backend) InitThread(table *events.Table) *Context {
	return &Context{initialized: true, table: table}
}

// State returns the current state bits
func (x *Context) State() State { return x.state }

// Initialized reports whether the context is live
func (x *Context) Initialized() bool { return x.initialized }

// Shutdown marks the context as no longer in use
func (x *Context) Shutdown() {
	x.initialized = false
}

// NativeEvent is one requested counter. Update fills in Position.
type NativeEvent struct {
	Code events.Code
	// SamplePeriod enables sampling with a ring buffer when non-zero
	SamplePeriod uint64
	Position     int
}

// Event is one counter of a group
type Event struct {
	code      events.Code
	attr      unix.PerfEventAttr
	fd        int
	leaderFd  int
	opened    bool
	mmapPages int
	mapping   []byte
	samples   *ring.Ring
}

func (ev *Event) leader() bool { return ev.leaderFd == -1 }

// Control is the state of one event group
type Control struct {
	b *Backend

	tid            int
	cpu            int
	domain         Domain
	granularity    Granularity
	multiplexed    bool
	inherit        bool
	overflowSignal unix.Signal

	events    []Event
	numEvents int
	counts    []uint64
	enabled   []uint64
	running   []uint64
	readBuf   []byte

	merger   *ring.Merger
	samplers []int
}

// NewControl returns an empty group counting the calling thread in user mode
func (b *Backend) NewControl() *Control {
	return &Control{
		b:              b,
		tid:            0,
		cpu:            -1,
		domain:         DomainUser,
		granularity:    GranularityThread,
		overflowSignal: b.overflowSignal,
	}
}

// TID returns the thread counted, 0 for the calling thread and -1 for none
func (c *Control) TID() int { return c.tid }

// CPU returns the CPU counted on, -1 for any
func (c *Control) CPU() int { return c.cpu }

// Domain returns the counting domain
func (c *Control) Domain() Domain { return c.domain }

// Granularity returns the counting scope
func (c *Control) Granularity() Granularity { return c.granularity }

// Multiplexed reports whether every event leads its own group
func (c *Control) Multiplexed() bool { return c.multiplexed }

// Inherit reports whether child threads are counted
func (c *Control) Inherit() bool { return c.inherit }

// NumEvents returns the number of events in the group
func (c *Control) NumEvents() int { return c.numEvents }

// Labels returns the event names of the group in position order
func (c *Control) Labels(ctx *Context) []string {
	labels := make([]string, c.numEvents)
	for i := range labels {
		name, err := ctx.table.Name(c.events[i].code)
		if err != nil {
			name = fmt.Sprintf("event%d", i)
		}
		labels[i] = name
	}
	return labels
}

func setBit(attr *unix.PerfEventAttr, bit uint64, on bool) {
	if on {
		attr.Bits |= bit
	} else {
		attr.Bits &^= bit
	}
}

func applyDomain(attr *unix.PerfEventAttr, d Domain) {
	setBit(attr, unix.PerfBitExcludeUser, d&DomainUser == 0)
	setBit(attr, unix.PerfBitExcludeKernel, d&DomainKernel == 0)
	setBit(attr, unix.PerfBitExcludeHv, d&DomainSupervisor == 0)
}

// setDomain forces d onto every event of the group
func (c *Control) setDomain(d Domain) {
	c.b.log.Debug("setting domain", zap.Stringer("old", c.domain), zap.Stringer("new", d))
	c.domain = d
	for i := range c.events[:c.numEvents] {
		applyDomain(&c.events[i].attr, d)
	}
}

// Update replaces the group with descs. Any open descriptors are closed
// first; an empty descs leaves the group closed.
func (c *Control) Update(ctx *Context, descs []NativeEvent) error {
	return c.update(ctx, descs, len(descs))
}

// update rebuilds the group with count events. A nil descs reopens the
// existing attribute blocks.
func (c *Control) update(ctx *Context, descs []NativeEvent, count int) error {
	if err := c.closeEvents(ctx); err != nil {
		return err
	}
	if count == 0 {
		c.b.log.Debug("update with no events")
		return nil
	}
	if descs == nil && count > len(c.events) {
		return fmt.Errorf("%w: rebuild of %d events with %d configured", ErrBug, count, len(c.events))
	}

	if len(c.events) < count {
		c.events = append(c.events, make([]Event, count-len(c.events))...)
	}
	for i := 0; i < count; i++ {
		ev := &c.events[i]
		if descs != nil {
			if err := c.setupEvent(ctx, ev, descs[i]); err != nil {
				return err
			}
			descs[i].Position = i
		}
		setBit(&ev.attr, unix.PerfBitInherit, c.inherit)
	}

	c.numEvents = count
	c.setDomain(c.domain)
	if len(c.counts) != count {
		c.counts = make([]uint64, count)
		c.enabled = make([]uint64, count)
		c.running = make([]uint64, count)
		c.readBuf = make([]byte, 8*(3+2*count))
	}

	if err := c.open(ctx); err != nil {
		c.b.log.Debug("opening group failed", zap.Int("events", count), zap.Error(err))
		return err
	}
	return nil
}

func (c *Control) setupEvent(ctx *Context, ev *Event, desc NativeEvent) error {
	*ev = Event{code: desc.Code, fd: -1, leaderFd: -1}
	ev.attr.Size = attrSize
	if err := ctx.table.Setup(&ev.attr, desc.Code); err != nil {
		return fmt.Errorf("%w: %w", ErrEventTable, err)
	}
	if desc.SamplePeriod != 0 {
		ev.attr.Sample = desc.SamplePeriod
		ev.attr.Sample_type = unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TIME
		ev.attr.Wakeup = 1
		ev.mmapPages = c.b.mmapPages
	}
	c.b.log.Debug("event configured",
		zap.Uint32("type", ev.attr.Type),
		zap.Uint64("config", ev.attr.Config),
		zap.Uint64("sample_period", ev.attr.Sample))
	return nil
}

// Start zeroes every counter and enables the group leaders
func (c *Control) Start(ctx *Context) error {
	if err := c.Reset(ctx); err != nil {
		return err
	}

	enabled := 0
	for i := range c.events[:c.numEvents] {
		ev := &c.events[i]
		if !ev.leader() {
			continue
		}
		c.b.log.Debug("enable", zap.Int("fd", ev.fd))
		if err := c.b.sys.Ioctl(ev.fd, unix.PERF_EVENT_IOC_ENABLE); err != nil {
			c.b.log.Error("enabling counter failed", zap.Int("fd", ev.fd), zap.Error(err))
			return sysError("ioctl(ENABLE)", ev.fd, err)
		}
		enabled++
	}
	if enabled == 0 {
		c.b.log.Error("no group leader to enable", zap.Int("events", c.numEvents))
		return fmt.Errorf("%w: no group leader to enable", ErrBug)
	}

	ctx.state |= StateRunning
	return nil
}

// Stop disables the group leaders
func (c *Control) Stop(ctx *Context) error {
	for i := range c.events[:c.numEvents] {
		ev := &c.events[i]
		if !ev.leader() {
			continue
		}
		if err := c.b.sys.Ioctl(ev.fd, unix.PERF_EVENT_IOC_DISABLE); err != nil {
			c.b.log.Error("disabling counter failed", zap.Int("fd", ev.fd), zap.Error(err))
			return sysError("ioctl(DISABLE)", ev.fd, err)
		}
	}
	ctx.state &^= StateRunning
	return nil
}

// Reset zeroes every counter of the group. Resetting a leader does not
// reset its followers, so every event is reset.
func (c *Control) Reset(ctx *Context) error {
	for i := range c.events[:c.numEvents] {
		ev := &c.events[i]
		if err := c.b.sys.Ioctl(ev.fd, unix.PERF_EVENT_IOC_RESET); err != nil {
			c.b.log.Error("resetting counter failed", zap.Int("fd", ev.fd), zap.Error(err))
			return sysError("ioctl(RESET)", ev.fd, err)
		}
	}
	return nil
}

// Write would set counter values. The kernel has no such operation.
func (c *Control) Write(ctx *Context, values []uint64) error {
	return fmt.Errorf("%w: counters cannot be written", ErrUnsupported)
}

// Close releases every kernel resource of the group
func (c *Control) Close(ctx *Context) error {
	return c.closeEvents(ctx)
}
