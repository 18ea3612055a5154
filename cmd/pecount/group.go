package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unvariance/perfctr/pkg/affinity"
	"github.com/unvariance/perfctr/pkg/events"
	"github.com/unvariance/perfctr/pkg/kernelinfo"
	"github.com/unvariance/perfctr/pkg/perfevent"
)

// group is one opened event group together with the context it belongs to
type group struct {
	cpu     int // -1 when counting the calling thread
	ctx     *perfevent.Context
	control *perfevent.Control
}

func (g *group) close(log *zap.Logger) {
	if err := g.control.Close(g.ctx); err != nil {
		log.Warn("closing group", zap.Int("cpu", g.cpu), zap.Error(err))
	}
	g.ctx.Shutdown()
}

func (a *app) platform() (kernelinfo.Platform, error) {
	platform, err := kernelinfo.Detect()
	if err != nil {
		return platform, err
	}
	return platform.WithWatchdog(a.cfg.Watchdog)
}

func (a *app) newBackend() (*perfevent.Backend, error) {
	platform, err := a.platform()
	if err != nil {
		return nil, err
	}
	sig, err := a.cfg.Signal()
	if err != nil {
		return nil, err
	}
	a.log.Debug("platform detected",
		zap.String("release", platform.Release),
		zap.Stringer("arch", platform.Arch),
		zap.Bool("watchdog", platform.WatchdogActive))

	return perfevent.New(perfevent.Config{
		Quirks:         platform.Quirks(),
		MmapPages:      a.cfg.MmapPages,
		OverflowSignal: sig,
		Logger:         a.log.Named("perfevent"),
	})
}

// configure applies the configured options to an empty group. A cpu of -1
// counts the calling thread, otherwise the group counts every task on cpu.
func (a *app) configure(ctx *perfevent.Context, c *perfevent.Control, cpu int) error {
	domain, err := a.cfg.ParseDomain()
	if err != nil {
		return err
	}
	opts := []perfevent.Option{perfevent.SetDomain(domain)}
	if cpu >= 0 {
		opts = append(opts,
			perfevent.SetGranularity(perfevent.GranularitySystem),
			perfevent.CPUAttach(cpu))
	}
	if a.cfg.Multiplex {
		opts = append(opts, perfevent.Multiplex())
	}
	if a.cfg.Inherit {
		opts = append(opts, perfevent.SetInherit(true))
	}
	for _, o := range opts {
		if err := c.SetOption(ctx, o); err != nil {
			return fmt.Errorf("option %v: %w", o.Code, err)
		}
	}
	return nil
}

// addEvents adds names to c one at a time and keeps the ones the kernel
// accepts. It returns the accepted names in group order.
func (a *app) addEvents(ctx *perfevent.Context, c *perfevent.Control, table *events.Table, names []string) ([]string, error) {
	var (
		descs    []perfevent.NativeEvent
		added    []string
		unwound  bool
		firstErr error
	)
	for _, name := range names {
		code, err := table.Lookup(name)
		if err != nil {
			a.log.Warn("skipping event", zap.String("event", name), zap.Error(err))
			firstErr = keepFirst(firstErr, err)
			continue
		}
		next := append(descs[:len(descs):len(descs)], perfevent.NativeEvent{Code: code})
		if err := c.Update(ctx, next); err != nil {
			a.log.Warn("cannot add event", zap.String("event", name), zap.Error(err))
			firstErr = keepFirst(firstErr, err)
			unwound = true
			continue
		}
		descs = next
		added = append(added, name)
		unwound = false
	}
	if len(added) == 0 {
		return nil, fmt.Errorf("no event could be added: %w", firstErr)
	}
	// a failed update leaves the group closed
	if unwound {
		if err := c.Update(ctx, descs); err != nil {
			return nil, fmt.Errorf("reopening %v: %w", added, err)
		}
	}
	return added, nil
}

func keepFirst(first, err error) error {
	if first != nil {
		return first
	}
	return err
}

// openGroup opens names on cpu, or on the calling thread when cpu is -1.
// With strict set every name must be accepted.
func (a *app) openGroup(b *perfevent.Backend, table *events.Table, cpu int, names []string, strict bool) (*group, []string, error) {
	ctx := b.InitThread(table)
	c := b.NewControl()
	g := &group{cpu: cpu, ctx: ctx, control: c}

	if err := a.configure(ctx, c, cpu); err != nil {
		ctx.Shutdown()
		return nil, nil, err
	}
	added, err := a.addEvents(ctx, c, table, names)
	if err == nil && strict && len(added) != len(names) {
		err = fmt.Errorf("cpu %d accepted %v of %v", cpu, added, names)
	}
	if err != nil {
		g.close(a.log)
		return nil, nil, err
	}
	return g, added, nil
}

func (a *app) cpus() ([]int, error) {
	if a.cfg.CPU >= 0 {
		return []int{a.cfg.CPU}, nil
	}
	return affinity.Allowed()
}

// openCPUGroups opens one system-wide group per configured CPU. The first
// CPU decides which events are usable; every other CPU must accept the same
// set so their rows line up.
func (a *app) openCPUGroups(b *perfevent.Backend, table *events.Table) ([]*group, []string, error) {
	cpus, err := a.cpus()
	if err != nil {
		return nil, nil, err
	}
	if len(cpus) == 0 {
		return nil, nil, errors.New("no CPU to count on")
	}

	var (
		groups []*group
		names  = a.cfg.Events
	)
	for i, cpu := range cpus {
		g, added, err := a.openGroup(b, table, cpu, names, i > 0)
		if err != nil {
			closeGroups(groups, a.log)
			return nil, nil, fmt.Errorf("cpu %d: %w", cpu, err)
		}
		names = added
		groups = append(groups, g)
	}
	return groups, names, nil
}

func closeGroups(groups []*group, log *zap.Logger) {
	for _, g := range groups {
		g.close(log)
	}
}

func startGroups(groups []*group) error {
	for _, g := range groups {
		if err := g.control.Start(g.ctx); err != nil {
			return fmt.Errorf("starting cpu %d: %w", g.cpu, err)
		}
	}
	return nil
}
