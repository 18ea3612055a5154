package perfevent

import (
	"fmt"

	"go.uber.org/zap"
)

// OptionCode identifies a configuration change
type OptionCode int

const (
	OptMultiplex OptionCode = iota + 1
	OptAttach
	OptDetach
	OptCPUAttach
	OptDomain
	OptGranularity
	OptInherit
	OptDataAddress
	OptInstrAddress
	OptDefItimer
	OptDefMpxNs
	OptDefItimerNs
)

var optionNames = map[OptionCode]string{
	OptMultiplex:    "multiplex",
	OptAttach:       "attach",
	OptDetach:       "detach",
	OptCPUAttach:    "cpu-attach",
	OptDomain:       "domain",
	OptGranularity:  "granularity",
	OptInherit:      "inherit",
	OptDataAddress:  "data-address",
	OptInstrAddress: "instr-address",
	OptDefItimer:    "def-itimer",
	OptDefMpxNs:     "def-mpx-ns",
	OptDefItimerNs:  "def-itimer-ns",
}

func (o OptionCode) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("option(%d)", int(o))
}

// Option is a configuration change for a Control. Only the fields relevant
// to Code are read.
type Option struct {
	Code        OptionCode
	TID         int
	CPU         int
	Domain      Domain
	Granularity Granularity
	Inherit     bool
}

// Multiplex time-shares the counters, each event leading its own group
func Multiplex() Option { return Option{Code: OptMultiplex} }

// Attach counts thread tid instead of the calling thread
func Attach(tid int) Option { return Option{Code: OptAttach, TID: tid} }

// Detach returns to counting the calling thread
func Detach() Option { return Option{Code: OptDetach} }

// CPUAttach counts every task running on cpu
func CPUAttach(cpu int) Option { return Option{Code: OptCPUAttach, CPU: cpu} }

// SetDomain changes the counting domain of every event
func SetDomain(d Domain) Option { return Option{Code: OptDomain, Domain: d} }

// SetGranularity changes the counting scope
func SetGranularity(g Granularity) Option { return Option{Code: OptGranularity, Granularity: g} }

// SetInherit controls whether child threads are counted
func SetInherit(inherit bool) Option { return Option{Code: OptInherit, Inherit: inherit} }

// optionRule describes how one option is applied. When check is set, the
// prospective configuration it returns must be accepted by the kernel before
// commit runs. When rebuild is set, the group is reopened after commit and
// the returned undo restores the old configuration if that fails.
type optionRule struct {
	check   func(c *Control, o Option) permissionTarget
	commit  func(c *Control, o Option) (undo func(), err error)
	rebuild bool
}

var optionRules = map[OptionCode]optionRule{
	OptMultiplex: {
		check: func(c *Control, o Option) permissionTarget {
			t := c.target()
			t.multiplexed = true
			return t
		},
		commit: func(c *Control, o Option) (func(), error) {
			old := c.multiplexed
			c.multiplexed = true
			return func() { c.multiplexed = old }, nil
		},
		rebuild: true,
	},
	OptAttach: {
		check: func(c *Control, o Option) permissionTarget {
			t := c.target()
			t.tid = o.TID
			return t
		},
		commit: func(c *Control, o Option) (func(), error) {
			old := c.tid
			c.tid = o.TID
			return func() { c.tid = old }, nil
		},
		rebuild: true,
	},
	OptDetach: {
		commit: func(c *Control, o Option) (func(), error) {
			c.tid = 0
			return nil, nil
		},
	},
	OptCPUAttach: {
		check: func(c *Control, o Option) permissionTarget {
			t := c.target()
			t.cpu = o.CPU
			return t
		},
		commit: func(c *Control, o Option) (func(), error) {
			// a CPU-bound counter must not name a thread
			c.tid = -1
			c.cpu = o.CPU
			return nil, nil
		},
	},
	OptDomain: {
		check: func(c *Control, o Option) permissionTarget {
			t := c.target()
			t.domain = o.Domain
			return t
		},
		commit: func(c *Control, o Option) (func(), error) {
			c.setDomain(o.Domain)
			return nil, nil
		},
	},
	OptGranularity: {
		commit: func(c *Control, o Option) (func(), error) {
			switch o.Granularity {
			case GranularityThread, GranularitySystem:
				c.granularity = o.Granularity
				return nil, nil
			case GranularityProcessGroup:
				return nil, fmt.Errorf("%w: granularity %v", ErrNotComparable, o.Granularity)
			default:
				return nil, fmt.Errorf("%w: granularity %v", ErrUnsupported, o.Granularity)
			}
		},
	},
	OptInherit: {
		check: func(c *Control, o Option) permissionTarget {
			t := c.target()
			t.inherit = o.Inherit
			return t
		},
		commit: func(c *Control, o Option) (func(), error) {
			c.inherit = o.Inherit
			return nil, nil
		},
	},
	OptDataAddress:  unsupportedOption,
	OptInstrAddress: unsupportedOption,
	OptDefItimer:    acceptedOption,
	OptDefMpxNs:     unsupportedOption,
	OptDefItimerNs:  acceptedOption,
}

var unsupportedOption = optionRule{
	commit: func(c *Control, o Option) (func(), error) {
		return nil, fmt.Errorf("%w: option %v", ErrUnsupported, o.Code)
	},
}

var acceptedOption = optionRule{
	commit: func(c *Control, o Option) (func(), error) { return nil, nil },
}

// SetOption applies o to the group. A rejected option leaves the
// configuration unchanged.
func (c *Control) SetOption(ctx *Context, o Option) error {
	rule, ok := optionRules[o.Code]
	if !ok {
		return fmt.Errorf("%w: option %v", ErrUnsupported, o.Code)
	}

	if rule.check != nil {
		if err := c.b.checkPermission(rule.check(c, o)); err != nil {
			return err
		}
	}

	// the group size must be captured before the rebuild closes it
	n := c.numEvents
	undo, err := rule.commit(c, o)
	if err != nil {
		return err
	}
	c.b.log.Debug("option applied", zap.Stringer("option", o.Code), zap.Bool("rebuild", rule.rebuild))
	if !rule.rebuild {
		return nil
	}

	if err := c.update(ctx, nil, n); err != nil {
		if undo != nil {
			undo()
		}
		return err
	}
	return nil
}
