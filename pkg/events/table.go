// Package events maps event names to perf_event counter selectors.
package events

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/elastic/go-perf"
	"golang.org/x/sys/unix"
)

// ErrUnknownEvent is returned when an event name or code is not in the table
var ErrUnknownEvent = errors.New("unknown event")

// Code is an opaque event identifier handed out by a Table
type Code uint32

// Table resolves event names to codes and codes to counter selectors.
// A Table is immutable once built and safe for concurrent use.
type Table struct {
	entries []entry
	byName  map[string]Code
}

type entry struct {
	name string
	cfg  perf.Configurator
}

// NewTable returns a table holding the generalized hardware and software
// counters the kernel exposes on every PMU.
func NewTable() *Table {
	t := &Table{byName: make(map[string]Code)}

	t.add("cycles", perf.CPUCycles)
	t.add("instructions", perf.Instructions)
	t.add("cache-references", perf.CacheReferences)
	t.add("cache-misses", perf.CacheMisses)
	t.add("branches", perf.BranchInstructions)
	t.add("branch-misses", perf.BranchMisses)
	t.add("bus-cycles", perf.BusCycles)
	t.add("stalled-cycles-frontend", perf.StalledCyclesFrontend)
	t.add("stalled-cycles-backend", perf.StalledCyclesBackend)
	t.add("ref-cycles", perf.RefCPUCycles)

	t.add("cpu-clock", perf.CPUClock)
	t.add("task-clock", perf.TaskClock)
	t.add("page-faults", perf.PageFaults)
	t.add("context-switches", perf.ContextSwitches)
	t.add("cpu-migrations", perf.CPUMigrations)
	t.add("minor-faults", perf.MinorPageFaults)
	t.add("major-faults", perf.MajorPageFaults)
	t.add("alignment-faults", perf.AlignmentFaults)
	t.add("emulation-faults", perf.EmulationFaults)

	return t
}

// Add registers cfg under name and returns its code. Registering a name
// twice replaces the earlier selector but keeps its code.
func (t *Table) Add(name string, cfg perf.Configurator) Code {
	return t.add(name, cfg)
}

func (t *Table) add(name string, cfg perf.Configurator) Code {
	name = strings.ToLower(name)
	if code, ok := t.byName[name]; ok {
		t.entries[code].cfg = cfg
		return code
	}
	code := Code(len(t.entries))
	t.entries = append(t.entries, entry{name: name, cfg: cfg})
	t.byName[name] = code
	return code
}

// Lookup returns the code for an event name
func (t *Table) Lookup(name string) (Code, error) {
	code, ok := t.byName[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return code, nil
}

// Name returns the event name for a code
func (t *Table) Name(code Code) (string, error) {
	if int(code) >= len(t.entries) {
		return "", fmt.Errorf("%w: code %d", ErrUnknownEvent, code)
	}
	return t.entries[code].name, nil
}

// Names returns every event name in the table, sorted
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Setup fills the counter selector fields (type and config) of attr for the
// event identified by code. Other fields of attr are left untouched.
func (t *Table) Setup(attr *unix.PerfEventAttr, code Code) error {
	if int(code) >= len(t.entries) {
		return fmt.Errorf("%w: code %d", ErrUnknownEvent, code)
	}
	e := t.entries[code]

	var pa perf.Attr
	if err := e.cfg.Configure(&pa); err != nil {
		return fmt.Errorf("configuring %s: %w", e.name, err)
	}

	attr.Type = uint32(pa.Type)
	attr.Config = pa.Config
	return nil
}
