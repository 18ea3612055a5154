package kernelinfo

import "strings"

var (
	// x86 gained a static schedulability check in perf_event_open in 2.6.33
	schedulabilityCheckedSince = Version{Major: 2, Minor: 6, Patch: 33}
	// PERF_FORMAT_GROUP reads from attached processes were fixed in 2.6.34
	// (commit 050735b08ca8a016bbace4445fa025b88fee770b)
	groupReadFixedSince = Version{Major: 2, Minor: 6, Patch: 34}
	// time_enabled/time_running were zero on a running counter before 2.6.33
	timesLiveSince = Version{Major: 2, Minor: 6, Patch: 33}
	// F_SETOWN_EX appeared in 2.6.32
	ownerExSince = Version{Major: 2, Minor: 6, Patch: 32}
)

// SchedulabilityUnchecked reports whether perf_event_open may succeed for a
// counter the PMU cannot actually schedule, so that the failure only shows
// up as an empty read later. PowerPC checks at open time; MIPS never does;
// elsewhere the check exists since 2.6.33. An active NMI watchdog steals a
// counter and brings the problem back on any kernel.
func (p Platform) SchedulabilityUnchecked() bool {
	if p.WatchdogActive {
		return true
	}
	switch p.Arch {
	case ArchPowerPC:
		return false
	case ArchMIPS:
		return true
	}
	return p.Version.Less(schedulabilityCheckedSince)
}

// GroupReadBroken reports whether PERF_FORMAT_GROUP cannot be trusted.
func (p Platform) GroupReadBroken() bool {
	if p.Arch == ArchMIPS {
		return true
	}
	return p.Version.Less(groupReadFixedSince)
}

// TimesNeedSyncRead reports whether the enabled/running times read back as
// zero unless the counter is disabled first.
func (p Platform) TimesNeedSyncRead() bool {
	return p.Version.Less(timesLiveSince)
}

// OwnerExSupported reports whether fcntl(F_SETOWN_EX) is available for
// directing overflow signals at a single thread.
func (p Platform) OwnerExSupported() bool {
	return p.Version.AtLeast(ownerExSince)
}

// Quirks is the set of perf_event defects and capabilities that apply to a
// Platform. It is computed once and consulted by name.
type Quirks struct {
	SchedulabilityUnchecked bool
	GroupReadBroken         bool
	TimesNeedSyncRead       bool
	OwnerExSupported        bool
}

// Quirks computes the quirk set for p
func (p Platform) Quirks() Quirks {
	return Quirks{
		SchedulabilityUnchecked: p.SchedulabilityUnchecked(),
		GroupReadBroken:         p.GroupReadBroken(),
		TimesNeedSyncRead:       p.TimesNeedSyncRead(),
		OwnerExSupported:        p.OwnerExSupported(),
	}
}

func (q Quirks) String() string {
	var names []string
	if q.SchedulabilityUnchecked {
		names = append(names, "unchecked-schedulability")
	}
	if q.GroupReadBroken {
		names = append(names, "broken-group-read")
	}
	if q.TimesNeedSyncRead {
		names = append(names, "sync-read")
	}
	if !q.OwnerExSupported {
		names = append(names, "legacy-setown")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
