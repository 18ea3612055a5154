package perfevent

import (
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/kernelinfo"
)

// readFormat returns the read_format bits for an event. Multiplexed events
// need the enabled/running times for scaling. The group layout is used only
// when asked for, when the kernel implements it correctly and when counters
// are not inherited.
func readFormat(q kernelinfo.Quirks, multiplexed, inherit, group bool) uint64 {
	var format uint64
	if multiplexed {
		format |= unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING
	}
	if group && !q.GroupReadBroken && !inherit {
		format |= unix.PERF_FORMAT_GROUP
	}
	return format
}
