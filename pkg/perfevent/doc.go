// Package perfevent manages groups of Linux perf_event counters.
//
// A Backend holds the process-wide facts (kernel quirks, page size, logger)
// and hands out a Context per monitoring thread and a Control per event
// group. A Control is rebuilt from scratch whenever its membership or
// multiplexing mode changes: Update closes every open descriptor and opens
// the new group atomically, so a group is either fully open or fully closed.
//
// Kernels before 2.6.34 carry defects that are compensated for at runtime,
// selected by kernelinfo.Quirks:
//
//   - counters that cannot be scheduled are accepted by perf_event_open and
//     only fail on first read, so each open is followed by a trial
//     enable/disable/read;
//   - PERF_FORMAT_GROUP reads are broken, so counters are read one by one;
//   - time_enabled and time_running stay zero while a counter runs, so the
//     group is stopped around each read.
//
// Operations on one Control must be serialized by the caller.
package perfevent
