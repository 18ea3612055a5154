package kernelinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Arch is a CPU architecture family. Only the distinctions that matter to
// perf_event defect handling are made.
type Arch int

const (
	ArchOther Arch = iota
	ArchX86
	ArchARM
	ArchPowerPC
	ArchMIPS
	ArchS390
	ArchRISCV
)

var archNames = map[Arch]string{
	ArchOther:   "other",
	ArchX86:     "x86",
	ArchARM:     "arm",
	ArchPowerPC: "powerpc",
	ArchMIPS:    "mips",
	ArchS390:    "s390",
	ArchRISCV:   "riscv",
}

func (a Arch) String() string {
	if name, ok := archNames[a]; ok {
		return name
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// ParseArch maps a uname machine string to an architecture family
func ParseArch(machine string) Arch {
	switch {
	case machine == "x86_64", machine == "amd64",
		strings.HasPrefix(machine, "i") && strings.HasSuffix(machine, "86"):
		return ArchX86
	case strings.HasPrefix(machine, "arm"), strings.HasPrefix(machine, "aarch64"):
		return ArchARM
	case strings.HasPrefix(machine, "ppc"), strings.HasPrefix(machine, "powerpc"):
		return ArchPowerPC
	case strings.HasPrefix(machine, "mips"):
		return ArchMIPS
	case strings.HasPrefix(machine, "s390"):
		return ArchS390
	case strings.HasPrefix(machine, "riscv"):
		return ArchRISCV
	}
	return ArchOther
}

// WatchdogPath is where the kernel reports whether the NMI watchdog holds a
// hardware counter.
const WatchdogPath = "/proc/sys/kernel/nmi_watchdog"

// Platform holds the process-wide facts that kernel defect handling depends
// on. They do not change during the lifetime of the process, so a Platform
// should be resolved once and passed to whatever needs it.
type Platform struct {
	Release        string
	Version        Version
	Arch           Arch
	WatchdogActive bool
}

// Detect resolves the Platform of the running kernel.
func Detect() (Platform, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Platform{}, fmt.Errorf("uname: %w", err)
	}

	release := cstring(uts.Release[:])
	version, err := ParseVersion(release)
	if err != nil {
		return Platform{}, err
	}

	watchdog, err := ReadWatchdog(WatchdogPath)
	if err != nil {
		return Platform{}, err
	}

	return Platform{
		Release:        release,
		Version:        version,
		Arch:           ParseArch(cstring(uts.Machine[:])),
		WatchdogActive: watchdog,
	}, nil
}

// ReadWatchdog reports whether the watchdog file at path says the NMI
// watchdog is enabled. A missing file means there is no watchdog.
func ReadWatchdog(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	return value != "" && value != "0", nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// WithWatchdog returns p with the watchdog flag overridden by mode: "auto"
// (or empty) keeps the detected value, "on" and "off" force it.
func (p Platform) WithWatchdog(mode string) (Platform, error) {
	switch strings.ToLower(mode) {
	case "", "auto":
	case "on", "true", "1":
		p.WatchdogActive = true
	case "off", "false", "0":
		p.WatchdogActive = false
	default:
		return p, fmt.Errorf("invalid watchdog mode %q (want auto, on or off)", mode)
	}
	return p, nil
}
