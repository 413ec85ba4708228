package feed

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	anyArch   = "*"
	sourceCPU = "src"
)

// Arch is an "os-cpu" pair using Go's GOOS and GOARCH names. Either side may
// be "*"; a cpu of "src" marks source implementations.
type Arch string

// HostArch is the architecture of the running process.
func HostArch() Arch {
	return Arch(runtime.GOOS + "-" + runtime.GOARCH)
}

// ParseArch validates an arch string. The empty string means "*-*".
func ParseArch(s string) (Arch, error) {
	if s == "" {
		return "", nil
	}
	os, cpu, ok := strings.Cut(s, "-")
	if !ok || os == "" || cpu == "" {
		return "", fmt.Errorf("arch %q must have the form os-cpu", s)
	}
	return Arch(s), nil
}

// OS returns the operating system part, "*" if unrestricted.
func (a Arch) OS() string {
	os, _, ok := strings.Cut(string(a), "-")
	if !ok || os == "" {
		return anyArch
	}
	return os
}

// CPU returns the processor part, "*" if unrestricted.
func (a Arch) CPU() string {
	_, cpu, ok := strings.Cut(string(a), "-")
	if !ok || cpu == "" {
		return anyArch
	}
	return cpu
}

// IsSource reports whether a denotes source code.
func (a Arch) IsSource() bool {
	return a.CPU() == sourceCPU
}

// cpuCompat lists processors that can also run code built for the listed ones.
var cpuCompat = map[string][]string{
	"amd64": {"386"},
	"arm64": {"arm"},
}

// RunsOn reports whether an implementation built for a can run on target.
// Source implementations run anywhere their OS matches.
func (a Arch) RunsOn(target Arch) bool {
	if os := a.OS(); os != anyArch && target.OS() != anyArch && os != target.OS() {
		return false
	}
	cpu, want := a.CPU(), target.CPU()
	if cpu == anyArch || cpu == sourceCPU || want == anyArch || cpu == want {
		return true
	}
	for _, c := range cpuCompat[want] {
		if c == cpu {
			return true
		}
	}
	return false
}

// IsNative reports whether a names exactly target, without wildcards.
func (a Arch) IsNative(target Arch) bool {
	return a.OS() == target.OS() && a.CPU() == target.CPU() && a.CPU() != anyArch
}
