// Package platform reports the host operating system's family label and
// version string.
package platform

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

var labels = map[string]string{
	"ios":     "iOS",
	"darwin":  "macOS",
	"linux":   "Linux",
	"windows": "Windows",
	"android": "Android",
	"freebsd": "FreeBSD",
	"openbsd": "OpenBSD",
	"netbsd":  "NetBSD",
}

// Label returns the fixed label of the operating system family this binary
// was built for.
func Label() string {
	return LabelFor(runtime.GOOS)
}

// LabelFor returns the label for a GOOS value. Unknown values are returned
// unchanged.
func LabelFor(goos string) string {
	if l, ok := labels[goos]; ok {
		return l
	}
	return goos
}

// VersionSource supplies the operating system version string.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// HostVersion asks the running operating system for its version on every
// call. Nothing is cached.
type HostVersion struct{}

func (HostVersion) Version(ctx context.Context) (string, error) {
	_, _, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		return "", err
	}
	if version == "" {
		return fallbackVersion()
	}
	return version, nil
}

// StaticVersion always reports the same version.
type StaticVersion string

func (v StaticVersion) Version(context.Context) (string, error) {
	return string(v), nil
}

// VersionFunc adapts a function to VersionSource.
type VersionFunc func(ctx context.Context) (string, error)

func (f VersionFunc) Version(ctx context.Context) (string, error) {
	return f(ctx)
}
