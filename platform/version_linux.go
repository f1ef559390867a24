//go:build linux

package platform

import (
	"github.com/acobaugh/osrelease"
	"github.com/shirou/gopsutil/v3/host"
)

// fallbackVersion reads VERSION_ID from os-release. Rolling distributions
// leave it unset, in which case the kernel release is all there is.
func fallbackVersion() (string, error) {
	release, err := osrelease.Read()
	if err != nil {
		return "", err
	}
	if v := release["VERSION_ID"]; v != "" {
		return v, nil
	}
	return host.KernelVersion()
}
