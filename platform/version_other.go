//go:build !linux

package platform

import "github.com/shirou/gopsutil/v3/host"

func fallbackVersion() (string, error) {
	return host.KernelVersion()
}
