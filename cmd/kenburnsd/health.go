package main

import (
	"runtime"
	"time"

	"kenburns/platform"
)

var timeNow = time.Now

// Health is a reflection service answering "Health.Check" next to the
// kenburns channel.
type Health struct {
	started time.Time
}

type HealthArgs struct{}

type HealthReply struct {
	Version string        `json:"version"`
	Label   string        `json:"label"`
	GOOS    string        `json:"goos"`
	GOARCH  string        `json:"goarch"`
	Uptime  time.Duration `json:"uptime"`
}

func (h *Health) Check(_ *HealthArgs, reply *HealthReply) error {
	reply.Version = Version
	reply.Label = platform.Label()
	reply.GOOS = runtime.GOOS
	reply.GOARCH = runtime.GOARCH
	reply.Uptime = timeNow().Sub(h.started)
	return nil
}
