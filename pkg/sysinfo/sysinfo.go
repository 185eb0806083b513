// Package sysinfo captures the host environment snapshot recorded with
// every run.
package sysinfo

import (
	"context"
	"runtime"

	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Collect gathers host details for the run record. Failures of
// individual probes are logged and leave their fields empty; a partial
// snapshot is better than none.
func Collect(ctx context.Context, log logrus.FieldLogger, version string) *pipeline.Environment {
	env := &pipeline.Environment{
		GoVersion:       runtime.Version(),
		PipeloorVersion: version,
		CPUCount:        runtime.NumCPU(),
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read host info")
	} else {
		env.Hostname = info.Hostname
		env.OS = info.OS
		env.Platform = info.Platform
		env.KernelVersion = info.KernelVersion
	}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read CPU info")
	} else if len(cpus) > 0 {
		env.CPUModel = cpus[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read memory info")
	} else {
		env.MemoryTotal = vm.Total
	}

	return env
}
