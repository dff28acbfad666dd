// Package device collects the host metrics attached to outgoing payloads.
package device

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// Metric keys.
const (
	KeyOS              = "os"
	KeyPlatform        = "platform"
	KeyPlatformVersion = "platform_version"
	KeyKernelArch      = "kernel_arch"
	KeyRuntime         = "runtime"
)

// InfoFunc returns host information. host.InfoWithContext is the default.
type InfoFunc func(ctx context.Context) (*host.InfoStat, error)

// Collect returns device metrics. The hostname is never included. When
// host information is unavailable only the Go runtime fields are set.
func Collect(ctx context.Context, logger *slog.Logger) map[string]string {
	return collect(ctx, host.InfoWithContext, logger)
}

func collect(ctx context.Context, info InfoFunc, logger *slog.Logger) map[string]string {
	if logger == nil {
		logger = slog.Default()
	}
	m := map[string]string{
		KeyOS:         runtime.GOOS,
		KeyKernelArch: runtime.GOARCH,
		KeyRuntime:    runtime.Version(),
	}

	stat, err := info(ctx)
	if err != nil {
		logger.Debug("host info unavailable", "error", err)
		return m
	}

	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(KeyOS, stat.OS)
	set(KeyPlatform, stat.Platform)
	set(KeyPlatformVersion, stat.PlatformVersion)
	set(KeyKernelArch, stat.KernelArch)
	return m
}
