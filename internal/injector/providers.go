package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/gamehost/internal/core/events/bus"
	"github.com/zeusync/gamehost/internal/core/observability/log"
	"github.com/zeusync/gamehost/internal/core/observability/report"
	"github.com/zeusync/gamehost/internal/host"
	"github.com/zeusync/gamehost/internal/ipc"
)

var ProviderSet = wire.NewSet(ProvideLogger, ProvideReporter, ProvideTransport, ProvideBus)

func ProvideLogger(cfg host.Config) log.Log {
	return log.New(cfg.LogLevel)
}

func ProvideReporter(cfg host.Config) (report.Reporter, error) {
	return report.NewSentryReporter(cfg.Sentry)
}

// ProvideTransport returns nil when IPC is disabled.
func ProvideTransport(cfg host.Config, logger log.Log) host.MessageTransport {
	if !cfg.IPC.Enabled {
		return nil
	}
	return ipc.New(cfg.IPC.Addr, ipc.WithLogger(logger))
}

func ProvideBus() bus.EventBus {
	return bus.New()
}
