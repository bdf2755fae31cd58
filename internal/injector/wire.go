//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/gamehost/internal/host"
)

func InitializeHost(cfg host.Config, app host.Application) (*host.Host, error) {
	wire.Build(
		ProviderSet,
		wire.Struct(new(host.Dependencies), "Logger", "Reporter", "Transport", "Bus"),
		host.New,
	)
	return nil, nil
}
