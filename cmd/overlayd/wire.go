//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/modbridge/overlayd/cmd/overlayd/api"
	"github.com/modbridge/overlayd/lib/providers"
)

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvidePaths,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideMounter,
		providers.ProvideNotifier,
		providers.ProvideOrchestrator,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
