package main

import (
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"smartblind"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: sensor.API, Model: smartblind.BlindModel},
		resource.APIModel{API: discovery.API, Model: smartblind.DiscoveryModel},
	)
}
