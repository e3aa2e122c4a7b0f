package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/verimeet/broker/internal/business"
	"github.com/verimeet/broker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Broker API server",
		"Broker API server hosts the public session HTTP API and the plugin callback endpoints.",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
