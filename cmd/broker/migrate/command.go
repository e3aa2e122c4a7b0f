package migrate

import (
	"github.com/spf13/cobra"

	"github.com/verimeet/broker/internal/business"
	"github.com/verimeet/broker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Broker database migrations",
		"Applies the session schema migrations to the configured PostgreSQL database.",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
