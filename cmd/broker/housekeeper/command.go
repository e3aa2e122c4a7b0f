package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/verimeet/broker/internal/business"
	"github.com/verimeet/broker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Broker housekeeping job",
		"Broker housekeeping job expires overdue sessions and prunes terminal ones.",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
