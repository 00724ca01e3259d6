package cmd

import (
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Checks the installed tools and dependencies without changing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}

		pipeline := newPipeline()
		// Version checks don't modify anything so they also run in dry-run mode.
		pipeline.Exec = &steps.ShellExecutor{}

		failed := false
		for _, finding := range pipeline.Diagnose(commandContext(cmd), m) {
			msg := finding.Subject + ": " + finding.Detail
			if finding.OK {
				pkg.PrintSubtask(msg)
			} else {
				failed = true
				pkg.PrintError(msg)
			}
		}

		if failed {
			pkg.PrintHint("run `tool setup --fetch` and `tool setup-deps` to fix missing dependencies")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
