package cmd

import (
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/deps"
)

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps [name...]",
	Short: "Downloads and unpacks dependencies",
	Long: `Downloads and unpacks the dependencies listed in DEPS.yml. Entries that were
already unpacked with the same url and checksum are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		if state.DryRun {
			pkg.PrintHint("fetch-deps does nothing in dry-run mode")
			return nil
		}

		fetcher := deps.NewFetcher(state.Root)
		fetcher.Update = update

		pkg.PrintTask("Downloading dependencies")
		err = fetcher.Fetch(commandContext(cmd), args...)
		if err != nil {
			return err
		}

		pkg.PrintTask("Done")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchDepsCmd)
	fetchDepsCmd.Flags().BoolP("update", "u", false, "Update checksums")
}
