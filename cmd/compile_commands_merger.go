package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/compdb"
)

var mergeCompileCommandsCmd = &cobra.Command{
	Use:   "merge-compile-commands [output file] [input files...]",
	Short: "Merges several compile_commands.json files",
	Long: `Merges several compile_commands.json files. Without arguments, the databases of
the engine's build tree and every library build tree from setup.yml are merged into
compile_commands.json in the project root.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var output string
		var inputs []string

		switch len(args) {
		case 0:
			m, err := loadManifest()
			if err != nil {
				return err
			}

			dirs := []string{filepath.Join(state.Root, filepath.FromSlash(m.Project.Out))}
			for _, lib := range m.Libraries {
				dirs = append(dirs, filepath.Join(state.Root, filepath.FromSlash(lib.Out)))
			}

			inputs, err = compdb.Existing(dirs)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return eris.New("No compile_commands.json found. Configure with -DCMAKE_EXPORT_COMPILE_COMMANDS=ON first.")
			}

			output = filepath.Join(state.Root, compdb.FileName)
		case 1:
			return eris.Errorf("Expected at least 2 arguments but got %d!", len(args))
		default:
			output = args[0]
			inputs = args[1:]
		}

		entries, err := compdb.Merge(inputs)
		if err != nil {
			return err
		}

		err = compdb.Write(output, entries)
		if err != nil {
			return err
		}

		pkg.PrintSubtask(fmt.Sprintf("wrote %d entries from %d file(s) to %s", len(entries), len(inputs), output))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCompileCommandsCmd)
}
