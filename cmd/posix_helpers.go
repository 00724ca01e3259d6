package cmd

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

var mvCmd = &cobra.Command{
	Use:   "mv <source...> <dest>",
	Short: "Cross-platform implementation of the POSIX mv command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return steps.Move(args[:len(args)-1], args[len(args)-1])
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path...>",
	Short: "A cross-platform implementation of the POSIX rm command",
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		return steps.Remove(args, recursive, force)
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <dir...>",
	Short: "A cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		makeParents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		return steps.MakeDir(args, makeParents)
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch <file> <old> <new>",
	Short: "Replaces every occurrence of a literal string in a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[1] == "" {
			return eris.New("the search string must not be empty")
		}

		count, err := steps.SubstituteFile(args[0], args[1], args[2])
		if err != nil {
			return err
		}

		pkg.PrintSubtask(fmt.Sprintf("replaced %d occurrence(s) in %s", count, args[0]))
		return nil
	},
}

var relocateCmd = &cobra.Command{
	Use:   "relocate <root> <pattern> [dest dir]",
	Short: "Moves the single file matching pattern below root into dest dir",
	Long: `Finds exactly one file matching the glob pattern (** matches any number of
directories) below root and moves it into dest dir, which defaults to root. Fails if
no file or more than one file matches.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		destDir := args[0]
		if len(args) > 2 {
			destDir = args[2]
		}

		match, err := steps.FindOne(args[0], args[1])
		if err != nil {
			return err
		}

		dest, err := steps.Relocate(match, destDir)
		if err != nil {
			return err
		}

		pkg.PrintSubtask(fmt.Sprintf("moved %s to %s", match, dest))
		return nil
	},
}

// skipProject lets the file helpers run outside of a checkout.
func skipProject(cmd *cobra.Command, args []string) error {
	return nil
}

func init() {
	for _, helper := range []*cobra.Command{mvCmd, rmCmd, mkdirCmd, patchCmd, relocateCmd} {
		helper.PersistentPreRunE = skipProject
	}

	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")

	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(relocateCmd)
}
