package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg/buildsys"
)

var taskCmd = &cobra.Command{
	Use:   "task [option=value...] [task...]",
	Short: "Runs tasks declared in tasks.star",
	Long: `This command parses tasks.star in the project root and executes the given tasks.
Arguments containing "=" set script options. Without any task names, the available
tasks are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		taskArgs := make([]string, 0)
		options := make(map[string]string)
		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				taskArgs = append(taskArgs, part)
			}
		}

		scriptPath := filepath.Join(state.Root, buildsys.ScriptName)
		if _, err := os.Stat(scriptPath); err != nil {
			return eris.Wrapf(err, "No %s found in %s", buildsys.ScriptName, state.Root)
		}

		cacheFile := ""
		if !noCache {
			cacheFile, err = taskCachePath()
			if err != nil {
				return err
			}
		}

		taskList, err := buildsys.Parse(ctx, scriptPath, state.Root, cacheFile, options)
		if err != nil {
			return eris.Wrap(err, "Failed to parse tasks")
		}

		if len(taskArgs) == 0 {
			printTasks(cmd, taskList)
			return nil
		}

		runner := &buildsys.Runner{
			ProjectRoot: state.Root,
			Tasks:       taskList,
			DryRun:      state.DryRun,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		}
		for _, name := range taskArgs {
			err = runner.Run(ctx, name, force)
			if err != nil {
				return eris.Wrapf(err, "Failed task %s", name)
			}
		}

		return nil
	},
}

// taskCachePath puts the cache into the project's build tree.
func taskCachePath() (string, error) {
	m, err := loadManifest()
	if err != nil {
		return "", err
	}

	outDir := filepath.Join(state.Root, filepath.FromSlash(m.Project.Out))
	err = os.MkdirAll(outDir, 0o770)
	if err != nil {
		return "", eris.Wrapf(err, "Failed to create %s", outDir)
	}

	return filepath.Join(outDir, buildsys.CacheName), nil
}

func printTasks(cmd *cobra.Command, taskList buildsys.TaskList) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Available tasks:")

	maxNameLen := 0
	sortedNames := make([]string, 0, len(taskList))
	for name, task := range taskList {
		if task.Hidden {
			continue
		}

		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
		sortedNames = append(sortedNames, name)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Fprintf(out, lineFmt, name+":", taskList[name].Desc)
	}
}

func init() {
	taskCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed tasks even if they don't have to run")
	taskCmd.Flags().Bool("no-cache", false, "always evaluate tasks.star instead of using the cached task list")

	rootCmd.AddCommand(taskCmd)
}
