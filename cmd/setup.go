package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/bootstrap"
	"github.com/EndlessArch/haruhi/pkg/deps"
	"github.com/EndlessArch/haruhi/pkg/manifest"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Checks the header dependencies and configures the engine's build tree",
	Long: `Checks that header-only dependencies like metal-cpp are present and runs
"cmake -S . -B out". Missing dependencies are reported together with instructions
on how to get them; pass --fetch to download them from the DEPS.yml entries instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		fetch, err := cmd.Flags().GetBool("fetch")
		if err != nil {
			return err
		}

		m, err := loadManifest()
		if err != nil {
			return err
		}

		pipeline := newPipeline()
		if fetch {
			pipeline.Fetch = deps.NewFetcher(state.Root)
		}

		pkg.PrintTask("Configuring " + filepath.ToSlash(m.Project.Out))
		report, err := pipeline.ConfigureProject(ctx, m.Project)
		if report != nil {
			for _, name := range report.Fetched {
				pkg.PrintSubtask("fetched " + name)
			}
		}
		if err != nil {
			return err
		}

		if len(report.Missing) > 0 {
			names := make([]string, len(report.Missing))
			for idx, dep := range report.Missing {
				names[idx] = dep.Name
			}
			pkg.PrintError("missing: " + strings.Join(names, ", "))
		}

		pkg.PrintTask("Done")
		return nil
	},
}

var setupDepsCmd = &cobra.Command{
	Use:   "setup-deps [library...]",
	Short: "Checks out, patches and builds the bundled third-party libraries",
	Long: `Updates the git submodules and builds each library listed in setup.yml as a
static library inside out/third_party/<name>. Without arguments, every library is built
in manifest order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		m, err := loadManifest()
		if err != nil {
			return err
		}

		libs, err := selectLibraries(m, args)
		if err != nil {
			return err
		}

		err = prepareLibraries(ctx, newPipeline(), libs)
		if err != nil {
			return err
		}

		pkg.PrintTask("Done")
		return nil
	},
}

// prepareLibraries builds libs in order and prints what happened to each one
// that was started, including the one that failed.
func prepareLibraries(ctx context.Context, pipeline *bootstrap.Pipeline, libs []manifest.Library) error {
	names := make([]string, len(libs))
	for idx, lib := range libs {
		names[idx] = lib.Name
	}
	pkg.PrintTask("Preparing " + strings.Join(names, ", "))

	reports, err := pipeline.PrepareLibraries(ctx, libs)
	for _, report := range reports {
		pkg.PrintSubtask(report.Name)
		for file, count := range report.Patched {
			pkg.PrintSubtask(fmt.Sprintf("patched %d occurrence(s) in %s", count, file))
		}
		if report.Export != "" {
			pkg.PrintSubtask("export file: " + report.Export)
		}
	}

	return err
}

func selectLibraries(m *manifest.Manifest, names []string) ([]manifest.Library, error) {
	if len(names) == 0 {
		return m.Libraries, nil
	}

	libs := make([]manifest.Library, 0, len(names))
	for _, name := range names {
		lib, ok := m.Library(name)
		if !ok {
			return nil, eris.Errorf("Library %s not found. Available: %s", name, strings.Join(m.LibraryNames(), ", "))
		}
		libs = append(libs, *lib)
	}

	return libs, nil
}

func init() {
	setupCmd.Flags().Bool("fetch", false, "download missing header dependencies listed in DEPS.yml")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(setupDepsCmd)
}
