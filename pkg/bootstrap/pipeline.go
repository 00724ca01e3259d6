// Package bootstrap strings the individual steps together into the two setup
// flows: configuring the engine project and preparing bundled libraries.
package bootstrap

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/buildlog"
	"github.com/EndlessArch/haruhi/pkg/manifest"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

// Fetcher downloads the named dependencies listed in DEPS.yml.
type Fetcher interface {
	Fetch(ctx context.Context, names ...string) error
}

// Pipeline holds everything the setup flows need to talk to the outside world.
type Pipeline struct {
	Root string
	Exec steps.Executor

	CMakeBinary string
	GitBinary   string
	// MinCMake is a semver constraint checked once before the first configure call.
	MinCMake string

	// Fetch is used for missing header dependencies that name a DEPS.yml entry.
	// Without it, missing dependencies are only reported.
	Fetch Fetcher
	// Notify shows instructions to the user. Defaults to pkg.PrintHint.
	Notify func(string)
	// DryRun skips every step that would modify files. Commands still go to Exec.
	DryRun bool

	cmakeChecked    bool
	submodulesReady bool
}

// ProjectReport summarizes a ConfigureProject run.
type ProjectReport struct {
	Missing   []manifest.HeaderDep
	Fetched   []string
	Configure steps.Result
}

// LibraryReport summarizes a PrepareLibrary run.
type LibraryReport struct {
	Name    string
	Patched map[string]int
	Build   steps.Result
	// Export is the relocated export file, if the library declares one.
	Export string
}

func (p *Pipeline) notify(msg string) {
	if msg == "" {
		return
	}

	if p.Notify != nil {
		p.Notify(msg)
	} else {
		pkg.PrintHint(msg)
	}
}

func (p *Pipeline) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}

	return filepath.Join(p.Root, filepath.FromSlash(rel))
}

func (p *Pipeline) cmake() *steps.CMake {
	return &steps.CMake{Exec: p.Exec, Binary: p.CMakeBinary, Dir: p.Root}
}

func (p *Pipeline) checkCMake(ctx context.Context) error {
	if p.cmakeChecked || p.MinCMake == "" || p.DryRun {
		return nil
	}

	version, err := p.cmake().Require(ctx, p.MinCMake)
	if err != nil {
		return err
	}

	buildlog.Log(ctx).Debug().Msgf("using CMake %s", version)
	p.cmakeChecked = true
	return nil
}

// headerPresent reports whether dep's directory exists. A directory that can't
// be checked counts as missing so the configure step still runs.
func (p *Pipeline) headerPresent(logger zerolog.Logger, dep manifest.HeaderDep) bool {
	present, err := steps.CheckDir(p.path(dep.Path))
	if err != nil {
		logger.Warn().Err(err).Str("path", p.path(dep.Path)).Msgf("can't check %s", dep.Name)
		return false
	}

	return present
}

// ConfigureProject checks the header dependencies and generates the project's
// build tree. Missing dependencies don't stop the configure step; CMake itself
// reports whatever it can't find.
func (p *Pipeline) ConfigureProject(ctx context.Context, proj manifest.Project) (*ProjectReport, error) {
	report := &ProjectReport{}
	logger := buildlog.Log(ctx).With().Str("step", "setup").Logger()

	for _, dep := range proj.Headers {
		present := p.headerPresent(logger, dep)

		if !present && dep.Fetch != "" && p.Fetch != nil && !p.DryRun {
			logger.Info().Msgf("fetching %s", dep.Name)
			err := p.Fetch.Fetch(ctx, dep.Fetch)
			if err != nil {
				return report, eris.Wrapf(err, "Failed to fetch %s", dep.Name)
			}

			present = p.headerPresent(logger, dep)
			if present {
				report.Fetched = append(report.Fetched, dep.Name)
			}
		}

		if !present {
			logger.Warn().Str("path", p.path(dep.Path)).Msgf("%s is missing", dep.Name)
			report.Missing = append(report.Missing, dep)
			p.notify(dep.Instruction)
		}
	}

	err := p.checkCMake(ctx)
	if err != nil {
		return report, err
	}

	report.Configure, err = p.cmake().Configure(ctx, proj.Source, proj.Out, proj.Options...)
	if err != nil {
		return report, err
	}

	p.notify(proj.BuildHint)
	return report, nil
}

// PrepareLibrary checks out, patches, configures and builds a bundled library
// and moves its export file to the root of the library's build tree.
func (p *Pipeline) PrepareLibrary(ctx context.Context, lib manifest.Library) (*LibraryReport, error) {
	report := &LibraryReport{Name: lib.Name, Patched: map[string]int{}}
	logger := buildlog.Log(ctx).With().Str("lib", lib.Name).Logger()

	if lib.Submodules && !p.submodulesReady {
		_, err := (&steps.Git{Exec: p.Exec, Binary: p.GitBinary}).UpdateSubmodules(ctx, p.Root)
		if err != nil {
			return report, err
		}
		p.submodulesReady = true
	}

	for _, patch := range lib.Patches {
		target := p.path(patch.File)
		if p.DryRun {
			logger.Info().Str("path", target).Msgf("would replace %q with %q in %s", patch.Old, patch.New, target)
			continue
		}

		count, err := steps.SubstituteFile(target, patch.Old, patch.New)
		if err != nil {
			return report, eris.Wrapf(err, "Failed to patch %s for %s", patch.File, lib.Name)
		}

		report.Patched[patch.File] += count
		logger.Info().Str("path", target).Msgf("replaced %d occurrence(s) of %q in %s", count, patch.Old, target)
	}

	err := p.checkCMake(ctx)
	if err != nil {
		return report, err
	}

	_, err = p.cmake().Configure(ctx, lib.Source, lib.Out, lib.Options...)
	if err != nil {
		return report, err
	}

	report.Build, err = p.cmake().Build(ctx, lib.Out, lib.BuildArgs...)
	if err != nil {
		return report, err
	}

	if lib.Export != "" && !p.DryRun {
		outDir := p.path(lib.Out)
		match, err := steps.FindOne(outDir, lib.Export)
		if err != nil {
			return report, eris.Wrapf(err, "Failed to locate the export file of %s", lib.Name)
		}

		report.Export, err = steps.Relocate(match, outDir)
		if err != nil {
			return report, err
		}

		logger.Info().Str("path", report.Export).Msgf("moved export file to %s", report.Export)
	}

	return report, nil
}

// PrepareLibraries runs PrepareLibrary for each library in order and stops at
// the first failure.
func (p *Pipeline) PrepareLibraries(ctx context.Context, libs []manifest.Library) ([]*LibraryReport, error) {
	reports := make([]*LibraryReport, 0, len(libs))
	for _, lib := range libs {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		report, err := p.PrepareLibrary(ctx, lib)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}

	return reports, nil
}
