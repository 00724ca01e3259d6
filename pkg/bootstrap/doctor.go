package bootstrap

import (
	"context"
	"strings"

	"github.com/EndlessArch/haruhi/pkg/manifest"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

// Finding is a single result of Diagnose.
type Finding struct {
	Subject string
	OK      bool
	Detail  string
}

// Diagnose checks the tools and dependencies the setup flows rely on without
// changing anything.
func (p *Pipeline) Diagnose(ctx context.Context, m *manifest.Manifest) []Finding {
	findings := make([]Finding, 0, 2+len(m.Project.Headers)+len(m.Libraries))

	cmake := Finding{Subject: "cmake"}
	if p.MinCMake != "" {
		version, err := p.cmake().Require(ctx, p.MinCMake)
		cmake.OK = err == nil
		if err != nil {
			cmake.Detail = err.Error()
		} else {
			cmake.Detail = version.String() + " (" + p.MinCMake + ")"
		}
	} else {
		version, err := p.cmake().Version(ctx)
		cmake.OK = err == nil
		if err != nil {
			cmake.Detail = err.Error()
		} else {
			cmake.Detail = version.String()
		}
	}
	findings = append(findings, cmake)

	git := Finding{Subject: "git"}
	binary := p.GitBinary
	if binary == "" {
		binary = "git"
	}
	res, err := steps.RunChecked(ctx, p.Exec, steps.Invocation{Name: binary, Args: []string{"--version"}, Dir: p.Root})
	git.OK = err == nil
	if err != nil {
		git.Detail = err.Error()
	} else {
		git.Detail = strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
	}
	findings = append(findings, git)

	for _, dep := range m.Project.Headers {
		f := Finding{Subject: dep.Name, Detail: dep.Path}
		present, err := steps.CheckDir(p.path(dep.Path))
		f.OK = err == nil && present
		if err != nil {
			f.Detail = err.Error()
		} else if !present {
			f.Detail = dep.Instruction
		}
		findings = append(findings, f)
	}

	for _, lib := range m.Libraries {
		f := Finding{Subject: lib.Name, Detail: lib.Source}
		present, err := steps.CheckDir(p.path(lib.Source))
		f.OK = err == nil && present
		if err != nil {
			f.Detail = err.Error()
		} else if !present {
			f.Detail = lib.Source + " is missing, run setup-deps"
		}
		findings = append(findings, f)
	}

	return findings
}
