package steps

import (
	"context"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

var cmakeVersionPattern = regexp.MustCompile(`cmake version ([0-9]+\.[0-9]+(?:\.[0-9]+)?)`)

// CMake issues configure and build calls against the CMake binary.
type CMake struct {
	Exec   Executor
	Binary string
	// Dir is the working directory relative source and output paths are resolved against.
	Dir string
}

func (c *CMake) binary() string {
	if c.Binary == "" {
		return "cmake"
	}
	return c.Binary
}

// ConfigureInvocation returns the `cmake -S src -B out opts...` call.
func (c *CMake) ConfigureInvocation(src, out string, opts ...string) Invocation {
	args := append([]string{"-S", src, "-B", out}, opts...)
	return Invocation{Name: c.binary(), Args: args, Dir: c.Dir}
}

// BuildInvocation returns the `cmake --build out args...` call.
func (c *CMake) BuildInvocation(out string, args ...string) Invocation {
	return Invocation{Name: c.binary(), Args: append([]string{"--build", out}, args...), Dir: c.Dir}
}

// Configure generates the build tree for src in out.
func (c *CMake) Configure(ctx context.Context, src, out string, opts ...string) (Result, error) {
	res, err := RunChecked(ctx, c.Exec, c.ConfigureInvocation(src, out, opts...))
	if err != nil {
		return res, eris.Wrapf(err, "Failed to configure %s", src)
	}

	return res, nil
}

// Build compiles the previously configured build tree in out.
func (c *CMake) Build(ctx context.Context, out string, args ...string) (Result, error) {
	res, err := RunChecked(ctx, c.Exec, c.BuildInvocation(out, args...))
	if err != nil {
		return res, eris.Wrapf(err, "Failed to build %s", out)
	}

	return res, nil
}

// Version asks the CMake binary for its version.
func (c *CMake) Version(ctx context.Context) (*semver.Version, error) {
	res, err := RunChecked(ctx, c.Exec, Invocation{Name: c.binary(), Args: []string{"--version"}, Dir: c.Dir})
	if err != nil {
		return nil, eris.Wrap(err, "Failed to determine the CMake version")
	}

	return ParseCMakeVersion(res.Stdout)
}

// ParseCMakeVersion extracts the version from `cmake --version` output.
func ParseCMakeVersion(output string) (*semver.Version, error) {
	match := cmakeVersionPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, eris.Errorf("unexpected output from cmake --version: %q", output)
	}

	version, err := semver.NewVersion(match[1])
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse CMake version %s", match[1])
	}

	return version, nil
}

// Require fails unless the installed CMake satisfies constraint (e.g. ">= 3.16").
func (c *CMake) Require(ctx context.Context, constraint string) (*semver.Version, error) {
	check, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid CMake version constraint %s", constraint)
	}

	version, err := c.Version(ctx)
	if err != nil {
		return nil, err
	}

	if !check.Check(version) {
		return version, eris.Errorf("CMake %s does not satisfy %s", version, constraint)
	}

	return version, nil
}

// Git runs the version control client.
type Git struct {
	Exec   Executor
	Binary string
}

// UpdateSubmodules initializes and updates all submodules of the checkout in dir.
func (g *Git) UpdateSubmodules(ctx context.Context, dir string) (Result, error) {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}

	res, err := RunChecked(ctx, g.Exec, Invocation{
		Name: binary,
		Args: []string{"submodule", "update", "--init", "--recursive"},
		Dir:  dir,
	})
	if err != nil {
		return res, eris.Wrap(err, "Failed to update submodules")
	}

	return res, nil
}
