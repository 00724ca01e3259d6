package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/buildlog"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

// ErrChecksum is returned when a download doesn't match its recorded sha256.
var ErrChecksum = eris.New("checksum check failed")

// Fetcher downloads the dependencies of a project.
type Fetcher struct {
	Root string
	// Update records new checksums in DEPS.yml instead of failing on mismatches.
	Update bool
	// Vars are added to the variables from DEPS.yml.
	Vars   map[string]string
	Client *http.Client
	// Progress receives the progress bars. Nil hides them.
	Progress io.Writer
}

// NewFetcher returns a Fetcher for projectRoot that shows progress bars on stderr
// unless running on CI.
func NewFetcher(projectRoot string) *Fetcher {
	f := &Fetcher{
		Root:   projectRoot,
		Client: &http.Client{Timeout: time.Minute * 30},
	}
	if os.Getenv("CI") != "true" {
		f.Progress = os.Stderr
	}

	return f
}

func (f *Fetcher) progressBar(length int64, desc string) *progressbar.ProgressBar {
	if f.Progress == nil {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions64(length,
		progressbar.OptionSetWriter(f.Progress),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			_, _ = io.WriteString(f.Progress, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
	)
}

func (f *Fetcher) vars() map[string]string {
	vars := map[string]string{
		runtime.GOARCH: "true",
		runtime.GOOS:   "true",
	}
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}
	for k, v := range f.Vars {
		vars[k] = v
	}

	return vars
}

// Fetch downloads and unpacks the named dependencies. Without names, every
// dependency in DEPS.yml is processed. Dependencies whose stamp matches their
// current url and checksum are skipped as long as their destination exists.
func (f *Fetcher) Fetch(ctx context.Context, names ...string) error {
	cfg, err := LoadConfig(f.Root)
	if err != nil {
		return err
	}

	stamps, err := LoadStamps(f.Root)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		names = cfg.Names()
	}

	fetchErr := f.fetchAll(ctx, cfg, stamps, names)

	// Stamps for everything that succeeded are written even if a later dep failed.
	err = SaveStamps(f.Root, stamps)
	if err != nil {
		if fetchErr != nil {
			buildlog.Log(ctx).Error().Err(err).Msg("Failed to save stamps")
			return fetchErr
		}
		return err
	}

	return fetchErr
}

func (f *Fetcher) fetchAll(ctx context.Context, cfg *Config, stamps map[string]string, names []string) error {
	vars := f.vars()
	for k, v := range cfg.Vars {
		if _, ok := vars[k]; !ok {
			vars[k] = v
		}
	}

	changes := map[string]string{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		meta, ok := cfg.Deps[name]
		if !ok {
			return eris.Errorf("Dependency %s is not listed in %s", name, FileName)
		}

		// Conditions are evaluated even while updating because they also fill in the URL placeholders.
		skip := !EvalConditions(&meta, vars)
		if skip && !f.Update {
			buildlog.Log(ctx).Debug().Str("step", name).Msg("skipped, conditions don't match")
			continue
		}

		digest, err := f.fetchOne(ctx, name, meta, skip, stamps)
		if err != nil {
			return eris.Wrapf(err, "Failed to fetch %s", name)
		}

		if f.Update && digest != "" && digest != meta.Sha256 {
			changes[name] = digest
		}
	}

	if len(changes) > 0 {
		pkg.PrintTask("Updating " + FileName)
		generated, err := RewriteChecksums(cfg.raw, changes)
		if err != nil {
			return err
		}

		err = steps.WriteFileAtomic(filepath.Join(f.Root, FileName), []byte(generated), 0o660)
		if err != nil {
			return err
		}
	}

	return nil
}

// fetchOne returns the checksum of the downloaded archive or an empty string if
// the dependency was already up to date.
func (f *Fetcher) fetchOne(ctx context.Context, name string, meta Spec, skip bool, stamps map[string]string) (string, error) {
	logger := buildlog.Log(ctx).With().Str("step", name).Logger()

	destPath := filepath.Join(f.Root, filepath.FromSlash(meta.Dest))
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := meta.URL + "#" + meta.Sha256
	if stamp, ok := stamps[name]; ok && stamp == stampToken && destExists && !f.Update {
		logger.Debug().Msg("up to date")
		return "", nil
	}

	pkg.PrintSubtask(name + ":  " + meta.URL)
	if meta.Sha256 == "" && !f.Update {
		return "", eris.Errorf("Dependency %s doesn't have a checksum", name)
	}

	arHandle, err := os.CreateTemp("", "deps-dl-*.tmp")
	if err != nil {
		return "", eris.Wrap(err, "Failed to create a temporary download file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	size, digest, err := f.download(ctx, meta.URL, arHandle)
	if err != nil {
		return "", err
	}

	if digest != meta.Sha256 {
		if !f.Update {
			return "", eris.Wrapf(ErrChecksum, "expected %s but got %s", meta.Sha256, digest)
		}
		logger.Info().Msgf("updating checksum to %s", digest)
	}

	if skip {
		return digest, nil
	}

	if destExists {
		pkg.PrintSubtask("Remove " + destPath)
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return "", eris.Wrapf(err, "Failed to remove %s", destPath)
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return "", err
	}

	_, err = arHandle.Seek(0, io.SeekStart)
	if err != nil {
		return "", eris.Wrap(err, "Failed to rewind the download")
	}

	bar := f.progressBar(size, "      extract")
	err = extractor(arHandle, bar, destPath, meta)
	if err != nil {
		return "", err
	}
	_ = bar.Finish()

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions which means we have to manually fix permissions for binaries in .zip files
		for _, binPath := range meta.MarkExec {
			binPath = filepath.Join(destPath, filepath.FromSlash(binPath))
			fi, err := os.Stat(binPath)
			if err != nil {
				return "", eris.Wrapf(err, "Failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0o700)
			if err != nil {
				return "", eris.Wrapf(err, "Failed to mark %s as executable", binPath)
			}
		}
	}

	// The stamp has to reflect the checksum that will be in DEPS.yml.
	stamps[name] = meta.URL + "#" + digest
	logger.Info().Str("path", destPath).Msgf("unpacked into %s", destPath)
	return digest, nil
}

func (f *Fetcher) download(ctx context.Context, url string, dest io.Writer) (int64, string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", eris.Wrapf(err, "Invalid URL %s", url)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", eris.Wrapf(err, "Failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", eris.Errorf("Download of %s failed with status %s", url, resp.Status)
	}

	hash := sha256.New()
	bar := f.progressBar(resp.ContentLength, "     download")
	size, err := io.Copy(io.MultiWriter(dest, hash, bar), resp.Body)
	if err != nil {
		return 0, "", eris.Wrapf(err, "Failed during download of %s", url)
	}
	_ = bar.Finish()

	return size, hex.EncodeToString(hash.Sum(nil)), nil
}
