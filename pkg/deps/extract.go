package deps

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// ErrUnsafePath is returned for archive entries that would end up outside of
// the dependency's destination.
var ErrUnsafePath = eris.New("archive entry escapes the destination")

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error

// destFor maps an archive entry to its location below destPath after
// stripping ds.Strip leading elements. An empty result means the entry was
// stripped away completely.
func destFor(destPath string, item string, ds Spec) (string, error) {
	item = strings.ReplaceAll(item, "\\", "/")
	if strings.HasPrefix(item, "/") || filepath.VolumeName(item) != "" {
		return "", eris.Wrapf(ErrUnsafePath, "absolute entry %s", item)
	}

	parts := []string{}
	for _, part := range strings.Split(item, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", eris.Wrapf(ErrUnsafePath, "entry %s", item)
		}
		parts = append(parts, part)
	}

	if len(parts) <= ds.Strip {
		return "", nil
	}

	return filepath.Join(destPath, filepath.Join(parts[ds.Strip:]...)), nil
}

func openExtractorDest(destPath string, item string, ds Spec, mode os.FileMode) (*os.File, string, error) {
	dest, err := destFor(destPath, item, ds)
	if err != nil || dest == "" {
		return nil, dest, err
	}

	destParent := filepath.Dir(dest)
	err = os.MkdirAll(destParent, os.FileMode(0o770))
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create directory %s", destParent)
	}

	if mode == 0 {
		mode = 0o660
	}
	destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func getExtractor(url string) (archiveExtractor, error) {
	// Query strings don't influence the format.
	if idx := strings.IndexAny(url, "?#"); idx > -1 {
		url = url[:idx]
	}

	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "Failed to open gzip stream")
			}
			defer reader.Close()

			return extractTar(reader, f, bar, destPath, ds)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
			return extractTar(bzip2.NewReader(f), f, bar, destPath, ds)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "Failed to open xz stream")
			}

			return extractTar(reader, f, bar, destPath, ds)
		}, nil
	}

	return nil, eris.Errorf("Archive format of %s not supported", url)
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
	stat, err := f.Stat()
	if err != nil {
		return eris.Wrap(err, "Failed to inspect archive")
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return eris.Wrap(err, "Failed to open zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		err = extractZipEntry(item, destPath, ds)
		if err != nil {
			return err
		}

		pos, err := f.Seek(0, io.SeekCurrent)
		if err == nil {
			_ = bar.Set64(pos)
		}
	}

	return nil
}

func extractZipEntry(item *zip.File, destPath string, ds Spec) error {
	destHandle, dest, err := openExtractorDest(destPath, item.Name, ds, item.Mode().Perm())
	if err != nil || destHandle == nil {
		return err
	}
	defer destHandle.Close()

	itemHandle, err := item.Open()
	if err != nil {
		return eris.Wrapf(err, "Failed to open archive entry %s", item.Name)
	}
	defer itemHandle.Close()

	_, err = io.Copy(destHandle, itemHandle)
	if err != nil {
		return eris.Wrapf(err, "Failed to write extracted file %s", dest)
	}

	return eris.Wrapf(destHandle.Close(), "Failed to close %s", dest)
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		switch item.Typeflag {
		case tar.TypeDir, tar.TypeXGlobalHeader:
			continue
		case tar.TypeSymlink:
			err = extractSymlink(destPath, item, ds)
		case tar.TypeReg, tar.TypeRegA:
			err = extractTarFile(archive, destPath, item, ds)
		default:
			// Hard links, devices and fifos never show up in the archives we consume.
			continue
		}
		if err != nil {
			return err
		}

		pos, err := f.Seek(0, io.SeekCurrent)
		if err == nil {
			_ = bar.Set64(pos)
		}
	}

	return nil
}

func extractTarFile(archive *tar.Reader, destPath string, item *tar.Header, ds Spec) error {
	destHandle, dest, err := openExtractorDest(destPath, item.Name, ds, item.FileInfo().Mode().Perm())
	if err != nil || destHandle == nil {
		return err
	}
	defer destHandle.Close()

	_, err = io.Copy(destHandle, archive)
	if err != nil {
		return eris.Wrapf(err, "Failed to write extracted file %s", dest)
	}

	return eris.Wrapf(destHandle.Close(), "Failed to close %s", dest)
}

func extractSymlink(destPath string, item *tar.Header, ds Spec) error {
	dest, err := destFor(destPath, item.Name, ds)
	if err != nil || dest == "" {
		return err
	}

	if filepath.IsAbs(item.Linkname) {
		return eris.Wrapf(ErrUnsafePath, "symlink %s points to %s", item.Name, item.Linkname)
	}
	target := filepath.Join(filepath.Dir(dest), item.Linkname)
	rel, err := filepath.Rel(destPath, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return eris.Wrapf(ErrUnsafePath, "symlink %s points to %s", item.Name, item.Linkname)
	}

	err = os.MkdirAll(filepath.Dir(dest), os.FileMode(0o770))
	if err != nil {
		return eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(dest))
	}

	err = os.Remove(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to remove placeholder file %s", dest)
	}

	err = os.Symlink(item.Linkname, dest)
	if err != nil {
		return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", dest, item.Linkname)
	}

	return nil
}
