package steps

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
)

// CheckDir reports whether path exists and is a directory. Anything else at
// path counts as missing.
func CheckDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, eris.Wrapf(err, "Failed to check %s", path)
	}

	return info.IsDir(), nil
}

// SubstituteFile replaces every occurrence of old with new inside the file at
// path and returns the number of replacements. Files without a match are not
// touched.
func SubstituteFile(path, old, new string) (int, error) {
	if old == "" {
		return 0, eris.Errorf("refusing to substitute an empty string in %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, eris.Wrapf(err, "Failed to read %s", path)
	}

	count := bytes.Count(data, []byte(old))
	if count == 0 {
		return 0, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, eris.Wrapf(err, "Failed to stat %s", path)
	}

	updated := bytes.ReplaceAll(data, []byte(old), []byte(new))
	err = WriteFileAtomic(path, updated, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	return count, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// over path once everything has been flushed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "Failed to create temporary file for %s", path)
	}

	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	_, err = tmp.Write(data)
	if err != nil {
		return eris.Wrapf(err, "Failed to write %s", tmpName)
	}

	err = tmp.Sync()
	if err != nil {
		return eris.Wrapf(err, "Failed to flush %s", tmpName)
	}

	err = tmp.Close()
	if err != nil {
		return eris.Wrapf(err, "Failed to close %s", tmpName)
	}

	err = os.Chmod(tmpName, perm)
	if err != nil {
		return eris.Wrapf(err, "Failed to set permissions on %s", tmpName)
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		return eris.Wrapf(err, "Failed to replace %s", path)
	}

	return nil
}

// Relocate moves the file src into destDir, keeping its name, and returns the
// new path. An existing file at the destination is replaced.
func Relocate(src, destDir string) (string, error) {
	info, err := os.Stat(destDir)
	if err != nil {
		return "", eris.Wrapf(err, "Could not find destination directory %s", destDir)
	}

	if !info.IsDir() {
		return "", eris.Errorf("%s is not a directory!", destDir)
	}

	dest := filepath.Join(destDir, filepath.Base(src))
	same, err := samePath(src, dest)
	if err != nil {
		return "", err
	}
	if same {
		return dest, nil
	}

	err = moveFile(src, dest)
	if err != nil {
		return "", err
	}

	return dest, nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, eris.Wrapf(err, "Failed to resolve %s", a)
	}

	absB, err := filepath.Abs(b)
	if err != nil {
		return false, eris.Wrapf(err, "Failed to resolve %s", b)
	}

	return absA == absB, nil
}

// moveFile renames src to dest and falls back to copy & delete if the rename
// crosses file systems.
func moveFile(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	if !isCrossDevice(err) {
		return eris.Wrapf(err, "Failed to move %s to %s", src, dest)
	}

	err = copyFile(src, dest)
	if err != nil {
		return err
	}

	err = os.Remove(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to remove %s after copying it", src)
	}

	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return eris.Wrapf(err, "Failed to stat %s", src)
	}

	dir, base := filepath.Split(dest)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "Failed to create temporary file for %s", dest)
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, in)
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err == nil {
		err = os.Chmod(tmpName, info.Mode().Perm())
	}
	if err == nil {
		err = os.Rename(tmpName, dest)
	}
	if err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "Failed to copy %s to %s", src, dest)
	}

	return nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}

	return linkErr.Err == syscall.EXDEV
}
