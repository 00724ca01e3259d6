package steps

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
)

// expandArgs resolves wildcards on Windows where the shell doesn't do it for us.
func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := []string{}
	for _, arg := range args {
		if !hasMeta(arg) {
			items = append(items, arg)
			continue
		}

		matches, err := Glob(arg)
		if err != nil {
			return nil, err
		}

		if len(matches) == 0 && !allowEmpty {
			return nil, eris.Errorf("Pattern %s produced no matches!", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

// Move implements `mv src... dest`.
func Move(sources []string, dest string) error {
	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	items, err := expandArgs(sources, false)
	if err != nil {
		return err
	}

	destIsDir, err := CheckDir(dest)
	if err != nil {
		return err
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

// Remove implements `rm [-r] [-f] items...`.
func Remove(args []string, recursive, force bool) error {
	items, err := expandArgs(args, force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

// MakeDir implements `mkdir [-p] dirs...`.
func MakeDir(dirs []string, parents bool) error {
	for _, item := range dirs {
		var err error
		if parents {
			err = os.MkdirAll(item, 0o770)
		} else {
			err = os.Mkdir(item, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

// RunBuiltin executes mv, rm and mkdir in-process so scripts behave the same
// on every platform. Relative paths are resolved against dir. It reports
// false for any other command.
func RunBuiltin(dir string, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	flags, operands := splitFlags(args[1:])
	for idx, item := range operands {
		if !filepath.IsAbs(item) {
			operands[idx] = filepath.Join(dir, item)
		}
	}

	switch args[0] {
	case "mv":
		if len(operands) < 2 {
			return true, eris.New("mv: not enough parameters")
		}
		return true, Move(operands[:len(operands)-1], operands[len(operands)-1])
	case "rm":
		return true, Remove(operands, flags['r'] || flags['R'], flags['f'])
	case "mkdir":
		return true, MakeDir(operands, flags['p'])
	}

	return false, nil
}

func splitFlags(args []string) (map[rune]bool, []string) {
	flags := map[rune]bool{}
	operands := make([]string, 0, len(args))
	parsing := true

	for _, arg := range args {
		if parsing && arg == "--" {
			parsing = false
			continue
		}

		if parsing && len(arg) > 1 && strings.HasPrefix(arg, "-") {
			for _, flag := range arg[1:] {
				flags[flag] = true
			}
			continue
		}

		operands = append(operands, arg)
	}

	return flags, operands
}
