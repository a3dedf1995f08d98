package download

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// flatten merges each named top-level directory of destDir into destDir and
// removes it. Contents are copied rather than renamed so the merge also works
// when the tree spans volumes.
func flatten(destDir string, dirs []string) error {
	for _, dir := range dirs {
		source := filepath.Join(destDir, dir)

		// Park the directory under a unique name first: a payload file may
		// carry the same name as its wrapping folder.
		parked := filepath.Join(destDir, ".flatten-"+uuid.NewString())
		if err := os.Rename(source, parked); err != nil {
			return fmt.Errorf("park %s: %w", dir, err)
		}

		if err := mergeTree(parked, destDir); err != nil {
			return fmt.Errorf("merge %s: %w", dir, err)
		}

		if err := os.RemoveAll(parked); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}

	return nil
}

// mergeTree copies every entry below source into target, overwriting files.
func mergeTree(source, target string) error {
	return filepath.WalkDir(source, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(source, current)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		destination := filepath.Join(target, rel)

		switch {
		case entry.IsDir():
			return os.MkdirAll(destination, dirPermissions)
		case entry.Type()&fs.ModeSymlink != 0:
			linkname, readErr := os.Readlink(current)
			if readErr != nil {
				return readErr
			}

			_ = os.Remove(destination)

			return os.Symlink(linkname, destination)
		default:
			return copyFile(current, destination)
		}
	})
}

func copyFile(source, destination string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}

	in, err := os.Open(filepath.Clean(source))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	// A directory in the way cannot be merged with a file.
	if existing, statErr := os.Lstat(destination); statErr == nil && existing.IsDir() {
		return fmt.Errorf("%s: %w", destination, fs.ErrExist)
	} else if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return statErr
	}

	_ = os.Remove(destination)

	out, err := os.OpenFile(filepath.Clean(destination), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
