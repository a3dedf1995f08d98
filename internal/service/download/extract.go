package download

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// archiveKind is the container format detected from a file name.
type archiveKind int

const (
	archiveNone archiveKind = iota
	archiveZip
	archiveTarGzip
	archiveTarZstd
)

// maxLinkLength bounds symlink targets read from zip entries.
const maxLinkLength = 4096

// errIllegalPath is returned for entries escaping the destination directory.
var errIllegalPath = errors.New("illegal file path in archive")

// detectArchive maps a file name suffix to an archive kind.
func detectArchive(name string) archiveKind {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return archiveZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return archiveTarGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return archiveTarZstd
	default:
		return archiveNone
	}
}

// entryFunc is called after each extracted entry with its 1-based index.
type entryFunc func(entry, total int, name string)

// extract unpacks archivePath into destDir and returns the names of the
// top-level directories that did not exist before. Every write goes through an
// os.Root, so no entry can reach outside destDir, symlinks included.
func extract(ctx context.Context, archivePath, destDir string, kind archiveKind, onEntry entryFunc) ([]string, error) {
	before, err := topLevelDirs(destDir)
	if err != nil {
		return nil, err
	}

	out, err := openUnpacker(destDir)
	if err != nil {
		return nil, err
	}

	defer out.close()

	switch kind {
	case archiveZip:
		err = extractZip(ctx, archivePath, out, onEntry)
	case archiveTarGzip, archiveTarZstd:
		err = extractTar(ctx, archivePath, out, kind, onEntry)
	default:
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	after, err := topLevelDirs(destDir)
	if err != nil {
		return nil, err
	}

	var created []string

	for name := range after {
		if _, existed := before[name]; !existed {
			created = append(created, name)
		}
	}

	return created, nil
}

func topLevelDirs(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	dirs := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			dirs[entry.Name()] = struct{}{}
		}
	}

	return dirs, nil
}

func extractZip(ctx context.Context, archivePath string, out *unpacker, onEntry entryFunc) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	total := len(reader.File)

	for i, file := range reader.File {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = extractZipEntry(file, out); err != nil {
			return err
		}

		onEntry(i+1, total, file.Name)
	}

	return nil
}

func extractZipEntry(file *zip.File, out *unpacker) error {
	name, err := entryName(file.Name)
	if err != nil {
		return err
	}

	mode := file.Mode()

	switch {
	case mode.IsDir():
		return out.mkdir(name)
	case mode&fs.ModeSymlink != 0:
		content, openErr := file.Open()
		if openErr != nil {
			return fmt.Errorf("open %s: %w", file.Name, openErr)
		}

		linkname, readErr := io.ReadAll(io.LimitReader(content, maxLinkLength))
		_ = content.Close()

		if readErr != nil {
			return fmt.Errorf("read link %s: %w", file.Name, readErr)
		}

		return out.symlink(name, string(linkname))
	default:
		content, openErr := file.Open()
		if openErr != nil {
			return fmt.Errorf("open %s: %w", file.Name, openErr)
		}

		defer func() {
			_ = content.Close()
		}()

		return out.writeFile(name, content, mode.Perm())
	}
}

// countTarEntries reads the archive once to learn its entry count.
func countTarEntries(archivePath string, kind archiveKind) (int, error) {
	stream, closeStream, err := openTar(archivePath, kind)
	if err != nil {
		return 0, err
	}

	defer closeStream()

	reader := tar.NewReader(stream)

	count := 0

	for {
		_, err = reader.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}

		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return 0, fmt.Errorf("read tar header: %w", err)
		}

		count++
	}
}

//nolint:cyclop // One case per entry type.
func extractTar(ctx context.Context, archivePath string, out *unpacker, kind archiveKind, onEntry entryFunc) error {
	total, err := countTarEntries(archivePath, kind)
	if err != nil {
		return err
	}

	stream, closeStream, err := openTar(archivePath, kind)
	if err != nil {
		return err
	}

	defer closeStream()

	reader := tar.NewReader(stream)

	for entry := 1; ; entry++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		header, nextErr := reader.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}

		// Insecure names are rejected by entryName below.
		if nextErr != nil && !errors.Is(nextErr, tar.ErrInsecurePath) {
			return fmt.Errorf("read tar header: %w", nextErr)
		}

		name, nameErr := entryName(header.Name)
		if nameErr != nil {
			return nameErr
		}

		switch header.Typeflag {
		case tar.TypeDir:
			err = out.mkdir(name)
		case tar.TypeReg:
			err = out.writeFile(name, reader, fs.FileMode(header.Mode).Perm()) //nolint:gosec // Mode is masked to permission bits.
		case tar.TypeSymlink:
			err = out.symlink(name, header.Linkname)
		case tar.TypeLink:
			err = out.hardlink(name, header.Linkname)
		default:
			// Devices, fifos and pax records are skipped.
		}

		if err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

		onEntry(entry, total, header.Name)
	}
}

// openTar returns the decompressed tar stream of the archive.
func openTar(archivePath string, kind archiveKind) (io.Reader, func(), error) {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}

	switch kind {
	case archiveTarGzip:
		gzipReader, gzipErr := gzip.NewReader(file)
		if gzipErr != nil {
			_ = file.Close()

			return nil, nil, fmt.Errorf("create gzip reader: %w", gzipErr)
		}

		return gzipReader, func() {
			_ = gzipReader.Close()
			_ = file.Close()
		}, nil
	case archiveTarZstd:
		decoder, zstdErr := zstd.NewReader(file)
		if zstdErr != nil {
			_ = file.Close()

			return nil, nil, fmt.Errorf("create zstd reader: %w", zstdErr)
		}

		return decoder, func() {
			decoder.Close()
			_ = file.Close()
		}, nil
	default:
		return file, func() {
			_ = file.Close()
		}, nil
	}
}

// entryName cleans an archive entry name into a path relative to the
// destination and rejects names that are absolute or climb out of it.
func entryName(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return clean, nil
	}

	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", errIllegalPath, name)
	}

	return clean, nil
}

// unpacker writes archive entries below a destination directory.
type unpacker struct {
	// root confines every operation to the destination.
	root *os.Root
	// realDir is the destination with symlinks resolved.
	realDir string
}

func openUnpacker(destDir string) (*unpacker, error) {
	realDir, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	root, err := os.OpenRoot(realDir)
	if err != nil {
		return nil, fmt.Errorf("open destination: %w", err)
	}

	return &unpacker{
		root:    root,
		realDir: realDir,
	}, nil
}

func (u *unpacker) close() {
	_ = u.root.Close()
}

func (u *unpacker) mkdir(name string) error {
	if name == "." {
		return nil
	}

	if err := u.root.MkdirAll(name, dirPermissions); err != nil {
		return fmt.Errorf("create directory %s: %w", name, err)
	}

	return nil
}

// replace prepares name for a new entry: its parent exists and any previous
// entry is gone. An existing file may be a running binary or a symlink.
func (u *unpacker) replace(name string) error {
	if err := u.mkdir(filepath.Dir(name)); err != nil {
		return err
	}

	if err := u.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", name, err)
	}

	return nil
}

func (u *unpacker) writeFile(name string, content io.Reader, perm fs.FileMode) error {
	if err := u.replace(name); err != nil {
		return err
	}

	// Owner always keeps read and write access.
	perm |= 0o600

	out, err := u.root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file %s: %w", name, err)
	}

	if _, err = io.Copy(out, content); err != nil {
		_ = out.Close()

		return fmt.Errorf("write file %s: %w", name, err)
	}

	if err = out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", name, err)
	}

	return nil
}

// symlink creates name pointing to linkname. Targets may only climb with
// leading ".." elements; every step is resolved from the real parent directory,
// following links already on disk, and must stay inside the destination.
func (u *unpacker) symlink(name, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute link %s", errIllegalPath, linkname)
	}

	if err := u.mkdir(filepath.Dir(name)); err != nil {
		return err
	}

	realParent, err := filepath.EvalSymlinks(filepath.Join(u.realDir, filepath.Dir(name)))
	if err != nil {
		return fmt.Errorf("resolve parent of %s: %w", name, err)
	}

	if !u.resolvesInside(realParent, linkname) {
		return fmt.Errorf("%w: link %s -> %s", errIllegalPath, name, linkname)
	}

	if err = u.replace(name); err != nil {
		return err
	}

	if err = u.root.Symlink(linkname, name); err != nil {
		return fmt.Errorf("create symlink %s: %w", name, err)
	}

	return nil
}

// resolvesInside walks linkname from dir one element at a time.
func (u *unpacker) resolvesInside(dir, linkname string) bool {
	descended := false

	for _, element := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch element {
		case "", ".":
			continue
		case "..":
			// A name passed earlier may be a link now or later.
			if descended {
				return false
			}

			dir = filepath.Dir(dir)
		default:
			descended = true
			dir = filepath.Join(dir, element)

			if resolved, err := filepath.EvalSymlinks(dir); err == nil {
				dir = resolved
			}
		}

		if !u.inside(dir) {
			return false
		}
	}

	return true
}

// inside reports whether path is the destination or below it.
func (u *unpacker) inside(path string) bool {
	rel, err := filepath.Rel(u.realDir, path)

	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

func (u *unpacker) hardlink(name, linkname string) error {
	source, err := entryName(linkname)
	if err != nil {
		return err
	}

	if err = u.replace(name); err != nil {
		return err
	}

	if err = u.root.Link(source, name); err != nil {
		return fmt.Errorf("create hard link %s: %w", name, err)
	}

	return nil
}
