package download

import (
	"context"
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// stagingPattern names the hidden staging directory created next to a target.
const stagingPattern = ".sidecar-keeper-download-*"

// DownloadFile fetches a single non-archive file into destPath.
//
// The body is staged in a private hidden directory next to destPath, checked
// against the expected size (Content-Length when expectedSize is zero) and
// moved into place. When the move is refused the staged file is streamed into
// place with go-update and the staged copy is deleted.
func (e *Engine) DownloadFile(
	ctx context.Context,
	sourceURL string,
	destPath string,
	expectedSize int64,
	label string,
	onEvent func(Event),
) (string, error) {
	if sourceURL == "" || destPath == "" {
		return "", errInvalidJob
	}

	id, jobCtx, release := e.track(ctx)
	defer release()

	ctx = logger.WithKV(logger.WithName(jobCtx, "download"), "job", id.String(), "label", label)

	emit := func(event Event) {
		if onEvent != nil {
			onEvent(event)
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), dirPermissions); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}

	stagingDir, err := os.MkdirTemp(filepath.Dir(destPath), stagingPattern)
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	var (
		name       = filepath.Base(destPath)
		stagedPath = filepath.Join(stagingDir, name+tempSuffix)
		hasher     = sha256.New()
	)

	size, err := e.stream(ctx, sourceURL, stagedPath, expectedSize, newProgressReporter(id, label, emit), hasher)
	if err != nil {
		return "", abortAware(ctx, err)
	}

	if err = verifySize(stagedPath, size); err != nil {
		return "", err
	}

	if err = os.Chmod(stagedPath, filePermissions); err != nil {
		return "", fmt.Errorf("chmod staged file: %w", err)
	}

	if err = e.commit(ctx, stagedPath, destPath, hasher.Sum(nil)); err != nil {
		return "", err
	}

	if err = verifySize(destPath, size); err != nil {
		_ = os.Remove(destPath)

		return "", err
	}

	logger.InfoKV(ctx, "File downloaded", "path", destPath)

	return destPath, nil
}

// commit moves the staged file to destPath, falling back to go-update when
// the rename is refused.
func (e *Engine) commit(ctx context.Context, stagedPath, destPath string, checksum []byte) error {
	renameErr := e.rename(stagedPath, destPath)
	if renameErr == nil {
		return nil
	}

	logger.WarnKV(ctx, "Rename failed, copying into place", "error", renameErr)

	staged, err := os.Open(filepath.Clean(stagedPath))
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}

	defer func() {
		_ = staged.Close()
	}()

	// go-update swaps an existing target, so make sure there is one.
	if _, err = os.Stat(destPath); errors.Is(err, os.ErrNotExist) {
		var placeholder *os.File

		placeholder, err = os.OpenFile(filepath.Clean(destPath), os.O_CREATE|os.O_WRONLY, filePermissions)
		if err != nil {
			return fmt.Errorf("create target file: %w", err)
		}

		_ = placeholder.Close()
	}

	options := goupdate.Options{
		TargetPath: destPath,
		TargetMode: filePermissions,
		Checksum:   checksum,
		Hash:       crypto.SHA256,
	}

	if err = goupdate.Apply(staged, options); err != nil {
		return fmt.Errorf("apply %s: %w", filepath.Base(destPath), err)
	}

	_ = staged.Close()

	if err = os.Remove(stagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Failed to delete staged file", "error", err)
	}

	return nil
}
