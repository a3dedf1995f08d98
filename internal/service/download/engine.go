package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// Job describes one artifact to fetch and install.
type Job struct {
	// SourceURL is the artifact location.
	SourceURL string
	// DestinationDir receives the artifact and its extracted contents.
	DestinationDir string
	// ExpectedSize is the declared size in bytes; zero falls back to Content-Length.
	ExpectedSize int64
	// Label names the artifact in progress events.
	Label string
	// FlattenSingleSubfolder merges the top-level directories created by
	// extraction into DestinationDir.
	FlattenSingleSubfolder bool
	// DiscardArchive removes the archive after a successful extraction.
	DiscardArchive bool
}

// Engine runs download jobs and tracks their cancellation.
type Engine struct {
	// client performs artifact requests.
	client *http.Client
	// userAgent identifies the keeper to artifact hosts.
	userAgent string
	// rename commits staged files; replaced in tests to simulate cross-device moves.
	rename func(oldPath, newPath string) error

	// mu guards jobs and latest.
	mu sync.Mutex
	// jobs maps in-flight job identifiers to their cancel functions.
	jobs map[uuid.UUID]context.CancelFunc
	// latest is the most recently started job.
	latest uuid.UUID
}

// Option configures the engine.
type Option func(*Engine)

// WithHTTPClient replaces the HTTP client used for artifact requests.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithUserAgent sets the User-Agent header value.
func WithUserAgent(userAgent string) Option {
	return func(e *Engine) {
		if userAgent != "" {
			e.userAgent = userAgent
		}
	}
}

const (
	// tempSuffix marks an uncommitted download.
	tempSuffix = ".downloading"
	// maxRedirects bounds redirect chains of artifact hosts.
	maxRedirects = 10
	// unknownSizeReportStep is how many bytes pass between events when the size is unknown.
	unknownSizeReportStep = 1 << 20
	// dirPermissions is used for destination directories.
	dirPermissions = 0o755
	// filePermissions is used for committed single files.
	filePermissions = 0o644
)

var (
	// ErrCorruptedDownload is returned when the committed size differs from the expected size.
	ErrCorruptedDownload = errors.New("corrupted download")
	// ErrJobAborted is returned when a job is cancelled through Abort, Cancel or its context.
	ErrJobAborted = errors.New("download job aborted")
	// ErrUnexpectedStatus is returned for non-200 artifact responses.
	ErrUnexpectedStatus = errors.New("unexpected artifact status")

	// errInvalidJob is returned for jobs missing a source or destination.
	errInvalidJob = errors.New("invalid download job")
	// errTooManyRedirects is returned when an artifact host redirects too often.
	errTooManyRedirects = errors.New("too many redirects")
)

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		client: &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}

				return nil
			},
		},
		userAgent: "sidecar-keeper",
		rename:    os.Rename,
		jobs:      make(map[uuid.UUID]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Handle observes a job started with Start.
type Handle struct {
	// id identifies the job.
	id uuid.UUID
	// progress carries events; closed when the job ends.
	progress chan Event
	// done is closed after progress, once path and err are final.
	done chan struct{}
	// path is the installed path.
	path string
	// err is the terminal error.
	err error
}

// ID returns the job identifier accepted by Engine.Cancel.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Progress returns the event stream of the job. The stream is finite and is
// closed when the job ends. The job waits for each event to be received, so a
// caller using Start must either drain Progress or call Wait.
func (h *Handle) Progress() <-chan Event {
	return h.progress
}

// Done is closed when the job has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait discards unread events and returns the installed path or the job error.
func (h *Handle) Wait() (string, error) {
	for range h.progress { //nolint:revive // Draining unblocks the job.
	}

	<-h.done

	return h.path, h.err
}

// Start runs the job in the background.
func (e *Engine) Start(ctx context.Context, job Job) *Handle {
	id, jobCtx, release := e.track(ctx)

	h := &Handle{
		id:       id,
		progress: make(chan Event),
		done:     make(chan struct{}),
	}

	emit := func(event Event) {
		select {
		case h.progress <- event:
		case <-jobCtx.Done():
		}
	}

	go func() {
		defer close(h.done)
		defer release()

		h.path, h.err = e.install(jobCtx, id, job, emit)

		close(h.progress)
	}()

	return h
}

// DownloadAndInstall runs the job and blocks until it ends, passing every
// event to onEvent. It returns the installed path: the extracted directory for
// archives with DiscardArchive, otherwise the committed file.
func (e *Engine) DownloadAndInstall(ctx context.Context, job Job, onEvent func(Event)) (string, error) {
	h := e.Start(ctx, job)

	for event := range h.Progress() {
		if onEvent != nil {
			onEvent(event)
		}
	}

	return h.Wait()
}

// Abort cancels the most recently started job. It reports whether a job was cancelled.
func (e *Engine) Abort() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.jobs[e.latest]
	if ok {
		cancel()
	}

	return ok
}

// Cancel cancels the job with the given identifier. It reports whether the job was in flight.
func (e *Engine) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.jobs[id]
	if ok {
		cancel()
	}

	return ok
}

// track registers a new cancellable job and returns a function forgetting it.
func (e *Engine) track(ctx context.Context) (uuid.UUID, context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	id := uuid.New()

	e.mu.Lock()
	e.jobs[id] = cancel
	e.latest = id
	e.mu.Unlock()

	return id, jobCtx, func() {
		cancel()

		e.mu.Lock()
		delete(e.jobs, id)
		e.mu.Unlock()
	}
}

// install downloads, commits, verifies and optionally extracts the artifact.
//
//nolint:cyclop,funlen // Sequential pipeline reads best as a single function.
func (e *Engine) install(ctx context.Context, id uuid.UUID, job Job, emit func(Event)) (string, error) {
	ctx = logger.WithKV(logger.WithName(ctx, "download"), "job", id.String(), "label", job.Label)

	if job.SourceURL == "" || job.DestinationDir == "" {
		return "", errInvalidJob
	}

	name, err := fileNameFromURL(job.SourceURL)
	if err != nil {
		return "", err
	}

	if err = os.MkdirAll(job.DestinationDir, dirPermissions); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}

	var (
		finalPath = filepath.Join(job.DestinationDir, name)
		tempPath  = finalPath + tempSuffix
	)

	// The temp file never outlives the call, whichever way it ends.
	defer func() {
		_ = os.Remove(tempPath)
	}()

	reporter := newProgressReporter(id, job.Label, emit)

	size, err := e.stream(ctx, job.SourceURL, tempPath, job.ExpectedSize, reporter, nil)
	if err != nil {
		return "", abortAware(ctx, err)
	}

	if err = os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("commit %s: %w", name, err)
	}

	if err = verifySize(finalPath, size); err != nil {
		_ = os.Remove(finalPath)

		return "", err
	}

	logger.InfoKV(ctx, "Artifact downloaded", "path", finalPath)

	kind := detectArchive(name)
	if kind == archiveNone {
		return finalPath, nil
	}

	created, err := extract(ctx, finalPath, job.DestinationDir, kind, func(entry, total int, entryName string) {
		emit(Event{
			JobID:        id,
			Kind:         KindExtract,
			Label:        job.Label,
			Entry:        entry,
			TotalEntries: total,
			EntryName:    entryName,
		})
	})
	if err != nil {
		return "", abortAware(ctx, fmt.Errorf("extract %s: %w", name, err))
	}

	if job.FlattenSingleSubfolder && len(created) > 0 {
		if err = flatten(job.DestinationDir, created); err != nil {
			return "", fmt.Errorf("flatten %s: %w", name, err)
		}
	}

	logger.InfoKV(ctx, "Archive extracted", "destination", job.DestinationDir, "flattened", job.FlattenSingleSubfolder)

	if job.DiscardArchive {
		if err = os.Remove(finalPath); err != nil {
			logger.WarnKV(ctx, "Failed to remove archive", "error", err)
		}

		return job.DestinationDir, nil
	}

	return finalPath, nil
}

// stream writes the artifact body to destPath and returns the expected size
// (zero when unknown). The size is checked by the caller after the commit.
// When sum is not nil it receives every written byte.
func (e *Engine) stream(
	ctx context.Context,
	sourceURL string,
	destPath string,
	expectedSize int64,
	reporter *progressReporter,
	sum io.Writer,
) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("create artifact request: %w", err)
	}

	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request artifact: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	total := expectedSize
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	if total < 0 {
		total = 0
	}

	file, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	reporter.start(total)

	writers := []io.Writer{file, reporter}
	if sum != nil {
		writers = append(writers, sum)
	}

	written, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return 0, fmt.Errorf("write artifact: %w", err)
	}

	reporter.finish()

	logger.DebugKV(ctx, "Artifact streamed", "bytes", written, "expected", total)

	return total, nil
}

// verifySize re-checks the committed file against the expected size.
func verifySize(filePath string, expected int64) error {
	if expected <= 0 {
		return nil
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat committed file: %w", err)
	}

	if info.Size() != expected {
		return fmt.Errorf("%w: %s has %d of %d bytes", ErrCorruptedDownload, filepath.Base(filePath), info.Size(), expected)
	}

	return nil
}

// abortAware maps failures caused by job cancellation to ErrJobAborted.
func abortAware(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}

	return fmt.Errorf("%w: %w", ErrJobAborted, context.Cause(ctx))
}

// fileNameFromURL returns the unescaped last path segment of rawURL.
func fileNameFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse artifact URL: %w", err)
	}

	name := path.Base(parsed.Path)
	if unescaped, unescapeErr := url.PathUnescape(name); unescapeErr == nil {
		name = unescaped
	}

	if name == "" || name == "." || name == "/" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: no file name in %q", errInvalidJob, rawURL)
	}

	return name, nil
}

// progressReporter turns written bytes into throttled download events.
type progressReporter struct {
	// id is the job identifier.
	id uuid.UUID
	// label names the artifact.
	label string
	// emit publishes an event.
	emit func(Event)
	// total is the expected size, zero when unknown.
	total int64
	// written counts bytes so far.
	written int64
	// lastPercentage is the last reported percentage.
	lastPercentage int
	// lastReported is the byte count at the last report.
	lastReported int64
}

func newProgressReporter(id uuid.UUID, label string, emit func(Event)) *progressReporter {
	return &progressReporter{
		id:    id,
		label: label,
		emit:  emit,
	}
}

// start publishes the initial event once the size is known.
func (p *progressReporter) start(total int64) {
	p.total = total
	p.written = 0
	p.lastPercentage = UnknownPercentage
	p.publish()
}

// Write counts p's bytes and reports when the percentage or a byte step changed.
func (p *progressReporter) Write(b []byte) (int, error) {
	p.written += int64(len(b))

	switch {
	case p.total > 0:
		if p.percentage() != p.lastPercentage {
			p.publish()
		}
	case p.written-p.lastReported >= unknownSizeReportStep:
		p.publish()
	}

	return len(b), nil
}

// finish publishes the final byte count when it was not reported yet.
func (p *progressReporter) finish() {
	if p.lastReported != p.written {
		p.publish()
	}
}

func (p *progressReporter) percentage() int {
	if p.total <= 0 {
		return UnknownPercentage
	}

	return int(min(p.written*100/p.total, 100))
}

func (p *progressReporter) publish() {
	p.lastPercentage = p.percentage()
	p.lastReported = p.written

	p.emit(Event{
		JobID:            p.id,
		Kind:             KindDownload,
		Label:            p.label,
		Percentage:       p.lastPercentage,
		BytesTransferred: p.written,
		BytesTotal:       p.total,
	})
}
